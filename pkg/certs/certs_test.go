package certs

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEphemeralHandshake(t *testing.T) {
	serverCfg, clientCfg, err := NewEphemeral()
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- tls.Server(serverSide, serverCfg).Handshake()
	}()

	cfg := clientCfg.Clone()
	cfg.ServerName = "localhost"
	clientConn := tls.Client(clientSide, cfg)
	require.NoError(t, clientConn.Handshake())
	require.NoError(t, <-serverErr)
	require.Equal(t, "h3", clientConn.ConnectionState().NegotiatedProtocol)
}

func TestNewEphemeralCoversExtraHosts(t *testing.T) {
	serverCfg, _, err := NewEphemeral("journal.internal", "10.1.2.3")
	require.NoError(t, err)
	require.Len(t, serverCfg.Certificates, 1)

	leaf, err := x509.ParseCertificate(serverCfg.Certificates[0].Certificate[0])
	require.NoError(t, err)

	require.Contains(t, leaf.DNSNames, "localhost")
	require.Contains(t, leaf.DNSNames, "journal.internal")

	var ips []string
	for _, ip := range leaf.IPAddresses {
		ips = append(ips, ip.String())
	}
	require.Contains(t, ips, "127.0.0.1")
	require.Contains(t, ips, "10.1.2.3")

	require.NoError(t, leaf.VerifyHostname("127.0.0.1"))
	require.NoError(t, leaf.VerifyHostname("journal.internal"))
}

func TestClientRejectsUnknownCA(t *testing.T) {
	serverCfg, _, err := NewEphemeral()
	require.NoError(t, err)
	_, otherClient, err := NewEphemeral()
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go func() {
		// The handshake fails on the client side; the server sees the
		// aborted connection and errors too, which is fine.
		_ = tls.Server(serverSide, serverCfg).Handshake()
	}()

	cfg := otherClient.Clone()
	cfg.ServerName = "localhost"
	require.Error(t, tls.Client(clientSide, cfg).Handshake(),
		"a client trusting a different CA must refuse the server")
}
