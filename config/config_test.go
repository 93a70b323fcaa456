package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node:
  id: node-7
  listen_addr: 127.0.0.1:9450
coordinator:
  id: coord-main
  listen_addr: 127.0.0.1:9460
  phase_timeout: 750ms
  max_parallel: 8
  participants:
    - id: node-7
      addr: 127.0.0.1:9450
    - id: node-8
      addr: 127.0.0.1:9451
journal:
  enabled: true
  addr: 127.0.0.1:9470
  flush_interval: 25ms
  insecure_skip_verify: true
log:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9900
`

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "node-7", cfg.Node.ID)
	require.Equal(t, "coord-main", cfg.Coordinator.ID)
	require.Equal(t, 750*time.Millisecond, cfg.Coordinator.PhaseTimeout.Std())
	require.Equal(t, 8, cfg.Coordinator.MaxParallel)
	require.Len(t, cfg.Coordinator.Participants, 2)
	require.Equal(t, "127.0.0.1:9451", cfg.Coordinator.Participants[1].Addr)

	require.True(t, cfg.Journal.Enabled)
	require.Equal(t, 25*time.Millisecond, cfg.Journal.FlushInterval.Std())
	// Untouched fields keep their defaults.
	require.Equal(t, "/journal", cfg.Journal.URLPath)
	require.Equal(t, 4, cfg.Coordinator.PoolSize)

	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9900, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "gojotx", cfg.Telemetry.ServiceName)
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojotx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-7", cfg.Node.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty node id", "node:\n  id: \"\""},
		{"zero phase timeout", "coordinator:\n  phase_timeout: 0s"},
		{"participant without addr", "coordinator:\n  participants:\n    - id: node-1"},
		{"duplicate participant", "coordinator:\n  participants:\n    - id: n\n      addr: a:1\n    - id: n\n      addr: a:2"},
		{"journal enabled without addr", "journal:\n  enabled: true"},
		{"journal enabled without trust anchor", "journal:\n  enabled: true\n  addr: a:1"},
		{"bad duration", "coordinator:\n  phase_timeout: soon"},
		{"not yaml", ": ["},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}
