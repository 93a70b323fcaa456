// Package remote speaks the newline-delimited text protocol between the
// coordinator and participant nodes. One request line gets exactly one
// response line, so a connection can be pooled and reused call after call.
package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Wire commands.
const (
	CmdPrepare  = "PREPARE"
	CmdCommit   = "COMMIT"
	CmdRollback = "ROLLBACK"
	CmdGet      = "GET"
	CmdPing     = "PING"
)

// Wire response statuses.
const (
	StatusVoteCommit = "VOTE_COMMIT"
	StatusVoteAbort  = "VOTE_ABORT"
	StatusCommitted  = "COMMITTED"
	StatusAborted    = "ABORTED"
	StatusOK         = "OK"
	StatusNotFound   = "NOT_FOUND"
	StatusPong       = "PONG"
	StatusError      = "ERROR"
)

// Request is one parsed command line.
type Request struct {
	Command string
	TxnID   string
	Key     string
	Payload transaction.Payload
}

// Response is one reply line: a status word plus an optional message.
type Response struct {
	Status  string
	Message string
}

// Encode renders the response as a wire line.
func (r Response) Encode() string {
	if r.Message == "" {
		return r.Status + "\n"
	}
	return r.Status + " " + r.Message + "\n"
}

// ParseResponse splits a reply line into status and message.
func ParseResponse(line string) Response {
	line = strings.TrimSpace(line)
	status, message, _ := strings.Cut(line, " ")
	return Response{Status: status, Message: message}
}

// ParseRequest parses one raw command line. The payload argument of PREPARE
// is JSON and may contain spaces, so it is everything after the transaction
// id rather than a single field.
func ParseRequest(raw string) (Request, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Request{}, fmt.Errorf("empty command")
	}

	command := strings.ToUpper(parts[0])
	req := Request{Command: command}

	switch command {
	case CmdPrepare:
		if len(parts) < 3 {
			return Request{}, fmt.Errorf("PREPARE requires a transaction id and a payload")
		}
		req.TxnID = parts[1]
		_, rest, _ := strings.Cut(strings.TrimSpace(raw), " ")
		_, payloadJSON, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if err := json.Unmarshal([]byte(payloadJSON), &req.Payload); err != nil {
			return Request{}, fmt.Errorf("invalid payload JSON: %w", err)
		}
	case CmdCommit, CmdRollback:
		if len(parts) < 2 {
			return Request{}, fmt.Errorf("%s requires a transaction id", command)
		}
		req.TxnID = parts[1]
	case CmdGet:
		if len(parts) < 2 {
			return Request{}, fmt.Errorf("GET requires a key")
		}
		req.Key = parts[1]
	case CmdPing:
		// No arguments.
	default:
		return Request{}, fmt.Errorf("unknown command: %s", command)
	}
	return req, nil
}

// EncodePrepare renders a PREPARE line for the wire.
func EncodePrepare(txnID string, payload transaction.Payload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return fmt.Sprintf("%s %s %s\n", CmdPrepare, txnID, data), nil
}
