// gojotx_cli is a line-oriented client for the coordinator API. With
// arguments it runs one command and exits; without it drops into an
// interactive shell with history.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sushant-115/gojotx/core/transaction"
)

// clientTimeout covers two full commit phases plus network slack.
const clientTimeout = 30 * time.Second

var apiAddr = flag.String("addr", "http://127.0.0.1:7460", "Coordinator API base URL")

// APIRequest is one data command for the coordinator's /data endpoint.
type APIRequest struct {
	Command string `json:"command"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
}

// APIResponse is the coordinator's answer to a data command.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// TransactionRequest is a batch of operations for /transaction.
type TransactionRequest struct {
	Operations []transaction.Operation `json:"operations"`
}

// TransactionResponse reports the terminal state of one transaction.
type TransactionResponse struct {
	Status        string   `json:"status"`
	TxnID         string   `json:"txn_id,omitempty"`
	Message       string   `json:"message,omitempty"`
	FailedCommits []string `json:"failed_commits,omitempty"`
}

// performTransactionRequest sends a transaction to the coordinator and prints
// its terminal state.
func performTransactionRequest(ops []transaction.Operation) {
	jsonBody, err := json.Marshal(TransactionRequest{Operations: ops})
	if err != nil {
		log.Printf("Error marshalling request: %v", err)
		return
	}

	httpClient := http.Client{Timeout: clientTimeout}
	resp, err := httpClient.Post(*apiAddr+"/transaction", "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		log.Printf("Error sending request to coordinator: %v", err)
		return
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Error reading response body: %v", err)
		return
	}

	var txResp TransactionResponse
	if err := json.Unmarshal(bodyBytes, &txResp); err != nil {
		log.Printf("Error unmarshalling response: %v. Raw response: %s", err, strings.TrimSpace(string(bodyBytes)))
		return
	}

	fmt.Printf("Response: Status=%s, TxnID=%s", txResp.Status, txResp.TxnID)
	if txResp.Message != "" {
		fmt.Printf(", Message='%s'", txResp.Message)
	}
	if len(txResp.FailedCommits) > 0 {
		fmt.Printf(", FailedCommits=%s", strings.Join(txResp.FailedCommits, ","))
	}
	fmt.Println()
}

// performDataRequest sends a single-key read to the coordinator's /data
// endpoint.
func performDataRequest(cmd, key string) {
	jsonBody, err := json.Marshal(APIRequest{Command: cmd, Key: key})
	if err != nil {
		log.Printf("Error marshalling request: %v", err)
		return
	}

	httpClient := http.Client{Timeout: clientTimeout}
	resp, err := httpClient.Post(*apiAddr+"/data", "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		log.Printf("Error sending request to coordinator: %v", err)
		return
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Error reading response body: %v", err)
		return
	}

	var apiResp APIResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		log.Printf("Error unmarshalling response: %v. Raw response: %s", err, strings.TrimSpace(string(bodyBytes)))
		return
	}

	fmt.Printf("Response: Status=%s, Message='%s'\n", apiResp.Status, apiResp.Message)
}

// fetchText prints a plain-text endpoint such as /status or /healthz.
func fetchText(path string) {
	httpClient := http.Client{Timeout: clientTimeout}
	resp, err := httpClient.Get(*apiAddr + path)
	if err != nil {
		log.Printf("Error fetching %s: %v", path, err)
		return
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Error reading response body: %v", err)
		return
	}
	fmt.Printf("%s (Status: %s):\n%s\n", path, resp.Status, strings.TrimSpace(string(bodyBytes)))
}

// parsePutOperations turns key=value arguments into PUT operations.
func parsePutOperations(args []string) ([]transaction.Operation, bool) {
	ops := make([]transaction.Operation, 0, len(args))
	for _, pair := range args {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			fmt.Printf("Error: put arguments look like key=value, got '%s'.\n", pair)
			return nil, false
		}
		ops = append(ops, transaction.Operation{Command: "PUT", Key: key, Value: value})
	}
	return ops, true
}

// processCommand handles a single command, either from args or interactive mode.
func processCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Error: No command provided.")
		return
	}

	command := strings.ToLower(args[0])

	switch command {
	case "txn":
		if len(args) < 3 {
			fmt.Println("Error: txn command requires a sub-command and arguments, e.g. 'txn put a=1 b=2'.")
			return
		}
		switch strings.ToLower(args[1]) {
		case "put":
			ops, ok := parsePutOperations(args[2:])
			if !ok {
				return
			}
			performTransactionRequest(ops)
		case "del":
			ops := make([]transaction.Operation, 0, len(args[2:]))
			for _, key := range args[2:] {
				ops = append(ops, transaction.Operation{Command: "DELETE", Key: key})
			}
			performTransactionRequest(ops)
		default:
			fmt.Println("Error: Unknown txn sub-command. Supported: put, del.")
		}
	case "get":
		if len(args) < 2 {
			fmt.Println("Error: get command requires a key.")
			return
		}
		performDataRequest("GET", args[1])
	case "status":
		fetchText("/status")
	case "health":
		fetchText("/healthz")
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  txn put <key=value> [key=value ...]   commit the writes atomically on every node")
		fmt.Println("  txn del <key> [key ...]                delete the keys atomically on every node")
		fmt.Println("  get <key>                              read a committed value")
		fmt.Println("  status                                 coordinator and participant status")
		fmt.Println("  health                                 participant reachability summary")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
	case "exit", "quit":
		fmt.Println("Exiting GojoTx CLI.")
		os.Exit(0)
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
}

func interactiveLoop() {
	fmt.Println("GojoTx CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojotx> ",
		HistoryFile:       "/tmp/gojotx_cli.history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatalf("Failed to initialize readline: %v", err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Exiting GojoTx CLI.")
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		processCommand(strings.Fields(line))
	}
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		processCommand(args)
		return
	}
	interactiveLoop()
}
