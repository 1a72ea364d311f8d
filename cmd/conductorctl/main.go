// Command conductorctl is a terminal client for a running conductor
// daemon. It drives the HTTP API: create and inspect sessions, send
// messages and watch the chunk stream, answer plan and tool approvals,
// and post tool results on behalf of an editor.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"conductor/pkg/proto"
	"conductor/pkg/version"
)

const defaultBaseURL = "http://127.0.0.1:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	client := &ctl{
		baseURL: baseURL(),
		http:    &http.Client{Timeout: 10 * time.Minute},
	}

	var err error
	switch cmd {
	case "create":
		err = client.create(args)
	case "list":
		err = client.list(args)
	case "show":
		err = client.show(args)
	case "send":
		err = client.send(args)
	case "approvals":
		err = client.approvals(args)
	case "plan-decision":
		err = client.planDecision(args)
	case "tool-decision":
		err = client.toolDecision(args)
	case "tool-result":
		err = client.toolResult(args)
	case "health":
		err = client.health(args)
	case "version":
		fmt.Printf("conductorctl %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductorctl - client for the conductor daemon

Usage:
  conductorctl create [-title T] [-description D]
  conductorctl list [-limit N] [-offset N]
  conductorctl show <session-id>
  conductorctl send <session-id> <message...>
  conductorctl approvals <session-id>
  conductorctl plan-decision <session-id> <request-id> <approve|reject|modify> [-feedback F]
  conductorctl tool-decision <session-id> <request-id> <approve|reject>
  conductorctl tool-result <session-id> <call-id> [-error] <result...>
  conductorctl health
  conductorctl version

The daemon address comes from CONDUCTOR_URL (default %s).
`, defaultBaseURL)
}

func baseURL() string {
	if v := os.Getenv("CONDUCTOR_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultBaseURL
}

type ctl struct {
	baseURL string
	http    *http.Client
}

func (c *ctl) create(args []string) error {
	flags := flag.NewFlagSet("create", flag.ExitOnError)
	title := flags.String("title", "", "session title")
	description := flags.String("description", "", "session description")
	if err := flags.Parse(args); err != nil {
		return err
	}

	body := map[string]string{"title": *title, "description": *description}
	return c.postJSON("/sessions", body)
}

func (c *ctl) list(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	limit := flags.Int("limit", 50, "maximum sessions to return")
	offset := flags.Int("offset", 0, "pagination offset")
	if err := flags.Parse(args); err != nil {
		return err
	}
	return c.getJSON(fmt.Sprintf("/sessions?limit=%d&offset=%d", *limit, *offset))
}

func (c *ctl) show(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: conductorctl show <session-id>")
	}
	return c.getJSON("/sessions/" + args[0])
}

func (c *ctl) send(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: conductorctl send <session-id> <message...>")
	}
	sessionID := args[0]
	content := strings.Join(args[1:], " ")

	return c.stream("/sessions/"+sessionID+"/messages", map[string]string{"content": content})
}

func (c *ctl) approvals(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: conductorctl approvals <session-id>")
	}
	return c.getJSON("/sessions/" + args[0] + "/approvals")
}

func (c *ctl) planDecision(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: conductorctl plan-decision <session-id> <request-id> <approve|reject|modify> [-feedback F]")
	}
	sessionID, requestID, decision := args[0], args[1], args[2]

	flags := flag.NewFlagSet("plan-decision", flag.ExitOnError)
	feedback := flags.String("feedback", "", "reviewer feedback")
	if err := flags.Parse(args[3:]); err != nil {
		return err
	}

	return c.stream("/sessions/"+sessionID+"/plan-decision", map[string]string{
		"approvalRequestId": requestID,
		"decision":          decision,
		"feedback":          *feedback,
	})
}

func (c *ctl) toolDecision(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: conductorctl tool-decision <session-id> <request-id> <approve|reject>")
	}
	return c.stream("/sessions/"+args[0]+"/tool-decision", map[string]string{
		"approvalRequestId": args[1],
		"decision":          args[2],
	})
}

func (c *ctl) toolResult(args []string) error {
	flags := flag.NewFlagSet("tool-result", flag.ExitOnError)
	isError := flags.Bool("error", false, "mark the result as a tool failure")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) < 3 {
		return fmt.Errorf("usage: conductorctl tool-result <session-id> <call-id> [-error] <result...>")
	}

	return c.stream("/sessions/"+rest[0]+"/tool-results", map[string]any{
		"toolCallId": rest[1],
		"result":     strings.Join(rest[2:], " "),
		"isError":    *isError,
	})
}

func (c *ctl) health(_ []string) error {
	return c.getJSON("/healthz")
}

// getJSON performs a GET and pretty-prints the JSON response.
func (c *ctl) getJSON(path string) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSONBody(resp)
}

// postJSON performs a POST and pretty-prints the JSON response.
func (c *ctl) postJSON(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSONBody(resp)
}

// stream POSTs and renders the NDJSON chunk stream line by line as chunks
// arrive.
func (c *ctl) stream(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		return printJSONBody(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk proto.StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			fmt.Println(string(line))
			continue
		}
		renderChunk(chunk)
	}
	return scanner.Err()
}

// renderChunk prints one stream chunk in a terminal-friendly shape.
func renderChunk(chunk proto.StreamChunk) {
	switch chunk.Type {
	case proto.ChunkAssistantMessage:
		fmt.Println(chunk.Content)
	case proto.ChunkStatus:
		fmt.Printf("· %s\n", chunk.Content)
	case proto.ChunkError:
		fmt.Printf("✗ %s\n", chunk.Error)
	case proto.ChunkToolCall:
		args, _ := json.Marshal(chunk.Arguments)
		marker := ""
		if chunk.RequiresApproval {
			marker = " (requires approval: " + chunk.ApprovalRequestID + ")"
		}
		fmt.Printf("→ tool %s %s [call %s]%s\n", chunk.ToolName, args, chunk.CallID, marker)
	case proto.ChunkToolResult:
		fmt.Printf("← %s\n", chunk.Content)
	case proto.ChunkSwitchAgent:
		reason, _ := chunk.Metadata["reason"].(string)
		fmt.Printf("↷ %s (%s)\n", chunk.Content, reason)
	case proto.ChunkPlanCreated:
		summary, _ := json.MarshalIndent(chunk.PlanSummary, "", "  ")
		fmt.Printf("▤ plan %s created\n%s\n", chunk.PlanID, summary)
	case proto.ChunkPlanApprovalRequired:
		fmt.Printf("▤ plan %s awaits review: approve with\n  conductorctl plan-decision <session> %s approve\n", chunk.PlanID, chunk.ApprovalRequestID)
	case proto.ChunkPlanRejected:
		fmt.Printf("▤ plan %s rejected: %s\n", chunk.PlanID, chunk.Content)
	case proto.ChunkPlanCompleted:
		fmt.Printf("▤ plan %s completed\n", chunk.PlanID)
	case proto.ChunkSubtaskCompleted:
		subtaskID, _ := chunk.Metadata["subtask_id"].(string)
		status, _ := chunk.Metadata["status"].(string)
		fmt.Printf("▸ subtask %s %s: %s\n", subtaskID, status, chunk.Content)
	case proto.ChunkExecutionCompleted:
		fmt.Printf("▤ %s\n", chunk.Content)
	default:
		raw, _ := json.Marshal(chunk)
		fmt.Println(string(raw))
	}
}

// printJSONBody re-indents one JSON response for the terminal.
func printJSONBody(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(data)))
		return nil
	}
	fmt.Println(out.String())
	return nil
}
