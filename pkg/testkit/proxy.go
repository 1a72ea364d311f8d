package testkit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"conductor/pkg/agent/llm"
)

// ProxyServer emulates the OpenAI-compatible chat completions endpoint of a
// LiteLLM proxy. It serves scripted responses in order and records the model
// name of each request, letting client tests exercise the real wire format
// without a live proxy.
type ProxyServer struct {
	*httptest.Server

	mu        sync.Mutex
	responses []llm.CompletionResponse
	models    []string
}

// NewProxyServer starts a proxy that serves the given completions in order.
// Requests past the end of the script get an OpenAI-shaped 500. Close the
// server when done.
func NewProxyServer(responses ...llm.CompletionResponse) *ProxyServer {
	p := &ProxyServer{responses: responses}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

// Calls reports how many completions have been served.
func (p *ProxyServer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.models)
}

// Model returns the model name the i-th request asked for.
func (p *ProxyServer) Model(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.models[i]
}

func (p *ProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProxyError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p.mu.Lock()
	turn := len(p.models)
	p.models = append(p.models, req.Model)
	if turn >= len(p.responses) {
		p.mu.Unlock()
		writeProxyError(w, http.StatusInternalServerError, fmt.Sprintf("proxy script exhausted after %d calls", len(p.responses)))
		return
	}
	resp := p.responses[turn]
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(completionBody(turn, req.Model, resp)) //nolint:errcheck // test server
}

// completionBody renders one scripted response as a chat.completion object.
func completionBody(turn int, model string, resp llm.CompletionResponse) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": resp.Content,
	}
	finish := "stop"
	if len(resp.ToolCalls) > 0 {
		finish = "tool_calls"
		calls := make([]map[string]any, 0, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			tc := &resp.ToolCalls[i]
			args, _ := json.Marshal(tc.Arguments)
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": string(args),
				},
			})
		}
		message["tool_calls"] = calls
	}

	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage = llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}
	}

	return map[string]any{
		"id":      fmt.Sprintf("chatcmpl-test-%d", turn),
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test server
		"error": map[string]any{
			"message": message,
			"type":    "server_error",
		},
	})
}
