package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionMetrics is the aggregated LLM usage for one conversation,
// summed across agents and models.
type SessionMetrics struct {
	SessionID        string `json:"session_id"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService reads recorded series back from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus
// base URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSessionMetrics aggregates token and request counts for a session.
func (q *QueryService) GetSessionMetrics(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	metrics := &SessionMetrics{
		SessionID: sessionID,
	}

	promptQuery := fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, type="prompt"})`, sessionID)
	prompt, err := q.scalar(ctx, promptQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	metrics.PromptTokens = prompt

	completionQuery := fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, type="completion"})`, sessionID)
	completion, err := q.scalar(ctx, completionQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.CompletionTokens = completion
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	requestsQuery := fmt.Sprintf(`sum(llm_requests_total{session_id=%q})`, sessionID)
	requests, err := q.scalar(ctx, requestsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	metrics.Requests = requests

	return metrics, nil
}

// scalar runs an instant query expected to return a single-sample
// vector. Missing series yield zero rather than an error.
func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
