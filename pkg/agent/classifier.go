package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/pkg/agent/llm"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Agent labels used on the classifier wire. They map onto proto.AgentType
// via MapAgentLabel.
const (
	LabelCode    = "code"
	LabelPlan    = "plan"
	LabelDebug   = "debug"
	LabelExplain = "explain"
)

// classifierMaxTokens bounds the classification call; the reply is a single
// small JSON object.
const classifierMaxTokens = 256

// classifierHistoryWindow is how many trailing messages of context the
// classifier sees alongside the new message.
const classifierHistoryWindow = 6

// ClassificationResult is the routing verdict for one inbound message.
type ClassificationResult struct {
	IsAtomic   bool    `json:"isAtomic"`
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// MapAgentLabel converts a classifier label to the worker registry's agent
// type. Unknown labels fall back to the coder.
func MapAgentLabel(label string) proto.AgentType {
	switch label {
	case LabelCode:
		return proto.AgentCoder
	case LabelPlan:
		return proto.AgentArchitect
	case LabelDebug:
		return proto.AgentDebug
	case LabelExplain:
		return proto.AgentAsk
	default:
		return proto.AgentCoder
	}
}

// Classifier decides whether a message is atomic and which persona should
// handle it.
type Classifier struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewClassifier creates a classifier over the given model client.
func NewClassifier(client llm.LLMClient) *Classifier {
	return &Classifier{
		client: client,
		logger: logx.NewLogger("classifier"),
	}
}

// Classify routes one inbound message. It never leaves the caller without a
// verdict: when the model call fails or the reply cannot be parsed, the
// keyword fallback engages and the request is treated as atomic. The error
// return is non-nil only for model call failures, so the caller can account
// for them separately; the returned result is always usable.
func (c *Classifier) Classify(ctx context.Context, history []proto.Message, userMessage string) (ClassificationResult, error) {
	messages := []proto.Message{
		{Role: proto.RoleSystem, Content: classifierPrompt},
		{Role: proto.RoleUser, Content: renderClassifierInput(history, userMessage)},
	}

	req := llm.CompletionRequest{
		Messages:    messages,
		MaxTokens:   classifierMaxTokens,
		Temperature: llm.TemperatureDeterministic,
	}

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		result := fallbackClassification(userMessage)
		c.logger.Warn("⚠️ classifier_fallback: model call failed (%v), defaulting to %s/atomic", err, result.Agent)
		return result, err
	}

	result, perr := parseClassification(resp.Content)
	if perr != nil {
		result = fallbackClassification(userMessage)
		c.logger.Warn("⚠️ classifier_fallback: unparseable verdict (%v), defaulting to %s/atomic", perr, result.Agent)
		return result, nil
	}

	// plan implies complex and vice versa; normalize contradictory output.
	if result.Agent == LabelPlan {
		result.IsAtomic = false
	}
	if !result.IsAtomic {
		result.Agent = LabelPlan
	}

	return result, nil
}

// renderClassifierInput folds the trailing conversation window and the new
// message into one prompt block.
func renderClassifierInput(history []proto.Message, userMessage string) string {
	var b strings.Builder
	recent := history
	if len(recent) > classifierHistoryWindow {
		recent = recent[len(recent)-classifierHistoryWindow:]
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for i := range recent {
			msg := &recent[i]
			if msg.Role != proto.RoleUser && msg.Role != proto.RoleAssistant {
				continue
			}
			content := msg.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			b.WriteString(string(msg.Role))
			b.WriteString(": ")
			b.WriteString(content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("New message:\n")
	b.WriteString(userMessage)
	return b.String()
}

// parseClassification extracts the JSON verdict, tolerating code fences and
// prose around the object.
func parseClassification(content string) (ClassificationResult, error) {
	raw, err := extractJSON(content, '{', '}')
	if err != nil {
		return ClassificationResult{}, err
	}

	var result ClassificationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return ClassificationResult{}, err
	}

	switch result.Agent {
	case LabelCode, LabelPlan, LabelDebug, LabelExplain:
	default:
		return ClassificationResult{}, fmt.Errorf("unknown agent label %q", result.Agent)
	}
	return result, nil
}

// fallbackClassification is the keyword heuristic used when the model gives
// no usable verdict. It always produces an atomic result; without a reliable
// classifier the runtime must not commit to multi-step planning.
func fallbackClassification(userMessage string) ClassificationResult {
	lower := strings.ToLower(userMessage)

	agent := LabelCode
	switch {
	case containsAny(lower, "error", "bug", "crash", "fails", "failing", "broken", "stack trace"):
		agent = LabelDebug
	case containsAny(lower, "what ", "why ", "how does", "explain", "understand", "difference between"):
		agent = LabelExplain
	}

	return ClassificationResult{
		IsAtomic:   true,
		Agent:      agent,
		Confidence: 0.3,
		Reason:     "heuristic fallback",
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
