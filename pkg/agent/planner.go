package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/pkg/agent/llm"
	"conductor/pkg/logx"
	"conductor/pkg/plan"
	"conductor/pkg/proto"
)

// plannerMaxTokens bounds the planning call. Plans are short JSON arrays; a
// plan that needs more than this is a plan the review gate should never see.
const plannerMaxTokens = 2048

// plannedSubtask is the wire shape of one subtask in the planner's JSON
// array. Dependencies are zero-based indices into the same array.
type plannedSubtask struct {
	Description   string `json:"description"`
	Agent         string `json:"agent"`
	DependsOn     []int  `json:"dependsOn"`
	EstimatedTime string `json:"estimatedTime"`
}

// Planner turns a complex request into a reviewable execution plan.
type Planner struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewPlanner creates a planner over the given model client.
func NewPlanner(client llm.LLMClient) *Planner {
	return &Planner{
		client: client,
		logger: logx.NewLogger("planner"),
	}
}

// CreatePlan asks the model to decompose the goal into subtasks and builds a
// draft plan from the reply. Reviewer feedback from a rejected draft, when
// present, is appended to the prompt so the next draft addresses it.
//
// A failed model call or an unparseable reply degrades to a heuristic plan
// so the conversation can still move forward through review; an error comes
// back only when the model produced a plan with invalid dependencies.
func (p *Planner) CreatePlan(ctx context.Context, conversationID, goal string, history []proto.Message, feedback string) (*plan.ExecutionPlan, error) {
	messages := []proto.Message{
		{Role: proto.RoleSystem, Content: plannerPrompt},
		{Role: proto.RoleUser, Content: renderPlannerInput(goal, history, feedback)},
	}

	req := llm.CompletionRequest{
		Messages:    messages,
		MaxTokens:   plannerMaxTokens,
		Temperature: llm.TemperatureDeterministic,
	}

	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		p.logger.Warn("⚠️ planning call failed (%v), falling back to a heuristic plan", err)
		return assemblePlan(conversationID, goal, fallbackSubtasks(goal), p.logger)
	}

	planned, perr := parsePlannedSubtasks(resp.Content)
	if perr != nil {
		p.logger.Warn("⚠️ planner produced no usable plan (%v), falling back to a heuristic plan", perr)
		planned = fallbackSubtasks(goal)
	}

	return assemblePlan(conversationID, goal, planned, p.logger)
}

// fallbackSubtasks is the keyword heuristic used when the model gives no
// usable decomposition: one coder subtask carrying the goal verbatim. Goals
// that read like a bug fix get a second debug subtask that verifies the
// coder's work.
func fallbackSubtasks(goal string) []plannedSubtask {
	planned := []plannedSubtask{{Description: goal, Agent: LabelCode}}
	if containsAny(strings.ToLower(goal), "fix", "bug", "error", "crash", "fail", "broken", "regression") {
		planned = append(planned, plannedSubtask{
			Description: "Verify the fix: reproduce the original issue and confirm it no longer occurs",
			Agent:       LabelDebug,
			DependsOn:   []int{0},
		})
	}
	return planned
}

// renderPlannerInput builds the planning prompt from the goal, a compact
// view of the conversation, and any reviewer feedback.
func renderPlannerInput(goal string, history []proto.Message, feedback string) string {
	var b strings.Builder
	b.WriteString("Goal:\n")
	b.WriteString(goal)

	if len(history) > 0 {
		b.WriteString("\n\nConversation so far:\n")
		for i := range history {
			msg := &history[i]
			if msg.Role != proto.RoleUser && msg.Role != proto.RoleAssistant {
				continue
			}
			content := msg.Content
			if len(content) > 300 {
				content = content[:300] + "..."
			}
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
		}
	}

	if feedback != "" {
		b.WriteString("\n\nThe previous plan was sent back with this feedback. Produce a revised plan that addresses it:\n")
		b.WriteString(feedback)
	}
	return b.String()
}

// parsePlannedSubtasks extracts the JSON array of subtasks from model output.
func parsePlannedSubtasks(content string) ([]plannedSubtask, error) {
	raw, err := extractJSON(content, '[', ']')
	if err != nil {
		return nil, err
	}

	var planned []plannedSubtask
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("plan contains no subtasks")
	}
	for i := range planned {
		if strings.TrimSpace(planned[i].Description) == "" {
			return nil, fmt.Errorf("subtask %d has an empty description", i)
		}
	}
	return planned, nil
}

// assemblePlan validates index dependencies and converts them to subtask IDs.
// Dependencies may only reference earlier positions, which makes cycles
// unrepresentable at this boundary.
func assemblePlan(conversationID, goal string, planned []plannedSubtask, logger *logx.Logger) (*plan.ExecutionPlan, error) {
	for i := range planned {
		for _, dep := range planned[i].DependsOn {
			if dep < 0 || dep >= i {
				return nil, fmt.Errorf("Subtask %d has invalid dependency index: %d", i, dep)
			}
		}
	}

	result := plan.NewExecutionPlan(conversationID, goal)
	result.Subtasks = make([]*plan.Subtask, 0, len(planned))
	for i := range planned {
		agent := mapWorkerLabel(planned[i].Agent)
		if agent == proto.AgentArchitect {
			logger.Warn("⚠️ planner assigned subtask %d to a non-worker agent %q, reassigning to coder", i, planned[i].Agent)
			agent = proto.AgentCoder
		}

		deps := make([]string, 0, len(planned[i].DependsOn))
		for _, dep := range planned[i].DependsOn {
			deps = append(deps, result.Subtasks[dep].ID)
		}

		st := plan.NewSubtask(planned[i].Description, agent, deps)
		st.EstimatedTime = planned[i].EstimatedTime
		result.Subtasks = append(result.Subtasks, st)
	}
	return result, nil
}

// mapWorkerLabel converts a planner agent label to a worker agent type.
// Labels that do not name a worker come back as AgentArchitect so the caller
// can log and reassign.
func mapWorkerLabel(label string) proto.AgentType {
	switch label {
	case LabelCode:
		return proto.AgentCoder
	case LabelDebug:
		return proto.AgentDebug
	case LabelExplain:
		return proto.AgentAsk
	default:
		return proto.AgentArchitect
	}
}
