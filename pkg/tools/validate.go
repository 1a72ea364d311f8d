package tools

import (
	"fmt"

	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// ValidationError reports a tool call that does not conform to the
// catalog schema. It is surfaced to the LLM as a tool result rather
// than failing the request, so the model can correct itself.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid call to tool %q: %s", e.Tool, e.Reason)
}

// ValidateCall checks a proposed tool call against the catalog: the
// tool must exist, every required parameter must be present, and every
// provided parameter must have the declared primitive type. Returns the
// spec so callers can route on execution mode without a second lookup.
func ValidateCall(call *proto.ToolCall) (ToolSpec, error) {
	spec, ok := Get(call.Name)
	if !ok {
		return ToolSpec{}, &ValidationError{Tool: call.Name, Reason: "unknown tool"}
	}

	schema := spec.Definition.InputSchema
	for _, required := range schema.Required {
		if _, present := call.Arguments[required]; !present {
			return ToolSpec{}, &ValidationError{
				Tool:   call.Name,
				Reason: fmt.Sprintf("missing required parameter %q", required),
			}
		}
	}

	for name, value := range call.Arguments {
		prop, declared := schema.Properties[name]
		if !declared {
			return ToolSpec{}, &ValidationError{
				Tool:   call.Name,
				Reason: fmt.Sprintf("unexpected parameter %q", name),
			}
		}
		if value == nil {
			return ToolSpec{}, &ValidationError{
				Tool:   call.Name,
				Reason: fmt.Sprintf("parameter %q is null", name),
			}
		}
		if err := checkType(name, prop.Type, value); err != nil {
			return ToolSpec{}, &ValidationError{Tool: call.Name, Reason: err.Error()}
		}
	}

	return spec, nil
}

// checkType verifies a decoded JSON value against a schema primitive.
// JSON numbers arrive as float64, so integer checks accept whole floats.
func checkType(name, want string, value any) error {
	switch want {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("parameter %q must be a string", name)
		}
	case "integer":
		if _, ok := utils.AsInt(value); !ok {
			return fmt.Errorf("parameter %q must be an integer", name)
		}
	case "number":
		if _, ok := utils.AsFloat64(value); !ok {
			return fmt.Errorf("parameter %q must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", name)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("parameter %q must be an array", name)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("parameter %q must be an object", name)
		}
	default:
		// Unconstrained property types accept anything.
	}
	return nil
}
