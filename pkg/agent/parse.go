package agent

import (
	"fmt"
	"strings"
)

// extractJSON pulls the first balanced JSON value delimited by open/close out
// of model output. Models habitually wrap JSON in markdown fences or lead
// with prose, so the scan is tolerant of surrounding text.
func extractJSON(content string, open, close byte) (string, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.IndexByte(trimmed, open)
	end := strings.LastIndexByte(trimmed, close)
	if start < 0 || end < start {
		return "", fmt.Errorf("no %c...%c value in model output", open, close)
	}
	return trimmed[start : end+1], nil
}
