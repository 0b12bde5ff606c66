package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// summarizeCalls produces a deterministic one-line narration for a round
// whose model text was empty. Used only on the first round.
func summarizeCalls(calls []models.ToolCall) string {
	var parts []string
	for _, tc := range calls {
		parts = append(parts, summarizeCall(tc))
	}
	return strings.Join(parts, "; ")
}

func summarizeCall(tc models.ToolCall) string {
	var args map[string]any
	_ = json.Unmarshal(tc.Input, &args)
	str := func(key string) string {
		if v, ok := args[key].(string); ok {
			return v
		}
		return ""
	}
	switch tc.Name {
	case "execute_skill":
		if id := str("skillId"); id != "" {
			return fmt.Sprintf("Running `%s`", id)
		}
		return "Running a skill"
	case "memory_search":
		if q := str("query"); q != "" {
			return fmt.Sprintf("Searching memory for %q", clip(q, 60))
		}
		return "Searching memory"
	case "memory_store":
		return "Saving a memory"
	case "create_reminder", "create_recurrent_reminder":
		if m := str("message"); m != "" {
			return fmt.Sprintf("Scheduling %q", clip(m, 60))
		}
		return "Scheduling a reminder"
	case "create_task", "create_recurrent_task":
		if d := str("description"); d != "" {
			return fmt.Sprintf("Scheduling %q", clip(d, 60))
		}
		return "Scheduling a task"
	case "execute_command":
		return "Running a command"
	case "execute_code":
		return "Running some code"
	default:
		return fmt.Sprintf("Using `%s`", tc.Name)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return runeCut(s, n) + "…"
}
