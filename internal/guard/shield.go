package guard

import (
	"fmt"
	"strings"
)

// ShieldVerdict is the command shield's deterministic decision.
type ShieldVerdict struct {
	Allowed bool
	Reason  string
}

// CommandShield matches input against configured denied and allowed pattern
// lists. Matching is case-insensitive substring; denied wins over allowed;
// a non-empty allow-list rejects anything it does not cover.
type CommandShield struct {
	denied  []string
	allowed []string
}

// NewCommandShield creates the shield. Patterns are stored lowercased.
func NewCommandShield(denied, allowed []string) *CommandShield {
	return &CommandShield{denied: lowerAll(denied), allowed: lowerAll(allowed)}
}

// Check evaluates one command string.
func (s *CommandShield) Check(input string) ShieldVerdict {
	lowered := strings.ToLower(input)
	for _, p := range s.denied {
		if p != "" && strings.Contains(lowered, p) {
			return ShieldVerdict{Allowed: false, Reason: fmt.Sprintf("command matches denied pattern %q", p)}
		}
	}
	if len(s.allowed) > 0 {
		for _, p := range s.allowed {
			if p != "" && strings.Contains(lowered, p) {
				return ShieldVerdict{Allowed: true}
			}
		}
		return ShieldVerdict{Allowed: false, Reason: "command matches no allowed pattern"}
	}
	return ShieldVerdict{Allowed: true}
}

func lowerAll(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return out
}
