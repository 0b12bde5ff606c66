package orchestrator

import (
	"unicode/utf8"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

const (
	defaultCharsPerToken = 3.5
	defaultContextWindow = 128000
)

// accountant tracks how much of the model's context window the conversation
// may consume, in characters. It starts from a fixed characters-per-token
// approximation and recalibrates once real token counts come back.
type accountant struct {
	window        int
	charsPerToken float64
	calibrated    bool
}

func newAccountant(contextWindow int) *accountant {
	if contextWindow <= 0 {
		contextWindow = defaultContextWindow
	}
	return &accountant{window: contextWindow, charsPerToken: defaultCharsPerToken}
}

// calibrate adjusts the ratio from one observed request. Only the first
// observation is used; later rounds would skew toward tool-result text.
func (a *accountant) calibrate(chars, inputTokens int) {
	if a.calibrated || chars <= 0 || inputTokens <= 0 {
		return
	}
	ratio := float64(chars) / float64(inputTokens)
	if ratio > 1 && ratio < 16 {
		a.charsPerToken = ratio
		a.calibrated = true
	}
}

func (a *accountant) budgetChars() int {
	return int(float64(a.window) * a.charsPerToken)
}

// remaining reports how many characters may still be appended given the
// current transcript size. Never negative.
func (a *accountant) remaining(usedChars int) int {
	left := a.budgetChars() - usedChars
	if left < 0 {
		return 0
	}
	return left
}

func messageChars(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + len(tc.Input)
		}
	}
	return total
}

// trimHistory drops messages from the oldest end until the transcript fits
// the budget. An assistant turn carrying tool calls and the tool results that
// answer it are dropped together, and the head never starts on an orphan tool
// result.
func trimHistory(msgs []models.ChatMessage, budgetChars int) []models.ChatMessage {
	for len(msgs) > 0 && messageChars(msgs) > budgetChars {
		drop := 1
		if len(msgs[0].ToolCalls) > 0 {
			for drop < len(msgs) && msgs[drop].Role == models.RoleTool {
				drop++
			}
		}
		msgs = msgs[drop:]
		for len(msgs) > 0 && msgs[0].Role == models.RoleTool {
			msgs = msgs[1:]
		}
	}
	return msgs
}

// truncate clamps a tool result to the remaining budget, marking the cut.
// Cuts land on rune boundaries so multibyte text never splits mid-character.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return "[truncated]"
	}
	if len(s) <= limit {
		return s
	}
	if limit <= len("…[truncated]") {
		return runeCut(s, limit)
	}
	return runeCut(s, limit-len("…[truncated]")) + "…[truncated]"
}

// runeCut returns s[:n] backed off to the nearest rune boundary.
func runeCut(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
