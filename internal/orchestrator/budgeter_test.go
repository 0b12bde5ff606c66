package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

func TestAccountantCalibrate(t *testing.T) {
	a := newAccountant(1000)
	if a.charsPerToken != defaultCharsPerToken {
		t.Fatalf("initial ratio = %v", a.charsPerToken)
	}

	a.calibrate(4000, 1000)
	if !a.calibrated || a.charsPerToken != 4.0 {
		t.Fatalf("after calibrate: ratio=%v calibrated=%v", a.charsPerToken, a.calibrated)
	}

	// Only the first observation counts.
	a.calibrate(8000, 1000)
	if a.charsPerToken != 4.0 {
		t.Fatalf("second observation applied: %v", a.charsPerToken)
	}
}

func TestAccountantCalibrateRejectsOutliers(t *testing.T) {
	tests := []struct {
		name  string
		chars int
		toks  int
	}{
		{"zero chars", 0, 100},
		{"zero tokens", 100, 0},
		{"ratio too low", 50, 100},
		{"ratio too high", 2000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAccountant(1000)
			a.calibrate(tt.chars, tt.toks)
			if a.calibrated {
				t.Fatalf("outlier observation accepted (ratio %v)", a.charsPerToken)
			}
		})
	}
}

func TestAccountantRemaining(t *testing.T) {
	a := newAccountant(100)
	budget := a.budgetChars()
	if budget != 350 {
		t.Fatalf("budget = %d", budget)
	}
	if got := a.remaining(100); got != 250 {
		t.Fatalf("remaining = %d", got)
	}
	if got := a.remaining(9999); got != 0 {
		t.Fatalf("overrun remaining = %d", got)
	}
}

func TestAccountantDefaultWindow(t *testing.T) {
	a := newAccountant(0)
	if a.window != defaultContextWindow {
		t.Fatalf("window = %d", a.window)
	}
}

func TestMessageChars(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{Name: "memory_search", Input: json.RawMessage(`{"query":"x"}`)},
		}},
	}
	want := len("hello") + len("memory_search") + len(`{"query":"x"}`)
	if got := messageChars(msgs); got != want {
		t.Fatalf("messageChars = %d, want %d", got, want)
	}
}

func TestTrimHistoryKeepsToolGroups(t *testing.T) {
	call := models.ToolCall{Name: "t", Input: json.RawMessage(`{}`)}
	msgs := []models.ChatMessage{
		{Role: models.RoleAssistant, Content: strings.Repeat("a", 50), ToolCalls: []models.ToolCall{call}},
		{Role: models.RoleTool, Content: strings.Repeat("r", 50)},
		{Role: models.RoleUser, Content: "recent question"},
	}

	trimmed := trimHistory(msgs, 60)
	if len(trimmed) != 1 || trimmed[0].Role != models.RoleUser {
		t.Fatalf("trimmed = %+v", trimmed)
	}
}

func TestTrimHistoryNeverStartsOnToolResult(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Content: strings.Repeat("u", 40)},
		{Role: models.RoleTool, Content: strings.Repeat("r", 40)},
		{Role: models.RoleUser, Content: "tail"},
	}
	trimmed := trimHistory(msgs, 50)
	if len(trimmed) == 0 || trimmed[0].Role == models.RoleTool {
		t.Fatalf("trimmed head = %+v", trimmed)
	}
}

func TestTrimHistoryFits(t *testing.T) {
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "short"}}
	trimmed := trimHistory(msgs, 1000)
	if len(trimmed) != 1 {
		t.Fatalf("fitting history trimmed: %+v", trimmed)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"fits", "short", 100, "short"},
		{"no budget", "anything", 0, "[truncated]"},
		{"tiny limit", "abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.limit); got != tt.want {
				t.Fatalf("truncate = %q, want %q", got, tt.want)
			}
		})
	}

	long := strings.Repeat("x", 200)
	got := truncate(long, 100)
	if len(got) != 100 || !strings.HasSuffix(got, "…[truncated]") {
		t.Fatalf("long truncate = %q (len %d)", got, len(got))
	}
}

func TestTruncateRuneBoundaries(t *testing.T) {
	// Each rune below is 3 bytes; cuts at arbitrary byte offsets must not
	// leave a split rune behind.
	long := strings.Repeat("日本語", 100)
	for limit := 1; limit < 40; limit++ {
		got := truncate(long, limit)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%d) produced invalid utf-8: %q", limit, got)
		}
		if len(got) > limit {
			t.Fatalf("truncate(%d) exceeded limit: %d bytes", limit, len(got))
		}
	}
	got := truncate(long, 100)
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "…[truncated]") {
		t.Fatalf("truncate long = %q", got)
	}
}
