package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

func TestSummarizeCall(t *testing.T) {
	tests := []struct {
		name string
		call models.ToolCall
		want string
	}{
		{
			name: "skill with id",
			call: models.ToolCall{Name: "execute_skill", Input: json.RawMessage(`{"skillId":"weather"}`)},
			want: "Running `weather`",
		},
		{
			name: "skill without id",
			call: models.ToolCall{Name: "execute_skill", Input: json.RawMessage(`{}`)},
			want: "Running a skill",
		},
		{
			name: "memory search",
			call: models.ToolCall{Name: "memory_search", Input: json.RawMessage(`{"query":"dentist appointment"}`)},
			want: `Searching memory for "dentist appointment"`,
		},
		{
			name: "memory store",
			call: models.ToolCall{Name: "memory_store", Input: json.RawMessage(`{"content":"x"}`)},
			want: "Saving a memory",
		},
		{
			name: "reminder",
			call: models.ToolCall{Name: "create_reminder", Input: json.RawMessage(`{"message":"water the plants"}`)},
			want: `Scheduling "water the plants"`,
		},
		{
			name: "task",
			call: models.ToolCall{Name: "create_recurrent_task", Input: json.RawMessage(`{"description":"morning digest"}`)},
			want: `Scheduling "morning digest"`,
		},
		{
			name: "command",
			call: models.ToolCall{Name: "execute_command", Input: json.RawMessage(`{"command":"ls"}`)},
			want: "Running a command",
		},
		{
			name: "unknown tool",
			call: models.ToolCall{Name: "web_search", Input: json.RawMessage(`{}`)},
			want: "Using `web_search`",
		},
		{
			name: "malformed input",
			call: models.ToolCall{Name: "memory_search", Input: json.RawMessage(`not json`)},
			want: "Searching memory",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarizeCall(tt.call); got != tt.want {
				t.Fatalf("summarizeCall = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarizeCallsJoins(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "memory_store", Input: json.RawMessage(`{}`)},
		{Name: "execute_command", Input: json.RawMessage(`{}`)},
	}
	got := summarizeCalls(calls)
	if got != "Saving a memory; Running a command" {
		t.Fatalf("summarizeCalls = %q", got)
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 60); got != "short" {
		t.Fatalf("clip = %q", got)
	}
	long := strings.Repeat("q", 80)
	got := clip(long, 60)
	if !strings.HasSuffix(got, "…") || len(got) != 60+len("…") {
		t.Fatalf("clip = %q (len %d)", got, len(got))
	}
}

func TestClipRuneBoundaries(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 20)
	for n := 1; n < 40; n++ {
		got := clip(long, n)
		if !utf8.ValidString(got) {
			t.Fatalf("clip(%d) produced invalid utf-8: %q", n, got)
		}
	}
}
