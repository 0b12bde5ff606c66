package tools

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

func TestWorkspacePath(t *testing.T) {
	d := &Deps{WorkspaceDir: "/srv/workspace"}
	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{name: "plain", rel: "notes.txt", want: "/srv/workspace/notes.txt"},
		{name: "nested", rel: "out/report.md", want: "/srv/workspace/out/report.md"},
		{name: "dot segments collapse", rel: "out/../notes.txt", want: "/srv/workspace/notes.txt"},
		{name: "absolute denied", rel: "/etc/passwd", wantErr: true},
		{name: "traversal denied", rel: "../secrets", wantErr: true},
		{name: "hidden traversal denied", rel: "a/../../secrets", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.workspacePath(tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("workspacePath(%q) = %q, want error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompactContext(t *testing.T) {
	d := &Deps{}
	msgs := make([]models.ChatMessage, 0, 16)
	for i := 0; i < 16; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs = append(msgs, models.ChatMessage{Role: role, Content: "m"})
	}

	out, err := d.compactContext(context.Background(), &Invocation{Messages: &msgs})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("kept %d messages", len(msgs))
	}
	if !strings.Contains(out, "kept 4 of 16") {
		t.Fatalf("result = %q", out)
	}
}

func TestCompactContextKeepsToolGroups(t *testing.T) {
	d := &Deps{}
	msgs := make([]models.ChatMessage, 0, 16)
	for i := 0; i < 11; i++ {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: "m"})
	}
	msgs = append(msgs,
		models.ChatMessage{Role: models.RoleAssistant, Content: "calling"},
		models.ChatMessage{Role: models.RoleTool, Content: "result 1"},
		models.ChatMessage{Role: models.RoleTool, Content: "result 2"},
		models.ChatMessage{Role: models.RoleUser, Content: "next"},
		models.ChatMessage{Role: models.RoleUser, Content: "latest"},
	)

	if _, err := d.compactContext(context.Background(), &Invocation{Messages: &msgs}); err != nil {
		t.Fatal(err)
	}
	// The window widens so it does not start on an orphan tool result.
	if msgs[0].Role != models.RoleAssistant || len(msgs) != 5 {
		t.Fatalf("compacted = %d messages, head %+v", len(msgs), msgs[0])
	}
}

func TestCompactContextSmallConversation(t *testing.T) {
	d := &Deps{}
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}
	out, err := d.compactContext(context.Background(), &Invocation{Messages: &msgs})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !strings.Contains(out, "already small") {
		t.Fatalf("out = %q, msgs = %d", out, len(msgs))
	}

	if _, err := d.compactContext(context.Background(), &Invocation{}); err != nil {
		t.Fatal(err)
	}
}

func TestCompactContextConcurrentWithReaders(t *testing.T) {
	d := &Deps{}
	msgs := make([]models.ChatMessage, 0, 64)
	for i := 0; i < 64; i++ {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: "m"})
	}
	var mu sync.Mutex
	inv := &Invocation{Messages: &msgs, MessagesMu: &mu}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.compactContext(context.Background(), inv); err != nil {
				t.Error(err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			_ = len(*inv.Messages)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(msgs) == 0 || len(msgs) > 64 {
		t.Fatalf("messages after concurrent compaction = %d", len(msgs))
	}
}
