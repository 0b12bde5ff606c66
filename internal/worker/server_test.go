package worker

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecurePath(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"plain file", "report.txt", false},
		{"nested file", "out/run1/report.txt", false},
		{"dot segment", "./report.txt", false},
		{"absolute denied", "/etc/passwd", true},
		{"traversal denied", "../outside.txt", true},
		{"deep traversal denied", "a/../../outside.txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := securePath(root, tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("securePath(%q) = %q, want error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(got, root) {
				t.Fatalf("resolved path %q outside root %q", got, root)
			}
		})
	}
}

func TestSecurePathRootItself(t *testing.T) {
	root := t.TempDir()
	got, err := securePath(root, ".")
	if err != nil {
		t.Fatal(err)
	}
	if got != root {
		t.Fatalf("got %q, want %q", got, filepath.Clean(root))
	}
}

func TestTailBuffer(t *testing.T) {
	tb := NewTailBuffer()
	for i := 0; i < 5; i++ {
		fmt.Fprintf(tb, "line %d\n", i)
	}

	got := tb.Tail(3)
	want := []string{"line 2", "line 3", "line 4"}
	if len(got) != len(want) {
		t.Fatalf("tail = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tail = %v, want %v", got, want)
		}
	}

	// Asking for more than exists returns everything.
	if got := tb.Tail(100); len(got) != 5 || got[0] != "line 0" {
		t.Fatalf("oversized tail = %v", got)
	}
	// Zero means all.
	if got := tb.Tail(0); len(got) != 5 {
		t.Fatalf("zero tail = %v", got)
	}
}

func TestTailBufferWraps(t *testing.T) {
	tb := NewTailBuffer()
	total := tailCapacity + 50
	for i := 0; i < total; i++ {
		fmt.Fprintf(tb, "line %d\n", i)
	}

	got := tb.Tail(0)
	if len(got) != tailCapacity {
		t.Fatalf("len = %d", len(got))
	}
	if got[0] != fmt.Sprintf("line %d", total-tailCapacity) {
		t.Fatalf("oldest = %q", got[0])
	}
	if got[len(got)-1] != fmt.Sprintf("line %d", total-1) {
		t.Fatalf("newest = %q", got[len(got)-1])
	}
}

func TestTailBufferSplitsMultilineWrites(t *testing.T) {
	tb := NewTailBuffer()
	if _, err := tb.Write([]byte("one\ntwo\nthree\n")); err != nil {
		t.Fatal(err)
	}
	got := tb.Tail(0)
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Fatalf("tail = %v", got)
	}
}
