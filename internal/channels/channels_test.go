package channels

import (
	"strings"
	"testing"
)

func TestChunkMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{
			name: "fits whole",
			text: "hello world",
			max:  100,
			want: []string{"hello world"},
		},
		{
			name: "zero max passes through",
			text: "anything at all",
			max:  0,
			want: []string{"anything at all"},
		},
		{
			name: "splits at paragraph boundary",
			text: "first paragraph\n\nsecond paragraph",
			max:  20,
			want: []string{"first paragraph", "second paragraph"},
		},
		{
			name: "packs paragraphs that fit together",
			text: "aa\n\nbb\n\ncccccccccc",
			max:  8,
			want: []string{"aa\n\nbb", "cccccccccc"[:8], "cc"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkMessage(tt.text, tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkMessageLongParagraph(t *testing.T) {
	text := strings.Repeat("x", 250)
	got := chunkMessage(text, 100)
	if len(got) != 3 {
		t.Fatalf("chunk count = %d", len(got))
	}
	if strings.Join(got, "") != text {
		t.Fatal("chunks lost content")
	}
	for i, c := range got {
		if len(c) > 100 {
			t.Fatalf("chunk %d exceeds max: %d", i, len(c))
		}
	}
}
