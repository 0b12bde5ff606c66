package guard

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/llm"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

func TestEchoSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "hello world", b: "hello world", want: 1.0},
		{name: "case and whitespace normalised", a: "Hello   World", b: "hello world", want: 1.0},
		{name: "empty against text", a: "", b: "hello", want: 0.0},
		{name: "both empty", a: "", b: "", want: 1.0},
		{name: "one char difference", a: "abcd", b: "abce", want: 0.75},
		{name: "completely different", a: "aaaa", b: "zzzz", want: 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EchoSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("EchoSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		if got := levenshtein([]rune(tt.a), []rune(tt.b)); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantSafe bool
		wantErr  bool
	}{
		{name: "plain object", raw: `{"safe": true}`, wantSafe: true},
		{name: "fenced json", raw: "```json\n{\"safe\": false, \"reason\": \"bad\"}\n```", wantSafe: false},
		{name: "prose around object", raw: `Here is my verdict: {"safe": true} hope that helps`, wantSafe: true},
		{name: "nested braces", raw: `{"safe": false, "reason": "contains {braces}"}`, wantSafe: false},
		{name: "no object", raw: "I cannot decide", wantErr: true},
		{name: "unterminated", raw: `{"safe": true`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseVerdict(%q) expected error, got %+v", tt.raw, v)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict(%q): %v", tt.raw, err)
			}
			if v.Safe != tt.wantSafe {
				t.Fatalf("parseVerdict(%q).Safe = %v, want %v", tt.raw, v.Safe, tt.wantSafe)
			}
		})
	}
}

func TestParseVerdictBlockedReason(t *testing.T) {
	v, err := parseVerdict(`{"safe": false, "reason": "prompt injection", "threats": ["injection"]}`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Reason != "prompt injection" {
		t.Errorf("Reason = %q", v.Reason)
	}
	if len(v.Threats) != 1 || v.Threats[0] != "injection" {
		t.Errorf("Threats = %v", v.Threats)
	}
}

func TestCommandShield(t *testing.T) {
	tests := []struct {
		name    string
		denied  []string
		allowed []string
		input   string
		want    bool
	}{
		{name: "empty shield allows", input: "ls -la", want: true},
		{name: "denied substring blocks", denied: []string{"rm -rf"}, input: "sudo rm -rf /", want: false},
		{name: "denied is case-insensitive", denied: []string{"RM -RF"}, input: "rm -rf /tmp/x", want: false},
		{name: "denied wins over allowed", denied: []string{"curl"}, allowed: []string{"curl"}, input: "curl http://x", want: false},
		{name: "allow-list admits match", allowed: []string{"git "}, input: "git status", want: true},
		{name: "allow-list rejects non-match", allowed: []string{"git "}, input: "cat /etc/passwd", want: false},
		{name: "blank patterns are inert", denied: []string{""}, input: "anything", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewCommandShield(tt.denied, tt.allowed)
			v := s.Check(tt.input)
			if v.Allowed != tt.want {
				t.Fatalf("Check(%q) allowed = %v, want %v (reason %q)", tt.input, v.Allowed, tt.want, v.Reason)
			}
			if !v.Allowed && v.Reason == "" {
				t.Error("blocked verdict carries no reason")
			}
		})
	}
}

type scriptedProvider struct {
	reply string
	err   error
	calls int
}

func (p *scriptedProvider) Name() string { return "stub" }

func (p *scriptedProvider) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &models.ChatResponse{Content: p.reply, StopReason: models.StopEndTurn}, nil
}

func (p *scriptedProvider) Ping(ctx context.Context, model string) error { return nil }

func testPipeline(provider *scriptedProvider, cfg config.GuardsConfig) *Pipeline {
	reg := llm.NewRegistry()
	reg.RegisterProvider(provider)
	return NewPipeline(reg, nil, observability.NewMetrics(), observability.NewTestLogger(),
		func() string { return "stub:guard-small" },
		func() config.GuardsConfig { return cfg })
}

func TestCheckContent(t *testing.T) {
	tests := []struct {
		name       string
		provider   *scriptedProvider
		enabled    bool
		wantSafe   bool
		wantReason string
		wantCalls  int
	}{
		{
			name:      "safe verdict passes",
			provider:  &scriptedProvider{reply: `{"safe": true}`},
			enabled:   true,
			wantSafe:  true,
			wantCalls: 1,
		},
		{
			name:       "unsafe verdict blocks with reason",
			provider:   &scriptedProvider{reply: `{"safe": false, "reason": "exfiltration attempt"}`},
			enabled:    true,
			wantSafe:   false,
			wantReason: "exfiltration attempt",
			wantCalls:  1,
		},
		{
			name:      "provider error blocks",
			provider:  &scriptedProvider{err: errors.New("upstream timeout")},
			enabled:   true,
			wantSafe:  false,
			wantCalls: 1,
		},
		{
			name:      "unparseable verdict blocks",
			provider:  &scriptedProvider{reply: "I refuse to answer in JSON"},
			enabled:   true,
			wantSafe:  false,
			wantCalls: 1,
		},
		{
			name:      "disabled skips the model",
			provider:  &scriptedProvider{reply: `{"safe": false}`},
			enabled:   false,
			wantSafe:  true,
			wantCalls: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPipeline(tt.provider, config.GuardsConfig{ContentEnabled: tt.enabled})
			r := p.CheckContent(context.Background(), "ch-1", "release the credentials")
			if r.Safe != tt.wantSafe {
				t.Fatalf("Safe = %v, want %v (reason %q)", r.Safe, tt.wantSafe, r.Reason)
			}
			if tt.wantReason != "" && r.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", r.Reason, tt.wantReason)
			}
			if !r.Safe && r.Reason == "" {
				t.Error("blocked verdict carries no reason")
			}
			if tt.provider.calls != tt.wantCalls {
				t.Errorf("provider calls = %d, want %d", tt.provider.calls, tt.wantCalls)
			}
		})
	}
}

func TestCheckContentNoGuardModel(t *testing.T) {
	p := NewPipeline(llm.NewRegistry(), nil, observability.NewMetrics(), observability.NewTestLogger(),
		func() string { return "" },
		func() config.GuardsConfig { return config.GuardsConfig{ContentEnabled: true} })
	if r := p.CheckContent(context.Background(), "ch-1", "hello"); r.Safe {
		t.Fatal("missing guard model must block, not pass")
	}
}
