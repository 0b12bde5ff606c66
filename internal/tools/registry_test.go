package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// fakeProxy stands in for the MCP manager: every "<server>__<tool>" name is
// proxied and calls echo their input.
type fakeProxy struct {
	calls []string
}

func (f *fakeProxy) IsProxied(name string) bool {
	return strings.Contains(name, "__")
}

func (f *fakeProxy) Granted(name string, servers []string) bool {
	server, _, ok := strings.Cut(name, "__")
	if !ok {
		return false
	}
	for _, s := range servers {
		if s == server {
			return true
		}
	}
	return false
}

func (f *fakeProxy) Tools(servers []string) []models.ToolDef { return nil }

func (f *fakeProxy) Call(_ context.Context, name string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	return "proxied:" + name, nil
}

func testToolRegistry(proxy Proxy) *Registry {
	r := NewRegistry(proxy, observability.NewTestLogger())
	r.Register(models.ToolDef{Name: "echo"}, func(_ context.Context, inv *Invocation) (string, error) {
		return resultJSON(string(inv.Payload)), nil
	}, false)
	return r
}

func TestDispatchAllowList(t *testing.T) {
	r := testToolRegistry(nil)
	ctx := context.Background()

	out := r.Dispatch(ctx, &Invocation{Name: "echo", Payload: json.RawMessage(`"hi"`)})
	if !strings.Contains(out, "hi") {
		t.Fatalf("orchestrator dispatch = %q", out)
	}

	out = r.Dispatch(ctx, &Invocation{
		Name:         "echo",
		AgentID:      "helper",
		AllowedTools: map[string]bool{"other": true},
	})
	if !strings.Contains(out, "allow-list") {
		t.Fatalf("denied dispatch = %q", out)
	}
}

func TestDispatchAgentMCPGrant(t *testing.T) {
	proxy := &fakeProxy{}
	r := testToolRegistry(proxy)
	ctx := context.Background()

	// An agent without the server grant is refused even though the tool
	// is not on any local allow-list.
	out := r.Dispatch(ctx, &Invocation{
		Name:         "github__search",
		AgentID:      "helper",
		AllowedTools: map[string]bool{"echo": true},
		MCPServers:   []string{"weather"},
	})
	if !strings.Contains(out, "not on a server granted") {
		t.Fatalf("ungranted dispatch = %q", out)
	}
	if len(proxy.calls) != 0 {
		t.Fatalf("ungranted call reached the proxy: %v", proxy.calls)
	}

	out = r.Dispatch(ctx, &Invocation{
		Name:       "github__search",
		AgentID:    "helper",
		MCPServers: []string{"github"},
	})
	if !strings.Contains(out, "proxied:github__search") {
		t.Fatalf("granted dispatch = %q", out)
	}

	// The orchestrator itself is not server-scoped.
	out = r.Dispatch(ctx, &Invocation{Name: "github__search"})
	if !strings.Contains(out, "proxied:github__search") {
		t.Fatalf("orchestrator proxied dispatch = %q", out)
	}
}

func TestSubmitJobRunsLocalToolInProcess(t *testing.T) {
	r := testToolRegistry(nil)
	d := &ExecDeps{}
	RegisterExecution(r, d)
	ctx := context.Background()

	// A nested non-execution tool must not travel to a worker; workers
	// only run the execution set.
	out := r.Dispatch(ctx, &Invocation{
		Name:    "submit_job",
		Payload: json.RawMessage(`{"tool":"echo","payload":{"msg":"nested"}}`),
	})
	if !strings.Contains(out, "nested") {
		t.Fatalf("nested dispatch = %q", out)
	}
}

func TestSubmitJobRejectsRecursion(t *testing.T) {
	r := testToolRegistry(nil)
	d := &ExecDeps{}
	RegisterExecution(r, d)
	ctx := context.Background()

	for _, tool := range []string{"submit_job", "submit_parallel_jobs", ""} {
		raw, _ := json.Marshal(map[string]any{"tool": tool})
		out := r.Dispatch(ctx, &Invocation{Name: "submit_job", Payload: raw})
		if !strings.Contains(out, "error") {
			t.Fatalf("nested %q = %q", tool, out)
		}
	}
}

func TestSubmitParallelCollectsNestedResults(t *testing.T) {
	r := testToolRegistry(nil)
	d := &ExecDeps{}
	RegisterExecution(r, d)
	ctx := context.Background()

	out := r.Dispatch(ctx, &Invocation{
		Name:    "submit_parallel_jobs",
		Payload: json.RawMessage(`{"jobs":[{"tool":"echo","payload":{"n":1}},{"tool":"echo","payload":{"n":2}}]}`),
	})
	if strings.Count(out, `"tool":"echo"`) != 2 || strings.Contains(out, "error") {
		t.Fatalf("parallel results = %q", out)
	}
}
