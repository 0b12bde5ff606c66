// Package worker runs the tools-queue consumer: skill, code, and command
// execution as external subprocesses, isolated from the node process. A
// worker is stateless; it fetches skill bundles from the node on demand and
// advertises its file endpoint through the key-value store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/tools"
)

const (
	// subprocessCap bounds every skill, code, and command run.
	subprocessCap = 5 * time.Hour

	// outputCap truncates subprocess output before it enters a tool result.
	outputCap = 64 * 1024

	// announceTTL is the registration lifetime; the heartbeat renews at a
	// third of it.
	announceTTL = 90 * time.Second

	maxAnnotatedFiles = 10
)

// Config wires one worker process.
type Config struct {
	ID        string // defaults to a fresh UUID
	Addr      string // externally reachable base URL, e.g. http://host:8068
	Token     string // bearer token for this worker's HTTP surface
	NodeURL   string // node management API base URL
	NodeToken string // bearer token for the node API
	Workspace string
	SkillsDir string
	Timeout   time.Duration // subprocess deadline, capped at subprocessCap
}

// Announcement is the registration record workers keep alive in the KV
// store so the node can locate their file endpoints.
type Announcement struct {
	ID    string `json:"id"`
	Addr  string `json:"addr"`
	Token string `json:"token,omitempty"`
}

// Worker consumes the tools queue.
type Worker struct {
	cfg    Config
	store  kv.Store
	skills *skills.Registry
	log    *observability.Logger

	startedAt time.Time
	processed atomic.Int64
	failed    atomic.Int64

	httpClient *http.Client
}

func New(cfg Config, store kv.Store, reg *skills.Registry, log *observability.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Timeout <= 0 || cfg.Timeout > subprocessCap {
		cfg.Timeout = subprocessCap
	}
	return &Worker{
		cfg:        cfg,
		store:      store,
		skills:     reg,
		log:        log.With("component", "worker", "worker", cfg.ID),
		startedAt:  time.Now(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Register binds the tools-queue processor on the fabric.
func (w *Worker) Register(fabric *queue.Fabric) {
	fabric.RegisterProcessor(queue.Tools, w.process)
}

// Announce keeps the worker's registration alive until ctx ends.
func (w *Worker) Announce(ctx context.Context) {
	key := kv.PrefixWorker + w.cfg.ID
	record, _ := json.Marshal(Announcement{ID: w.cfg.ID, Addr: w.cfg.Addr, Token: w.cfg.Token})
	write := func() {
		if err := w.store.Set(ctx, key, string(record), announceTTL); err != nil {
			w.log.Warn(ctx, "worker announce failed", "error", err)
		}
	}
	write()
	ticker := time.NewTicker(announceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = w.store.Del(context.Background(), key)
			return
		case <-ticker.C:
			write()
		}
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) (string, error) {
	var payload tools.ExecPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", fmt.Errorf("decode exec payload: %w", err)
	}
	if payload.Kind != tools.ExecKind {
		return "", fmt.Errorf("unexpected payload kind %q", payload.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	started := time.Now()
	var (
		out string
		err error
	)
	switch payload.Tool {
	case "execute_skill":
		out, err = w.runSkill(ctx, payload.Payload)
	case "execute_code":
		out, err = w.runCode(ctx, payload.Payload)
	case "execute_command":
		out, err = w.runCommand(ctx, payload.Payload)
	default:
		err = fmt.Errorf("worker cannot execute tool %q", payload.Tool)
	}
	if err != nil {
		w.failed.Add(1)
		return "", err
	}
	w.processed.Add(1)
	return w.annotate(out, started), nil
}

func (w *Worker) runSkill(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SkillID string          `json:"skillId"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("bad skill arguments: %w", err)
	}
	sk, err := w.ensureSkill(ctx, args.SkillID)
	if err != nil {
		return "", err
	}
	script := sk.ScriptPath()
	if script == "" {
		return "", fmt.Errorf("skill %q declares no script", args.SkillID)
	}
	params := string(args.Params)
	if strings.TrimSpace(params) == "" {
		params = "{}"
	}
	interp, err := interpreter(sk.Manifest.Language)
	if err != nil {
		return "", err
	}
	return w.runProcess(ctx, interp, script, params)
}

func (w *Worker) runCode(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("bad code arguments: %w", err)
	}
	interp, err := interpreter(args.Language)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(w.cfg.Workspace, "snippet-*"+scriptExt(args.Language))
	if err != nil {
		return "", fmt.Errorf("stage snippet: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(args.Code); err != nil {
		tmp.Close()
		return "", fmt.Errorf("stage snippet: %w", err)
	}
	tmp.Close()
	return w.runProcess(ctx, interp, tmp.Name())
}

func (w *Worker) runCommand(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("bad command arguments: %w", err)
	}
	if args.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	return w.runProcess(ctx, "bash", "-c", args.Command)
}

func (w *Worker) runProcess(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = w.cfg.Workspace
	out, err := cmd.CombinedOutput()
	text := string(out)
	if len(text) > outputCap {
		text = text[:outputCap] + "\n…[truncated]"
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("subprocess timed out after %s", w.cfg.Timeout)
		}
		return "", fmt.Errorf("subprocess failed: %v\n%s", err, text)
	}
	result, _ := json.Marshal(map[string]any{"output": text})
	return string(result), nil
}

func interpreter(language string) (string, error) {
	switch language {
	case "", "python":
		return "python3", nil
	case "node", "javascript":
		return "node", nil
	case "bash", "shell":
		return "bash", nil
	default:
		return "", fmt.Errorf("unsupported language %q", language)
	}
}

func scriptExt(language string) string {
	switch language {
	case "node", "javascript":
		return ".js"
	case "bash", "shell":
		return ".sh"
	default:
		return ".py"
	}
}

// ensureSkill returns the local bundle, fetching it from the node when this
// worker has never seen it.
func (w *Worker) ensureSkill(ctx context.Context, id string) (*skills.Skill, error) {
	if sk, ok := w.skills.Get(id); ok {
		return sk, nil
	}
	if err := w.fetchBundle(ctx, id); err != nil {
		return nil, err
	}
	sk, ok := w.skills.Get(id)
	if !ok {
		return nil, fmt.Errorf("skill %q missing after fetch", id)
	}
	if sk.Manifest.Install != "" {
		install := exec.CommandContext(ctx, "bash", "-c", sk.Manifest.Install)
		install.Dir = sk.Dir
		if out, err := install.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("skill install failed: %v\n%s", err, out)
		}
	}
	return sk, nil
}

func (w *Worker) fetchBundle(ctx context.Context, id string) error {
	if w.cfg.NodeURL == "" {
		return fmt.Errorf("skill %q is not installed and no node URL is configured", id)
	}
	url := strings.TrimRight(w.cfg.NodeURL, "/") + "/api/skills/" + id + "/zip"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if w.cfg.NodeToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.NodeToken)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch skill bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch skill bundle: node returned %s", resp.Status)
	}
	archive, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("fetch skill bundle: %w", err)
	}
	// Uploads were already guard-checked on the node.
	if _, err := w.skills.Upload(ctx, id, archive, nil); err != nil {
		return fmt.Errorf("install fetched bundle: %w", err)
	}
	return nil
}

type workerFile struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// annotate attaches workspace files touched during the run so the node can
// fetch them before relaying any user-visible file message.
func (w *Worker) annotate(result string, since time.Time) string {
	files := w.touchedFiles(since)
	if len(files) == 0 {
		return result
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(result), &body); err != nil {
		body = map[string]any{"output": result}
	}
	body["_workerFiles"] = files
	body["_workerProcessId"] = w.cfg.ID
	out, err := json.Marshal(body)
	if err != nil {
		return result
	}
	return string(out)
}

func (w *Worker) touchedFiles(since time.Time) []workerFile {
	var files []workerFile
	_ = filepath.WalkDir(w.cfg.Workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || len(files) >= maxAnnotatedFiles {
			return err
		}
		if strings.HasPrefix(d.Name(), "snippet-") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(since) {
			return nil
		}
		rel, err := filepath.Rel(w.cfg.Workspace, path)
		if err != nil {
			return nil
		}
		files = append(files, workerFile{Src: rel, Dest: rel})
		return nil
	})
	return files
}
