package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
)

// FileSender is the outbound file capability the fetcher delivers through,
// satisfied by the channel manager.
type FileSender interface {
	SendFile(ctx context.Context, channelID, path, caption string) error
}

// FileFetcher runs on the node. When a tool result carries worker file
// annotations it pulls each file from that worker's file endpoint into the
// node workspace, sends it to the channel, and strips the annotations.
type FileFetcher struct {
	store     kv.Store
	sender    FileSender
	workspace string
	log       *observability.Logger
	client    *http.Client
}

func NewFileFetcher(store kv.Store, sender FileSender, workspace string, log *observability.Logger) *FileFetcher {
	return &FileFetcher{
		store:     store,
		sender:    sender,
		workspace: workspace,
		log:       log.With("component", "file-fetcher"),
		client:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// Rewrite inspects one tool result. Results without annotations pass
// through untouched; fetch failures degrade to the original result so the
// orchestrator still sees the tool output.
func (f *FileFetcher) Rewrite(ctx context.Context, channelID, result string) string {
	var body map[string]any
	if err := json.Unmarshal([]byte(result), &body); err != nil {
		return result
	}
	rawFiles, ok := body["_workerFiles"]
	if !ok {
		return result
	}
	processID, _ := body["_workerProcessId"].(string)

	encoded, _ := json.Marshal(rawFiles)
	var files []workerFile
	if json.Unmarshal(encoded, &files) != nil || len(files) == 0 || processID == "" {
		return result
	}

	ann, err := f.lookup(ctx, processID)
	if err != nil {
		f.log.Warn(ctx, "worker lookup failed", "worker", processID, "error", err)
		return result
	}
	for _, file := range files {
		local, err := f.fetch(ctx, ann, file)
		if err != nil {
			f.log.Warn(ctx, "worker file fetch failed", "worker", processID, "src", file.Src, "error", err)
			continue
		}
		if f.sender != nil {
			if err := f.sender.SendFile(ctx, channelID, local, ""); err != nil {
				f.log.Warn(ctx, "file delivery failed", "channel", channelID, "path", local, "error", err)
			}
		}
	}

	delete(body, "_workerFiles")
	delete(body, "_workerProcessId")
	cleaned, err := json.Marshal(body)
	if err != nil {
		return result
	}
	return string(cleaned)
}

func (f *FileFetcher) lookup(ctx context.Context, processID string) (*Announcement, error) {
	raw, ok, err := f.store.Get(ctx, kv.PrefixWorker+processID)
	if err != nil {
		return nil, fmt.Errorf("worker lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("worker %q is not registered", processID)
	}
	var ann Announcement
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		return nil, fmt.Errorf("bad worker registration: %w", err)
	}
	if ann.Addr == "" {
		return nil, fmt.Errorf("worker %q registered without an address", processID)
	}
	return &ann, nil
}

func (f *FileFetcher) fetch(ctx context.Context, ann *Announcement, file workerFile) (string, error) {
	endpoint := strings.TrimRight(ann.Addr, "/") + "/api/files?path=" + url.QueryEscape(file.Src)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if ann.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ann.Token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("worker returned %s", resp.Status)
	}

	dest := file.Dest
	if dest == "" || filepath.IsAbs(dest) || strings.Contains(dest, "..") {
		dest = filepath.Base(file.Src)
	}
	local := filepath.Join(f.workspace, dest)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(local)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return local, nil
}
