package worker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const tailCapacity = 2000

// TailBuffer is an io.Writer keeping the most recent log lines for the
// /api/logs endpoint. Wire it under the logger's output via io.MultiWriter.
type TailBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewTailBuffer() *TailBuffer {
	return &TailBuffer{lines: make([]string, tailCapacity)}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	scanner := bufio.NewScanner(bytes.NewReader(p))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		t.lines[t.next] = scanner.Text()
		t.next = (t.next + 1) % len(t.lines)
		if t.next == 0 {
			t.full = true
		}
	}
	return len(p), nil
}

// Tail returns the last n lines, oldest first.
func (t *TailBuffer) Tail(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := t.next
	if t.full {
		size = len(t.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := t.next - n
	if start < 0 {
		start += len(t.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, t.lines[(start+i)%len(t.lines)])
	}
	return out
}

// Server is the worker's HTTP surface: health, status, log tailing, and the
// file endpoint the node fetches annotated results from.
type Server struct {
	worker     *Worker
	tail       *TailBuffer
	onShutdown func()
	srv        *http.Server
}

func NewServer(w *Worker, port int, tail *TailBuffer, onShutdown func()) *Server {
	s := &Server{worker: w, tail: tail, onShutdown: onShutdown}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /status", s.auth(s.handleStatus))
	mux.Handle("GET /api/logs", s.auth(s.handleLogs))
	mux.Handle("GET /api/files", s.auth(s.handleFiles))
	mux.Handle("POST /api/shutdown", s.auth(s.handleShutdown))
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(drain)
	}
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.worker.cfg.Token
		if want == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			jsonError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	jsonWrite(w, http.StatusOK, map[string]any{
		"id":        s.worker.ID(),
		"uptime":    time.Since(s.worker.startedAt).Round(time.Second).String(),
		"processed": s.worker.processed.Load(),
		"failed":    s.worker.failed.Load(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if lines <= 0 {
		lines = 100
	}
	jsonWrite(w, http.StatusOK, map[string]any{"lines": s.tail.Tail(lines)})
}

// handleFiles serves a path relative to the workspace or the skills
// directory. Traversal out of either root is denied.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		jsonError(w, http.StatusBadRequest, "path is required")
		return
	}
	for _, root := range []string{s.worker.cfg.Workspace, s.worker.cfg.SkillsDir} {
		if root == "" {
			continue
		}
		full, err := securePath(root, rel)
		if err != nil {
			jsonError(w, http.StatusForbidden, err.Error())
			return
		}
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			http.ServeFile(w, r, full)
			return
		}
	}
	jsonError(w, http.StatusNotFound, "file not found")
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	jsonWrite(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

func securePath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	full := filepath.Join(root, filepath.Clean(rel))
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the served root")
	}
	return fullAbs, nil
}

func jsonWrite(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	jsonWrite(w, status, map[string]string{"error": msg})
}
