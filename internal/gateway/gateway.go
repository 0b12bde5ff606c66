// Package gateway serves the management HTTP API: config, models, agents,
// skills, memory, vault, jobs, scheduler, and chat, behind bearer auth.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scalyclaw/scalyclaw/internal/agents"
	"github.com/scalyclaw/scalyclaw/internal/channels"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/llm"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/progress"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

const shutdownGrace = 5 * time.Second

// Deps are the subsystems the API fronts.
type Deps struct {
	Config     *config.Store
	KV         kv.Store
	Storage    *storage.Store
	Memory     *memory.Engine
	Vault      *vault.Vault
	Skills     *skills.Registry
	Agents     *agents.Registry
	Scheduler  *scheduler.Scheduler
	Fabric     *queue.Fabric
	Registry   *llm.Registry
	Guards     *guard.Pipeline
	Channels   *channels.Manager
	Progress   *progress.Publisher
	Tools      *tools.Registry
	Enqueuer   Enqueuer
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Log        *observability.Logger
	StartedAt  time.Time
	Version    string
	OnShutdown func()
}

// Server is the node management API.
type Server struct {
	deps Deps
	log  *observability.Logger
	hub  *chatHub
	srv  *http.Server
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  deps.Log.With("component", "gateway"),
		hub:  newChatHub(deps.KV, deps.Log),
	}
	mux := http.NewServeMux()
	s.routes(mux)
	var handler http.Handler = mux
	if deps.Tracer != nil {
		handler = s.traceMiddleware(handler)
	}
	cfg := deps.Config.Ref()
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// traceMiddleware opens one span per request.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.deps.Tracer.Start(r.Context(), "http "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves until the context ends, then drains.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info(ctx, "gateway listening", "addr", s.srv.Addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		drain, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.srv.Shutdown(drain)
	}
}

func (s *Server) routes(mux *http.ServeMux) {
	open := func(pattern string, h http.HandlerFunc) { mux.HandleFunc(pattern, h) }
	auth := func(pattern string, h http.HandlerFunc) { mux.Handle(pattern, s.requireAuth(h)) }

	open("GET /health", s.handleHealth)
	open("GET /status", s.handleStatus)
	auth("POST /api/shutdown", s.handleShutdown)
	auth("GET /metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)

	auth("GET /api/config", s.handleConfigGet)
	auth("PUT /api/config", s.handleConfigPut)
	auth("POST /api/config/reload", s.handleConfigReload)

	auth("GET /api/models", s.handleModelsList)
	auth("PATCH /api/models/{id}", s.handleModelPatch)
	auth("POST /api/models/test", s.handleModelTest)

	auth("GET /api/agents", s.handleAgentsList)
	auth("POST /api/agents", s.handleAgentCreate)
	auth("GET /api/agents/eligible-tools", s.handleEligibleTools)
	auth("GET /api/agents/{id}", s.handleAgentGet)
	auth("PUT /api/agents/{id}", s.handleAgentUpdate)
	auth("PATCH /api/agents/{id}", s.handleAgentUpdate)
	auth("DELETE /api/agents/{id}", s.handleAgentDelete)

	auth("GET /api/skills", s.handleSkillsList)
	auth("POST /api/skills/upload", s.handleSkillUpload)
	auth("PATCH /api/skills/{id}", s.handleSkillPatch)
	auth("DELETE /api/skills/{id}", s.handleSkillDelete)
	auth("POST /api/skills/{id}/invoke", s.handleSkillInvoke)
	auth("GET /api/skills/{id}/readme", s.handleSkillReadmeGet)
	auth("PUT /api/skills/{id}/readme", s.handleSkillReadmePut)
	auth("GET /api/skills/{id}/zip", s.handleSkillZip)

	auth("GET /api/memory", s.handleMemoryList)
	auth("GET /api/memory/search", s.handleMemorySearch)
	auth("POST /api/memory", s.handleMemoryCreate)
	auth("DELETE /api/memory/{id}", s.handleMemoryDelete)

	auth("GET /api/vault", s.handleVaultList)
	auth("GET /api/vault/{name}", s.handleVaultGet)
	auth("POST /api/vault", s.handleVaultSet)
	auth("DELETE /api/vault/{name}", s.handleVaultDelete)

	auth("GET /api/jobs", s.handleJobsList)
	auth("GET /api/jobs/counts", s.handleJobCounts)
	auth("GET /api/jobs/{id}", s.handleJobGet)
	auth("POST /api/jobs/{id}/retry", s.handleJobRetry)
	auth("POST /api/jobs/{id}/fail", s.handleJobFail)
	auth("POST /api/jobs/{id}/complete", s.handleJobComplete)
	auth("DELETE /api/jobs/{id}", s.handleJobDelete)

	auth("GET /api/scheduler", s.handleSchedulerList)
	auth("POST /api/scheduler/reminder", s.handleSchedulerCreate(false, false))
	auth("POST /api/scheduler/recurrent-reminder", s.handleSchedulerCreate(false, true))
	auth("POST /api/scheduler/task", s.handleSchedulerCreate(true, false))
	auth("POST /api/scheduler/recurrent-task", s.handleSchedulerCreate(true, true))
	auth("DELETE /api/scheduler/{id}", s.handleSchedulerCancel)
	auth("POST /api/scheduler/{id}/complete", s.handleSchedulerComplete)
	auth("DELETE /api/scheduler/{id}/purge", s.handleSchedulerPurge)

	auth("GET /ws/{channel}", s.handleChannelHTTP)
	open("POST /webhook/{channel}", s.handleChannelHTTP)

	auth("GET /api/usage", s.handleUsageStats)
	auth("GET /api/costs", s.handleCostStats)

	auth("POST /api/chat", s.handleChat)
	auth("GET /api/messages", s.handleMessagesGet)
	auth("DELETE /api/messages", s.handleMessagesClear)
	auth("GET /api/buffered-responses", s.handleBufferedResponses)
}

// requireAuth accepts a bearer header or a ?token= query parameter.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.deps.Config.Ref()
		want := cfg.Gateway.AuthValue
		if want == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == r.Header.Get("Authorization") {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Fabric.Counts(r.Context())
	if err != nil {
		s.log.Warn(r.Context(), "queue counts failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.deps.Version,
		"uptime":   time.Since(s.deps.StartedAt).Round(time.Second).String(),
		"channels": s.deps.Channels.Health(),
		"queues":   counts,
	})
}

// handleChannelHTTP forwards to the adapter's own HTTP surface. The socket
// upgrade goes through bearer auth (browsers pass ?token=); webhook posts
// verify their own HMAC signature instead.
func (s *Server) handleChannelHTTP(w http.ResponseWriter, r *http.Request) {
	h, ok := s.deps.Channels.Handler(r.PathValue("channel"))
	if !ok {
		writeError(w, http.StatusNotFound, "channel has no HTTP endpoint")
		return
	}
	h.ServeHTTP(w, r)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if s.deps.OnShutdown != nil {
		go s.deps.OnShutdown()
	}
}

func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.deps.Config.Get()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	redacted, err := config.Redact(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := readBody(r, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Config.SaveExternal(r.Context(), raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Config.PublishReload(r.Context(), time.Now().Format(time.RFC3339Nano)); err != nil {
		s.log.Warn(r.Context(), "reload publish failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Config.Load(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.Config.PublishReload(r.Context(), time.Now().Format(time.RFC3339Nano)); err != nil {
		s.log.Warn(r.Context(), "reload publish failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleModelsList(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.deps.Config.Get()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	redacted, err := config.Redact(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redacted.Models)
}

func (s *Server) handleModelPatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch struct {
		Enabled  *bool `json:"enabled"`
		Priority *int  `json:"priority"`
		Weight   *int  `json:"weight"`
	}
	if err := readJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	found := false
	err := s.deps.Config.Update(r.Context(), func(cfg *config.Config) error {
		for i := range cfg.Models.Models {
			if cfg.Models.Models[i].ID != id {
				continue
			}
			found = true
			if patch.Enabled != nil {
				cfg.Models.Models[i].Enabled = *patch.Enabled
			}
			if patch.Priority != nil {
				cfg.Models.Models[i].Priority = *patch.Priority
			}
			if patch.Weight != nil {
				cfg.Models.Models[i].Weight = *patch.Weight
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("model %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleModelTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := readJSON(r, &req); err != nil || req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	provider, err := s.deps.Registry.Provider(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	_, model, _ := llm.SplitModelID(req.Model)
	if err := provider.Ping(ctx, model); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
