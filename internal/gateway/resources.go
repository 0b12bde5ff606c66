package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/agents"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

const maxUploadBytes = 64 << 20

func readBody(r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}

// --- agents ---

type agentView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Enabled       bool     `json:"enabled"`
	Builtin       bool     `json:"builtin"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	Models        []string `json:"models,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	MCPServers    []string `json:"mcpServers,omitempty"`
}

func viewAgent(a *agents.Agent) agentView {
	return agentView{
		ID:            a.ID,
		Name:          a.Manifest.Name,
		Description:   a.Manifest.Description,
		Enabled:       a.Enabled,
		Builtin:       a.Builtin(),
		MaxIterations: a.MaxIterations,
		Models:        a.Models,
		Skills:        a.Skills,
		Tools:         a.Tools,
		MCPServers:    a.MCPServers,
	}
}

func (s *Server) handleAgentsList(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Agents.List()
	out := make([]agentView, 0, len(list))
	for _, a := range list {
		out = append(out, viewAgent(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Agents.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, viewAgent(a))
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		SystemPrompt string   `json:"systemPrompt"`
		Skills       []string `json:"skills"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.deps.Agents.Create(r.Context(), req.ID,
		agents.Manifest{Name: req.Name, Description: req.Description},
		req.SystemPrompt, req.Skills, s.agentGuard())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.deps.Config.Update(r.Context(), func(cfg *config.Config) error {
		for _, ref := range cfg.Agents {
			if ref.ID == req.ID {
				return nil
			}
		}
		cfg.Agents = append(cfg.Agents, config.AgentRef{ID: req.ID, Enabled: true, Skills: req.Skills})
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewAgent(a))
}

func (s *Server) agentGuard() agents.GuardFunc {
	if s.deps.Guards == nil {
		return nil
	}
	return func(ctx context.Context, agentID, name, description string, skills []string, systemPrompt string) error {
		res := s.deps.Guards.CheckAgent(ctx, agentID, name, description, skills, systemPrompt)
		if !res.Safe {
			return fmt.Errorf("agent rejected: %s", res.Reason)
		}
		return nil
	}
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Enabled       *bool     `json:"enabled"`
		MaxIterations *int      `json:"maxIterations"`
		Models        *[]string `json:"models"`
		Skills        *[]string `json:"skills"`
		Tools         *[]string `json:"tools"`
		MCPServers    *[]string `json:"mcpServers"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	found := false
	err := s.deps.Config.Update(r.Context(), func(cfg *config.Config) error {
		for i := range cfg.Agents {
			if cfg.Agents[i].ID != id {
				continue
			}
			found = true
			if req.Enabled != nil {
				cfg.Agents[i].Enabled = *req.Enabled
			}
			if req.MaxIterations != nil {
				cfg.Agents[i].MaxIterations = *req.MaxIterations
			}
			if req.Models != nil {
				cfg.Agents[i].Models = *req.Models
			}
			if req.Skills != nil {
				cfg.Agents[i].Skills = *req.Skills
			}
			if req.Tools != nil {
				cfg.Agents[i].Tools = *req.Tools
			}
			if req.MCPServers != nil {
				cfg.Agents[i].MCPServers = *req.MCPServers
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err := s.deps.Agents.Load(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Agents.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.deps.Config.Update(r.Context(), func(cfg *config.Config) error {
		refs := cfg.Agents[:0]
		for _, ref := range cfg.Agents {
			if ref.ID != id {
				refs = append(refs, ref)
			}
		}
		cfg.Agents = refs
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleEligibleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eligibleTools())
}

// --- skills ---

func (s *Server) handleSkillsList(w http.ResponseWriter, _ *http.Request) {
	type row struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Language    string `json:"language,omitempty"`
		Enabled     bool   `json:"enabled"`
	}
	list := s.deps.Skills.List()
	out := make([]row, 0, len(list))
	for _, sk := range list {
		out = append(out, row{
			ID:          sk.ID,
			Name:        sk.Manifest.Name,
			Description: sk.Manifest.Description,
			Language:    sk.Manifest.Language,
			Enabled:     sk.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSkillUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.FormValue("id")
	file, _, err := r.FormFile("bundle")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bundle file is required")
		return
	}
	defer file.Close()
	archive, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sk, err := s.deps.Skills.Upload(r.Context(), id, archive, s.skillGuard())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.deps.Config.Update(r.Context(), func(cfg *config.Config) error {
		for _, ref := range cfg.Skills {
			if ref.ID == sk.ID {
				return nil
			}
		}
		cfg.Skills = append(cfg.Skills, config.SkillRef{ID: sk.ID, Enabled: true})
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.Skills.Load(r.Context()); err != nil {
		s.log.Warn(r.Context(), "skill reload after upload failed", "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sk.ID})
}

func (s *Server) skillGuard() skills.GuardFunc {
	if s.deps.Guards == nil {
		return nil
	}
	return func(ctx context.Context, skillID, manifest, sources string) error {
		res := s.deps.Guards.CheckSkill(ctx, skillID, manifest, sources)
		if !res.Safe {
			return fmt.Errorf("skill rejected: %s", res.Reason)
		}
		return nil
	}
}

func (s *Server) handleSkillPatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := readJSON(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	found := false
	err := s.deps.Config.Update(r.Context(), func(cfg *config.Config) error {
		for i := range cfg.Skills {
			if cfg.Skills[i].ID == id {
				cfg.Skills[i].Enabled = *req.Enabled
				found = true
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "skill not registered")
		return
	}
	if err := s.deps.Skills.Load(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSkillDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Skills.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.deps.Config.Update(r.Context(), func(cfg *config.Config) error {
		refs := cfg.Skills[:0]
		for _, ref := range cfg.Skills {
			if ref.ID != id {
				refs = append(refs, ref)
			}
		}
		cfg.Skills = refs
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSkillReadmeGet(w http.ResponseWriter, r *http.Request) {
	content, err := s.deps.Skills.Readme(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(content))
}

func (s *Server) handleSkillReadmePut(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Skills.PutReadme(r.Context(), r.PathValue("id"), string(body)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleSkillZip(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	archive, err := s.deps.Skills.ExportZip(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	_, _ = w.Write(archive)
}

// --- memory ---

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	list, err := s.deps.Memory.List(r.Context(), models.MemoryType(r.URL.Query().Get("type")), nil, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	topK, _ := strconv.Atoi(r.URL.Query().Get("topK"))
	matches, err := s.deps.Memory.Search(r.Context(), query, memory.SearchOptions{
		TopK: topK,
		Type: models.MemoryType(r.URL.Query().Get("type")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleMemoryCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type          string   `json:"type"`
		Subject       string   `json:"subject"`
		Content       string   `json:"content"`
		Tags          []string `json:"tags"`
		Confidence    int      `json:"confidence"`
		ExpiresInDays int      `json:"expiresInDays"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m := &models.Memory{
		Type:       models.MemoryType(req.Type),
		Subject:    req.Subject,
		Content:    req.Content,
		Tags:       req.Tags,
		Confidence: req.Confidence,
		Source:     "api",
	}
	if req.ExpiresInDays > 0 {
		exp := time.Now().AddDate(0, 0, req.ExpiresInDays)
		m.ExpiresAt = &exp
	}
	stored, err := s.deps.Memory.Store(r.Context(), m)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Memory.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- vault ---

func (s *Server) handleVaultList(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Vault.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleVaultGet(w http.ResponseWriter, r *http.Request) {
	value, err := s.deps.Vault.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": r.PathValue("name"), "value": value})
}

func (s *Server) handleVaultSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := readJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name and value are required")
		return
	}
	if err := s.deps.Vault.SetNamed(r.Context(), req.Name, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (s *Server) handleVaultDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Vault.DeleteNamed(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
