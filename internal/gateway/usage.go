package gateway

import (
	"net/http"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/storage"
)

// usageWindow resolves the period query into a [from, nil) window. Supported
// values are day, month, and all; day is the default.
func usageWindow(r *http.Request) (*time.Time, bool) {
	now := time.Now()
	switch r.URL.Query().Get("period") {
	case "", "day":
		from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return &from, true
	case "month":
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return &from, true
	case "all":
		return nil, true
	}
	return nil, false
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	from, ok := usageWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "period must be day, month, or all")
		return
	}
	stats, err := s.deps.Storage.GetUsageStats(r.Context(), from, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCostStats(w http.ResponseWriter, r *http.Request) {
	from, ok := usageWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "period must be day, month, or all")
		return
	}
	cfg := s.deps.Config.Ref()
	pricing := make(map[string]storage.ModelPricing, len(cfg.Models.Models))
	for _, entry := range cfg.Models.Models {
		if entry.InputPerMTok == 0 && entry.OutputPerMTok == 0 {
			continue
		}
		pricing[entry.ID] = storage.ModelPricing{
			InputPerMTok:  entry.InputPerMTok,
			OutputPerMTok: entry.OutputPerMTok,
		}
	}
	stats, err := s.deps.Storage.GetCostStats(r.Context(), pricing, from, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
