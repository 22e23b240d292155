package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/rulesense/internal/matcher"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vectorcache"
	"go.uber.org/zap"
)

// maxBodyBytes bounds a match request body.
const maxBodyBytes = 1 << 20

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req models.MatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Tool = strings.TrimSpace(req.Tool)
	if req.Tool == "" {
		s.respondError(w, http.StatusBadRequest, "tool is required")
		return
	}
	s.logger.Debug("match request", zap.String("tool", req.Tool), zap.String("request_id", RequestIDFrom(r.Context())))

	start := time.Now()
	out := s.matcher.MatchDetailed(r.Context(), req.Tool, req.Input)
	elapsed := time.Since(start)

	if s.views != nil && len(out.Results) > 0 {
		ids := make([]string, len(out.Results))
		for i, res := range out.Results {
			ids[i] = res.Rule.ID
		}
		if err := s.views.RecordViews(r.Context(), ids, req.Tool); err != nil {
			s.logger.Warn("failed to record rule views", zap.Error(err))
		}
	}

	s.respondJSON(w, http.StatusOK, models.MatchResponse{
		Tool:      req.Tool,
		Results:   out.Results,
		Path:      string(out.Path),
		QueryTime: elapsed.Milliseconds(),
	})
}

type statusResponse struct {
	Matcher matcher.Status    `json:"matcher"`
	Cache   *vectorcache.Info `json:"cache,omitempty"`
	Uptime  string            `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Matcher: s.matcher.Status(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.cache != nil {
		info := s.cache.Info()
		resp.Cache = &info
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.views == nil {
		s.respondError(w, http.StatusNotImplemented, "analytics not enabled")
		return
	}
	summary, err := s.views.Summary(r.Context())
	if err != nil {
		s.logger.Error("analytics summary failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		s.respondError(w, http.StatusNotImplemented, "reload not enabled")
		return
	}
	if err := s.reload(r.Context()); err != nil {
		s.logger.Error("reload failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"rules":  s.matcher.Status().Rules,
	})
}

// handleCacheInvalidate removes the vector cache, then reloads so the matcher re-embeds.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.respondError(w, http.StatusNotImplemented, "cache not enabled")
		return
	}
	if err := s.cache.Invalidate(); err != nil {
		s.logger.Error("cache invalidate failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "invalidated"
	if s.reload != nil {
		if err := s.reload(r.Context()); err != nil {
			s.logger.Warn("reload after invalidate failed", zap.Error(err))
		} else {
			status = "rebuilt"
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.matcher.Status()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"semantic_enabled": st.SemanticEnabled,
		"rules":            st.Rules,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
