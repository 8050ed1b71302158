package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memoracle/memoracle/internal/engine"
	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/store"
	"github.com/memoracle/memoracle/pkg/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Version,
	})
}

type indexRequest struct {
	BaseURL      string   `json:"baseUrl"`
	SeedSlug     string   `json:"seedSlug,omitempty"`
	Name         string   `json:"name,omitempty"`
	AllowedPaths []string `json:"allowedPaths,omitempty"`
	WaitForSeed  bool     `json:"waitForSeed,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.engine.IndexDocset(r.Context(), engine.IndexDocsetInput{
		BaseURL:      req.BaseURL,
		SeedSlug:     req.SeedSlug,
		Name:         req.Name,
		AllowedPaths: req.AllowedPaths,
		WaitForSeed:  req.WaitForSeed,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"docsetId":    result.Docset.ID,
		"status":      result.Docset.Status,
		"seedIndexed": result.SeedIndexed,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req engine.SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	docsetID := r.URL.Query().Get("docsetId")
	includeStuck := r.URL.Query().Get("includeStuck") == "true"
	report, err := s.engine.Status(r.Context(), docsetID, includeStuck)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docsets": report})
}

func (s *Server) handleGetDocset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	docset, err := s.engine.Meta.GetDocset(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docset == nil {
		s.writeError(w, oerrors.NotFound("docset", id))
		return
	}
	writeJSON(w, http.StatusOK, docset)
}

func (s *Server) handleDeleteDocset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.DeleteDocset(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleDocsetPages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	opts := store.ListPagesOptions{Status: store.PageStatus(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, oerrors.ConfigInvalid("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, oerrors.ConfigInvalid("offset must be a non-negative integer"))
			return
		}
		opts.Offset = n
	}

	pages, err := s.engine.Meta.ListPages(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

type refreshRequest struct {
	DocsetID    string `json:"docsetId,omitempty"`
	Force       bool   `json:"force,omitempty"`
	MaxAgeMs    int64  `json:"maxAge,omitempty"`
	FullReindex bool   `json:"fullReindex,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DocsetID == "" {
		s.writeError(w, oerrors.ConfigInvalid("docsetId is required"))
		return
	}
	s.refresh(w, r, engine.RefreshRequest{
		DocsetID:    req.DocsetID,
		Force:       req.Force,
		MaxAge:      time.Duration(req.MaxAgeMs) * time.Millisecond,
		FullReindex: req.FullReindex,
	})
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.refresh(w, r, engine.RefreshRequest{
		All:         true,
		Force:       req.Force,
		MaxAge:      time.Duration(req.MaxAgeMs) * time.Millisecond,
		FullReindex: req.FullReindex,
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request, req engine.RefreshRequest) {
	resp, err := s.engine.Refresh(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody parses the JSON body, replying 400 on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto {error} with the right status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch oerrors.KindOf(err) {
	case oerrors.KindConfig:
		status = http.StatusBadRequest
	case oerrors.KindNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
