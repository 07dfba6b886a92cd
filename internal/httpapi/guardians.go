package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
	"github.com/ent0n29/haven/internal/store"
)

func (s *Server) handlePutGuardRules(w http.ResponseWriter, r *http.Request) {
	var rules safety.GuardRules
	if err := decodeJSON(r, &rules); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rules.MinorID = chi.URLParam(r, "id")
	rules.UpdatedAt = time.Now().UTC()
	rules = rules.Normalize()
	if err := rules.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_guard_rules", err.Error())
		return
	}
	if err := s.store.PutGuardRules(r.Context(), rules); err != nil {
		s.internalError(w, "put guard rules", err)
		return
	}
	stored, err := s.store.GuardRules(r.Context(), rules.MinorID)
	if err != nil {
		s.internalError(w, "reload guard rules", err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetGuardRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.GuardRules(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "guard_rules_not_found", "no guard rules configured for minor")
		return
	}
	if err != nil {
		s.internalError(w, "get guard rules", err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var p persona.Config
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_persona", err.Error())
		return
	}
	if err := s.store.SavePersona(r.Context(), p); err != nil {
		s.internalError(w, "save persona", err)
		return
	}
	stored, err := s.store.Persona(r.Context(), p.ID)
	if err != nil {
		s.internalError(w, "reload persona", err)
		return
	}
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleLinkGuardian(w http.ResponseWriter, r *http.Request) {
	guardianID := strings.TrimSpace(chi.URLParam(r, "id"))
	minorID := strings.TrimSpace(chi.URLParam(r, "minor_id"))
	if guardianID == "" || minorID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "guardian and minor ids are required")
		return
	}
	if err := s.store.LinkGuardian(r.Context(), guardianID, minorID); err != nil {
		s.internalError(w, "link guardian", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"guardian_id": guardianID,
		"minor_id":    minorID,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	alerts, err := s.store.ListAlerts(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.internalError(w, "list alerts", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
	})
}
