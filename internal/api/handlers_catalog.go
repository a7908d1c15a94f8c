package api

import (
	"net/http"
	"time"

	"groupscan/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTargetRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type targetResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	URL           string  `json:"url"`
	TotalActions  int64   `json:"total_actions"`
	LastScannedAt *string `json:"last_scanned_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type createAccountRequest struct {
	Label  string `json:"label"`
	Active *bool  `json:"active"`
}

type accountResponse struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	target, err := s.service.CreateTarget(r.Context(), ownerOf(r), req.Name, req.URL)
	if err != nil {
		s.writeServiceError(w, "create target", err)
		return
	}
	writeJSON(w, http.StatusCreated, targetToResponse(target))
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.service.ListTargets(r.Context(), ownerOf(r))
	if err != nil {
		s.writeServiceError(w, "list targets", err)
		return
	}
	res := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		res = append(res, targetToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTarget(r.Context(), ownerOf(r), chi.URLParam(r, "targetID")); err != nil {
		s.writeServiceError(w, "delete target", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	active := req.Active == nil || *req.Active
	account, err := s.service.CreateAccount(r.Context(), ownerOf(r), req.Label, active)
	if err != nil {
		s.writeServiceError(w, "create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, accountToResponse(account))
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.service.ListAccounts(r.Context(), ownerOf(r))
	if err != nil {
		s.writeServiceError(w, "list accounts", err)
		return
	}
	res := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		res = append(res, accountToResponse(a))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context(), ownerOf(r))
	if err != nil {
		s.writeServiceError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func targetToResponse(t *core.Target) targetResponse {
	return targetResponse{
		ID:            t.ID,
		Name:          t.Name,
		URL:           t.URL,
		TotalActions:  t.TotalActions,
		LastScannedAt: formatTimePtr(t.LastScannedAt),
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func accountToResponse(a *core.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		Label:     a.Label,
		Active:    a.Active,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}
