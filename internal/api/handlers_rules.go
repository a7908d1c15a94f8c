package api

import (
	"net/http"
	"time"

	"groupscan/internal/core"

	"github.com/go-chi/chi/v5"
)

type ruleRequest struct {
	Trigger    string         `json:"trigger"`
	Variations []string       `json:"variations"`
	Messages   []core.Message `json:"messages"`
	Media      []core.Media   `json:"media"`
	Active     *bool          `json:"active"`
	MinGapSecs int            `json:"min_time_between_uses_s"`
	Position   int            `json:"position"`
}

type ruleResponse struct {
	ID         string         `json:"id"`
	Trigger    string         `json:"trigger"`
	Variations []string       `json:"variations"`
	Messages   []core.Message `json:"messages"`
	Media      []core.Media   `json:"media"`
	Active     bool           `json:"active"`
	MinGapSecs int64          `json:"min_time_between_uses_s"`
	Position   int            `json:"position"`
	TotalUses  int64          `json:"total_uses"`
	LastUsedAt *string        `json:"last_used_at,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

func (req ruleRequest) input() core.RuleInput {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return core.RuleInput{
		Trigger:            req.Trigger,
		Variations:         req.Variations,
		Messages:           req.Messages,
		Media:              req.Media,
		Active:             active,
		MinTimeBetweenUses: time.Duration(req.MinGapSecs) * time.Second,
		Position:           req.Position,
	}
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	rule, err := s.service.CreateRule(r.Context(), ownerOf(r), req.input())
	if err != nil {
		s.writeServiceError(w, "create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, ruleToResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	rule, err := s.service.UpdateRule(r.Context(), ownerOf(r), chi.URLParam(r, "ruleID"), req.input())
	if err != nil {
		s.writeServiceError(w, "update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, ruleToResponse(rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.service.GetRule(r.Context(), ownerOf(r), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.writeServiceError(w, "get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, ruleToResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRule(r.Context(), ownerOf(r), chi.URLParam(r, "ruleID")); err != nil {
		s.writeServiceError(w, "delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListRules(r.Context(), ownerOf(r))
	if err != nil {
		s.writeServiceError(w, "list rules", err)
		return
	}
	res := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		res = append(res, ruleToResponse(rule))
	}
	writeJSON(w, http.StatusOK, res)
}

func ruleToResponse(rule *core.Rule) ruleResponse {
	res := ruleResponse{
		ID:         rule.ID,
		Trigger:    rule.Trigger,
		Variations: rule.Variations,
		Messages:   rule.Messages,
		Media:      rule.Media,
		Active:     rule.Active,
		MinGapSecs: int64(rule.MinTimeBetweenUses / time.Second),
		Position:   rule.Position,
		TotalUses:  rule.TotalUses,
		LastUsedAt: formatTimePtr(rule.LastUsedAt),
		CreatedAt:  rule.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  rule.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if res.Variations == nil {
		res.Variations = []string{}
	}
	if res.Messages == nil {
		res.Messages = []core.Message{}
	}
	if res.Media == nil {
		res.Media = []core.Media{}
	}
	return res
}
