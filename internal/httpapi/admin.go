package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/assistant"
	"github.com/ent0n29/parley/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r, "")
	if !ok {
		return
	}
	bindings := []session.Binding{}
	if s.deps.Sessions != nil {
		bindings = s.deps.Sessions.Snapshot(id.UserID)
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": bindings})
}

type statusRequest struct {
	ID     string `json:"id"`
	Status *int   `json:"status"`
}

// handleSetStatus toggles an assistant. Only its owners and configured admins
// may do so. Taking one offline ends its live conversations, which closes
// their chat sessions normally.
func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r, "")
	if !ok {
		return
	}
	if s.deps.Assistants == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "assistant store not configured")
		return
	}

	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(req.ID))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_assistant_id", "id must be a uuid")
		return
	}
	if req.Status == nil || (*req.Status != int(assistant.StatusOffline) && *req.Status != int(assistant.StatusOnline)) {
		respondError(w, http.StatusBadRequest, "invalid_status", "status must be 0 or 1")
		return
	}
	status := assistant.Status(*req.Status)

	current, err := s.deps.Assistants.Get(r.Context(), id)
	if err != nil {
		s.respondAssistantError(w, err)
		return
	}
	if !current.OwnedBy(caller.UserID) && !slices.Contains(s.cfg.AdminIDs, caller.UserID) {
		s.log.Info("status change denied",
			zap.String("assistant_id", id.String()),
			zap.String("caller_id", caller.UserID),
		)
		respondError(w, http.StatusForbidden, "forbidden", "caller may not manage this assistant")
		return
	}

	a, err := s.deps.Assistants.SetStatus(r.Context(), id, status)
	if err != nil {
		s.respondAssistantError(w, err)
		return
	}

	ended := 0
	if !status.Online() && s.deps.Ender != nil {
		ended = s.deps.Ender.EndConversations(id)
		s.log.Info("assistant taken offline",
			zap.String("assistant_id", id.String()),
			zap.String("caller_id", caller.UserID),
			zap.Int("ended_conversations", ended),
		)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":                  a.ID,
		"status":              int(a.Status),
		"ended_conversations": ended,
	})
}

func (s *Server) respondAssistantError(w http.ResponseWriter, err error) {
	if errors.Is(err, assistant.ErrNotFound) {
		respondError(w, http.StatusNotFound, "assistant_not_found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "status_update_failed", err.Error())
}
