package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/engine"
)

// handleChat upgrades to a websocket and hands the connection to the
// dispatcher. Authentication happens after the upgrade so failures are
// reported with a close code the client can read.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "dispatcher not configured")
		return
	}
	kind, err := engine.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	out := s.deps.Dispatcher.Serve(r.Context(), conn, dispatch.Request{
		Kind:           kind,
		AssistantID:    strings.TrimSpace(chi.URLParam(r, "assistant_id")),
		ConversationID: strings.TrimSpace(q.Get("chat_id")),
		Credential:     auth.Source{Token: q.Get("t"), Request: r},
		ConnID:         uuid.NewString(),
	})
	s.log.Debug("chat connection finished",
		zap.String("state", out.State.String()),
		zap.Int("close_code", out.CloseCode),
		zap.String("conversation_id", out.ConversationID),
	)
}
