package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/protocol"
)

const (
	outcomeCompleted    = "completed"
	outcomeFailed       = "failed"
	outcomeDisconnected = "disconnected"
	outcomeEncodeError  = "encode_error"
)

// handleAutoOptimize streams one auto-optimize run as text/event-stream.
// Every stream that starts ends with exactly one end envelope unless the
// client goes away first.
func (s *Server) handleAutoOptimize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "one-shot runner not configured")
		return
	}
	// EventSource clients cannot set headers, so the token may ride in ?t=.
	if !s.cfg.AutoOptimizeAllowAnonymous {
		if _, ok := s.authenticate(w, r, r.URL.Query().Get("t")); !ok {
			return
		}
	}

	q := r.URL.Query()
	assistantID, err := uuid.Parse(strings.TrimSpace(q.Get("assistant_id")))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_assistant_id", "query parameter assistant_id must be a uuid")
		return
	}
	// An empty prompt falls back to the assistant's own prompt.
	prompt := strings.TrimSpace(q.Get("prompt"))

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := s.log.With(zap.String("assistant_id", assistantID.String()))
	outcome := outcomeDisconnected
	write := func(env protocol.Envelope) bool {
		raw, err := protocol.EncodeSSE(env)
		if err != nil {
			return false
		}
		if _, err := w.Write(raw); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	for res := range s.deps.Runner.Run(r.Context(), assistantID, prompt) {
		env := res.Envelope()
		raw, err := protocol.EncodeSSE(env)
		if err != nil {
			log.Warn("encode one-shot item", zap.Error(err))
			outcome = outcomeEncodeError
			write(protocol.FailedEnvelope("encode: " + err.Error()))
			break
		}
		if _, err := w.Write(raw); err != nil {
			break
		}
		if err := rc.Flush(); err != nil {
			break
		}
		if res.Terminal() {
			outcome = outcomeCompleted
			if res.Kind == protocol.ResultFailed {
				outcome = outcomeFailed
			}
		}
	}

	s.deps.Metrics.StreamOutcome(outcome)
	log.Info("one-shot stream finished", zap.String("outcome", outcome))
}
