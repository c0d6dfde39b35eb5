package dispatch

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/parley/internal/engine"
	"github.com/ent0n29/parley/internal/session"
)

// maxCloseReason is the control frame payload limit minus the status code.
const maxCloseReason = 123

var (
	ErrServerShutdown = errors.New("server shutting down")

	errPeerClosed = errors.New("peer closed the connection")
)

// turnFailure carries the message of a Failed result from the engine.
type turnFailure struct {
	message string
}

func (e *turnFailure) Error() string { return e.message }

// closeFor maps the cause that ended a bound session to a close code and
// reason.
func closeFor(cause error) (int, string) {
	var failed *turnFailure
	switch {
	case cause == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(cause, ErrServerShutdown):
		return websocket.CloseGoingAway, ErrServerShutdown.Error()
	case errors.Is(cause, session.ErrSuperseded):
		return websocket.CloseNormalClosure, session.ErrSuperseded.Error()
	case errors.Is(cause, engine.ErrConversationEnded):
		return websocket.CloseNormalClosure, engine.ErrConversationEnded.Error()
	case errors.Is(cause, errPeerClosed), errors.Is(cause, context.Canceled):
		return websocket.CloseNormalClosure, ""
	case errors.Is(cause, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, "message too big"
	case errors.As(cause, &failed):
		return websocket.CloseInternalServerErr, failed.message
	default:
		return websocket.CloseInternalServerErr, cause.Error()
	}
}

// bindFailure maps an error raised before pumping starts.
func bindFailure(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrAlreadyBound):
		return websocket.ClosePolicyViolation, session.ErrAlreadyBound.Error()
	case errors.Is(err, ErrServerShutdown):
		return websocket.CloseGoingAway, ErrServerShutdown.Error()
	default:
		return websocket.CloseInternalServerErr, err.Error()
	}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
