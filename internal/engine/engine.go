// Package engine defines the conversation engine contract used by the session
// dispatcher and the closed set of engine variants selected at bind time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/parley/internal/protocol"
)

// Kind names a conversation engine variant.
type Kind string

const (
	KindAssistant Kind = "assistant"
)

func ParseKind(v string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(v))) {
	case "", KindAssistant:
		return KindAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, v)
	}
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAssistantUnavailable = errors.New("assistant unavailable")
	ErrUnknownKind          = errors.New("unknown engine kind")
	ErrHandleClosed         = errors.New("conversation handle closed")
	ErrConversationEnded    = errors.New("conversation ended")
	ErrChatIDMismatch       = errors.New("chat_id does not match the bound conversation")
	ErrTurnQueueFull        = errors.New("too many pending turns")
)

// BackendError wraps a failure of an engine collaborator.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// BindRequest carries the resolved parts of a session key. An empty
// ConversationID starts a new conversation.
type BindRequest struct {
	Kind           Kind
	AssistantID    uuid.UUID
	ConversationID string
	CallerID       string
}

// Handle is a connection's reference to shared conversation state.
type Handle interface {
	Kind() Kind
	ConversationID() string
	// Send forwards one inbound frame. Frames are processed in order.
	Send(ctx context.Context, f protocol.Frame) error
	// Turns yields outbound items in production order. The channel closes
	// after the handle is released or after a terminal Done/Failed result.
	Turns() <-chan protocol.Result
}

// Engine binds connections to conversation state.
type Engine interface {
	Bind(ctx context.Context, req BindRequest) (Handle, error)
	Release(h Handle)
}
