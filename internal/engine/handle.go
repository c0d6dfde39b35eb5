package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/assistant"
	"github.com/ent0n29/parley/internal/brain"
	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/policy"
	"github.com/ent0n29/parley/internal/protocol"
)

var errReleased = errors.New("handle released")

const inboxSize = 16

// TurnSummary is the payload of a turn_end envelope.
type TurnSummary struct {
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text,omitempty"`
}

type handle struct {
	engine    *AssistantEngine
	conv      *convState
	assistant assistant.Assistant

	ctx         context.Context
	cancel      context.CancelCauseFunc
	inbox       chan string
	turns       chan protocol.Result
	released    chan struct{}
	releaseOnce sync.Once

	mu         sync.Mutex
	turnCancel context.CancelFunc
}

func newHandle(e *AssistantEngine, st *convState, a assistant.Assistant) *handle {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &handle{
		engine:    e,
		conv:      st,
		assistant: a,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan string, inboxSize),
		turns:     make(chan protocol.Result, 32),
		released:  make(chan struct{}),
	}
}

func (h *handle) Kind() Kind { return KindAssistant }

func (h *handle) ConversationID() string { return h.conv.record.ID }

func (h *handle) Turns() <-chan protocol.Result { return h.turns }

func (h *handle) Send(ctx context.Context, f protocol.Frame) error {
	if h.ctx.Err() != nil {
		return ErrHandleClosed
	}
	if f.ChatID != "" && f.ChatID != h.conv.record.ID {
		return ErrChatIDMismatch
	}
	if f.IsStop() {
		h.stopTurn()
		return nil
	}
	// Never block the caller's read loop: it must keep handling stop frames
	// and pongs while a long turn runs.
	select {
	case h.inbox <- f.Inputs.Input:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHandleClosed
	default:
		return ErrTurnQueueFull
	}
}

func (h *handle) close(cause error) {
	h.cancel(cause)
	if errors.Is(cause, errReleased) {
		h.releaseOnce.Do(func() { close(h.released) })
	}
}

func (h *handle) stopTurn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turnCancel != nil {
		h.turnCancel()
	}
}

// deliver blocks until the consumer takes r or the handle is released.
func (h *handle) deliver(r protocol.Result) bool {
	select {
	case h.turns <- r:
		return true
	case <-h.released:
		return false
	}
}

func (h *handle) run() {
	defer close(h.turns)
	defer func() {
		if p := recover(); p != nil {
			h.engine.log.Error("conversation worker panic",
				zap.String("conversation_id", h.conv.record.ID),
				zap.Any("panic", p),
			)
			err := fmt.Errorf("internal error: %v", p)
			h.cancel(err)
			h.deliver(protocol.Failed(err.Error()))
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			if errors.Is(context.Cause(h.ctx), ErrConversationEnded) {
				h.deliver(protocol.Done())
			}
			return
		case input := <-h.inbox:
			if err := h.runTurn(input); err != nil {
				h.engine.log.Error("conversation turn failed",
					zap.String("conversation_id", h.conv.record.ID),
					zap.Error(err),
				)
				h.cancel(err)
				h.deliver(protocol.Failed(err.Error()))
				return
			}
		}
	}
}

// runTurn streams one reply. Brain failures end the turn in-band; a non-nil
// error is fatal to the handle.
func (h *handle) runTurn(input string) error {
	if h.ctx.Err() != nil {
		return nil
	}
	turnCtx, cancel := context.WithCancel(h.ctx)
	h.mu.Lock()
	h.turnCancel = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.turnCancel = nil
		h.mu.Unlock()
		cancel()
	}()

	summary := TurnSummary{TurnID: uuid.NewString(), ConversationID: h.conv.record.ID}

	select {
	case h.conv.sem <- struct{}{}:
	case <-turnCtx.Done():
		return h.interrupted(summary)
	}
	defer func() { <-h.conv.sem }()

	store := h.engine.conversations
	redacted, changed := policy.RedactPII(input)
	err := store.SaveTurn(turnCtx, conversation.Turn{
		ConversationID: summary.ConversationID,
		Role:           conversation.RoleUser,
		Content:        redacted,
		PIIRedacted:    changed,
	})
	if err != nil {
		if turnCtx.Err() != nil {
			return h.interrupted(summary)
		}
		return &BackendError{Op: "save user turn", Err: err}
	}

	history, err := store.RecentTurns(turnCtx, summary.ConversationID, h.engine.historyLimit+1)
	if err != nil {
		if turnCtx.Err() != nil {
			return h.interrupted(summary)
		}
		return &BackendError{Op: "load history", Err: err}
	}
	if n := len(history); n > 0 {
		history = history[:n-1]
	}
	messages := make([]brain.Message, 0, len(history))
	for _, t := range history {
		messages = append(messages, brain.Message{Role: string(t.Role), Content: t.Content})
	}

	resp, err := h.engine.brain.StreamResponse(turnCtx, brain.Request{
		Task:           brain.TaskChat,
		AssistantID:    h.assistant.ID.String(),
		ConversationID: summary.ConversationID,
		CallerID:       h.conv.record.CallerID,
		TurnID:         summary.TurnID,
		SystemPrompt:   h.assistant.Prompt,
		InputText:      input,
		History:        messages,
	}, func(delta string) error {
		if !h.deliver(protocol.OK(protocol.Text(protocol.TypeStream, delta))) {
			return ErrHandleClosed
		}
		return nil
	})
	if err != nil {
		if turnCtx.Err() != nil {
			return h.interrupted(summary)
		}
		h.engine.log.Warn("brain turn failed",
			zap.String("conversation_id", summary.ConversationID),
			zap.String("turn_id", summary.TurnID),
			zap.Error(err),
		)
		h.deliver(protocol.OK(turnEnd(summary, err.Error())))
		return nil
	}

	err = store.SaveTurn(turnCtx, conversation.Turn{
		ConversationID: summary.ConversationID,
		Role:           conversation.RoleAssistant,
		Content:        resp.Text,
	})
	if err != nil {
		if turnCtx.Err() != nil {
			return h.interrupted(summary)
		}
		return &BackendError{Op: "save assistant turn", Err: err}
	}

	summary.Text = resp.Text
	h.deliver(protocol.OK(turnEnd(summary, "")))
	return nil
}

// interrupted ends a stopped turn in-band. Nothing is emitted when the whole
// handle is going away.
func (h *handle) interrupted(summary TurnSummary) error {
	if h.ctx.Err() != nil {
		return nil
	}
	h.deliver(protocol.OK(turnEnd(summary, "stopped")))
	return nil
}

func turnEnd(s TurnSummary, message string) protocol.Envelope {
	env, err := protocol.NewEnvelope(protocol.TypeTurnEnd, s)
	if err != nil {
		return protocol.ErrorEnvelope(err.Error())
	}
	env.Data.Message = message
	return env
}
