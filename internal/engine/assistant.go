package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/assistant"
	"github.com/ent0n29/parley/internal/brain"
	"github.com/ent0n29/parley/internal/conversation"
)

// UnknownConversationPolicy decides how a conversation id that does not
// resolve is handled at bind time.
type UnknownConversationPolicy string

const (
	UnknownConversationFail UnknownConversationPolicy = "fail"
	UnknownConversationNew  UnknownConversationPolicy = "new"
)

func ParseUnknownConversationPolicy(v string) (UnknownConversationPolicy, error) {
	switch UnknownConversationPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", UnknownConversationFail:
		return UnknownConversationFail, nil
	case UnknownConversationNew:
		return UnknownConversationNew, nil
	default:
		return "", fmt.Errorf("unsupported unknown-conversation policy %q (expected fail|new)", v)
	}
}

type AssistantConfig struct {
	Assistants          assistant.Store
	Conversations       conversation.Store
	Brain               brain.Adapter
	UnknownConversation UnknownConversationPolicy
	HistoryLimit        int
	Logger              *zap.Logger
}

// AssistantEngine runs chat conversations against an assistant's brain.
// Conversation state is shared by every handle bound to the same
// conversation and dropped when the last handle is released.
type AssistantEngine struct {
	assistants    assistant.Store
	conversations conversation.Store
	brain         brain.Adapter
	unknown       UnknownConversationPolicy
	historyLimit  int
	log           *zap.Logger

	mu      sync.Mutex
	convs   map[string]*convState
	workers sync.WaitGroup
}

type convState struct {
	record  conversation.Conversation
	handles map[*handle]struct{}
	// sem admits one turn at a time across all handles.
	sem chan struct{}
}

func NewAssistantEngine(cfg AssistantConfig) (*AssistantEngine, error) {
	if cfg.Assistants == nil || cfg.Conversations == nil || cfg.Brain == nil {
		return nil, errors.New("assistant engine requires assistants, conversations and brain")
	}
	if cfg.UnknownConversation == "" {
		cfg.UnknownConversation = UnknownConversationFail
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &AssistantEngine{
		assistants:    cfg.Assistants,
		conversations: cfg.Conversations,
		brain:         cfg.Brain,
		unknown:       cfg.UnknownConversation,
		historyLimit:  cfg.HistoryLimit,
		log:           cfg.Logger,
		convs:         make(map[string]*convState),
	}, nil
}

func (e *AssistantEngine) Bind(ctx context.Context, req BindRequest) (Handle, error) {
	a, err := e.assistants.Get(ctx, req.AssistantID)
	if errors.Is(err, assistant.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssistantUnavailable, req.AssistantID)
	}
	if err != nil {
		return nil, &BackendError{Op: "load assistant", Err: err}
	}
	if !a.Status.Online() {
		return nil, fmt.Errorf("%w: %s is offline", ErrAssistantUnavailable, req.AssistantID)
	}

	record, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st, ok := e.convs[record.ID]
	if !ok {
		st = &convState{
			record:  record,
			handles: make(map[*handle]struct{}),
			sem:     make(chan struct{}, 1),
		}
		e.convs[record.ID] = st
	}
	h := newHandle(e, st, a)
	st.handles[h] = struct{}{}
	e.mu.Unlock()

	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		h.run()
	}()
	e.log.Debug("conversation bound",
		zap.String("assistant_id", req.AssistantID.String()),
		zap.String("conversation_id", record.ID),
		zap.String("caller_id", req.CallerID),
	)
	return h, nil
}

func (e *AssistantEngine) resolve(ctx context.Context, req BindRequest) (conversation.Conversation, error) {
	create := func() (conversation.Conversation, error) {
		c, err := e.conversations.Create(ctx, conversation.Conversation{
			ID:          uuid.NewString(),
			AssistantID: req.AssistantID.String(),
			CallerID:    req.CallerID,
		})
		if err != nil {
			return conversation.Conversation{}, &BackendError{Op: "create conversation", Err: err}
		}
		return c, nil
	}

	if req.ConversationID == "" {
		return create()
	}

	c, err := e.conversations.Get(ctx, req.ConversationID)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
	case err != nil:
		return conversation.Conversation{}, &BackendError{Op: "load conversation", Err: err}
	case c.AssistantID == req.AssistantID.String() && c.CallerID == req.CallerID:
		return c, nil
	}

	// Conversations owned by another caller or assistant are reported as
	// missing rather than forbidden.
	if e.unknown == UnknownConversationNew {
		return create()
	}
	return conversation.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
}

func (e *AssistantEngine) Release(h Handle) {
	hh, ok := h.(*handle)
	if !ok || hh.engine != e {
		return
	}
	hh.close(errReleased)

	e.mu.Lock()
	defer e.mu.Unlock()
	st := hh.conv
	delete(st.handles, hh)
	if len(st.handles) == 0 && e.convs[st.record.ID] == st {
		delete(e.convs, st.record.ID)
	}
}

// EndConversations ends every live conversation of assistantID. Bound
// handles emit Done. It returns the number of handles ended.
func (e *AssistantEngine) EndConversations(assistantID uuid.UUID) int {
	id := assistantID.String()
	var targets []*handle

	e.mu.Lock()
	for _, st := range e.convs {
		if st.record.AssistantID != id {
			continue
		}
		for h := range st.handles {
			targets = append(targets, h)
		}
	}
	e.mu.Unlock()

	for _, h := range targets {
		h.close(ErrConversationEnded)
	}
	return len(targets)
}

// Wait blocks until every conversation worker has exited or ctx is done.
// Handles must be released first; workers of bound handles keep running.
func (e *AssistantEngine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for conversation workers: %w", ctx.Err())
	}
}

// ActiveConversations reports how many conversations have live handles.
func (e *AssistantEngine) ActiveConversations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.convs)
}
