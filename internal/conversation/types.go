package conversation

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("conversation not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is the persistent record behind a chat session.
type Conversation struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id"`
	CallerID    string    `json:"caller_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Turn stores a single user or assistant message.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists conversations and their turns.
type Store interface {
	Create(ctx context.Context, c Conversation) (Conversation, error)
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (Conversation, error)
	SaveTurn(ctx context.Context, turn Turn) error
	// RecentTurns returns up to limit turns in chronological order.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	Close() error
}
