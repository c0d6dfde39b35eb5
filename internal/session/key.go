package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidAssistantID = errors.New("invalid assistant id")

// Key identifies one logical conversation of one caller with one assistant.
// An empty ConversationID means "start a new conversation" and is not bindable
// until the engine resolves it.
type Key struct {
	AssistantID    uuid.UUID
	ConversationID string
	CallerID       string
}

func NewKey(assistantID, conversationID, callerID string) (Key, error) {
	id, err := uuid.Parse(strings.TrimSpace(assistantID))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidAssistantID, assistantID)
	}
	return Key{
		AssistantID:    id,
		ConversationID: strings.TrimSpace(conversationID),
		CallerID:       callerID,
	}, nil
}

// Resolved reports whether the key names an existing conversation.
func (k Key) Resolved() bool {
	return k.ConversationID != ""
}

// WithConversation returns a copy of k bound to conversationID.
func (k Key) WithConversation(conversationID string) Key {
	k.ConversationID = conversationID
	return k
}

func (k Key) String() string {
	return k.AssistantID.String() + "/" + url.PathEscape(k.ConversationID) + "/" + url.PathEscape(k.CallerID)
}
