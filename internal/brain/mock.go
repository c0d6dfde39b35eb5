package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no backend is configured.
// Replies are streamed word by word.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	text := buildMockReply(req)
	for _, word := range strings.SplitAfter(text, " ") {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		if word == "" || onDelta == nil {
			continue
		}
		if err := onDelta(word); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.InputText)

	if req.Task == TaskOptimizePrompt {
		if base == "" {
			base = strings.TrimSpace(req.SystemPrompt)
		}
		return fmt.Sprintf("You are a focused assistant. %s Answer concisely and cite the tools you use.", base)
	}

	if base == "" {
		base = "I am listening."
	}
	if len(req.History) == 0 {
		return fmt.Sprintf("I heard you: %s", base)
	}

	last := strings.TrimSpace(req.History[len(req.History)-1].Content)
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s (previously: %s)", base, last)
}
