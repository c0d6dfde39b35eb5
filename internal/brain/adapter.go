package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/reliability"
)

// Task selects what the brain is asked to do with a request.
type Task string

const (
	TaskChat           Task = "chat"
	TaskOptimizePrompt Task = "optimize_prompt"
)

// Message is one prior turn handed to the brain as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized request sent to the reasoning backend.
type Request struct {
	Task           Task      `json:"task"`
	AssistantID    string    `json:"assistant_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CallerID       string    `json:"caller_id,omitempty"`
	TurnID         string    `json:"turn_id,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	InputText      string    `json:"input_text"`
	History        []Message `json:"history,omitempty"`
}

// Response is the final response after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error aborts
// the stream.
type DeltaHandler func(delta string) error

// Adapter bridges the gateway with a reasoning backend.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode       string
	HTTPURL    string
	HTTPToken  string
	HTTPStrict bool
	MaxRetries int
	Timeout    time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return NewMockAdapter(), nil
		}
		return NewFallbackAdapter(newHTTPFromConfig(cfg), NewMockAdapter()), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return newHTTPFromConfig(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}

func newHTTPFromConfig(cfg Config) *HTTPAdapter {
	opts := []HTTPOption{WithStrictStream(cfg.HTTPStrict)}
	if cfg.HTTPToken != "" {
		opts = append(opts, WithBearerToken(cfg.HTTPToken))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, WithRetries(cfg.MaxRetries, reliability.Backoff{
			Base:   200 * time.Millisecond,
			Cap:    2 * time.Second,
			Jitter: true,
		}))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	return NewHTTPAdapter(cfg.HTTPURL, opts...)
}
