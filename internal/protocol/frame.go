package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action identifies what an inbound frame asks the conversation to do.
type Action string

const (
	ActionInput Action = ""
	ActionStop  Action = "stop"
)

var (
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrEmptyInput        = errors.New("inputs.input is required")
)

// Frame is one inbound message from the peer of a bidirectional session.
type Frame struct {
	Action Action      `json:"action,omitempty"`
	ChatID string      `json:"chat_id,omitempty"`
	Inputs FrameInputs `json:"inputs"`
}

type FrameInputs struct {
	Input string `json:"input"`
}

func (f Frame) IsStop() bool {
	return f.Action == ActionStop
}

// ParseFrame decodes and validates an inbound text frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	f.Action = Action(strings.ToLower(strings.TrimSpace(string(f.Action))))

	switch f.Action {
	case ActionInput:
		if strings.TrimSpace(f.Inputs.Input) == "" {
			return Frame{}, ErrEmptyInput
		}
		return f, nil
	case ActionStop:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, f.Action)
	}
}
