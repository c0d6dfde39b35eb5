package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/ent0n29/parley/internal/assistant"
	"github.com/ent0n29/parley/internal/brain"
	"github.com/ent0n29/parley/internal/protocol"
)

// Selection is one tool or flow picked for an optimized prompt.
type Selection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Optimizer rewrites an assistant prompt through the brain and proposes the
// catalog tools and flows that match it.
type Optimizer struct {
	assistants assistant.Store
	brain      brain.Adapter
}

func NewOptimizer(assistants assistant.Store, b brain.Adapter) *Optimizer {
	return &Optimizer{assistants: assistants, brain: b}
}

func (o *Optimizer) Produce(ctx context.Context, assistantID uuid.UUID, prompt string, emit Emit) error {
	a, err := o.assistants.Get(ctx, assistantID)
	if errors.Is(err, assistant.ErrNotFound) {
		return fmt.Errorf("assistant %s not found", assistantID)
	}
	if err != nil {
		return fmt.Errorf("load assistant: %w", err)
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = a.Prompt
	}
	if prompt == "" {
		return errors.New("prompt is required")
	}

	resp, err := o.brain.StreamResponse(ctx, brain.Request{
		Task:         brain.TaskOptimizePrompt,
		AssistantID:  assistantID.String(),
		SystemPrompt: a.Prompt,
		InputText:    prompt,
	}, func(delta string) error {
		return emit(protocol.Text(protocol.TypePrompt, delta))
	})
	if err != nil {
		return fmt.Errorf("optimize prompt: %w", err)
	}

	text := prompt + " " + resp.Text
	for _, part := range []struct {
		tag  protocol.TypeTag
		caps []assistant.Capability
	}{
		{protocol.TypeToolList, a.Tools},
		{protocol.TypeFlowList, a.Flows},
	} {
		env, err := protocol.NewEnvelope(part.tag, selectCapabilities(part.caps, text))
		if err != nil {
			return err
		}
		if err := emit(env); err != nil {
			return err
		}
	}
	return nil
}

func selectCapabilities(caps []assistant.Capability, text string) []Selection {
	normalized := strings.ToLower(text)
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(normalized, isSeparator) {
		words[w] = struct{}{}
	}

	out := make([]Selection, 0, len(caps))
	for _, c := range caps {
		score := 0
		for _, term := range capabilityTerms(c) {
			if strings.Contains(term, " ") {
				if strings.Contains(normalized, term) {
					score++
				}
				continue
			}
			if _, ok := words[term]; ok {
				score++
			}
		}
		if score > 0 {
			out = append(out, Selection{ID: c.ID, Name: c.Name, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func capabilityTerms(c assistant.Capability) []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) < 3 {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for _, k := range c.Keywords {
		add(k)
	}
	for _, w := range strings.FieldsFunc(c.Name, isSeparator) {
		add(w)
	}
	return terms
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
