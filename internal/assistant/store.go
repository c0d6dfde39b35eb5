// Package assistant exposes the assistant metadata consumed by the gateway:
// identity, system prompt, online status and the tool/flow catalog.
package assistant

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("assistant not found")

type Status int

const (
	StatusOffline Status = 0
	StatusOnline  Status = 1
)

func (s Status) Online() bool { return s == StatusOnline }

// Capability is a tool or flow the assistant can be configured with.
type Capability struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords"`
}

type Assistant struct {
	ID     uuid.UUID    `json:"id"`
	Name   string       `json:"name"`
	Prompt string       `json:"prompt"`
	Status Status       `json:"status"`
	Owners []string     `json:"owners,omitempty"`
	Tools  []Capability `json:"tools,omitempty"`
	Flows  []Capability `json:"flows,omitempty"`
}

// OwnedBy reports whether callerID may manage the assistant.
func (a Assistant) OwnedBy(callerID string) bool {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return false
	}
	for _, o := range a.Owners {
		if o == callerID {
			return true
		}
	}
	return false
}

// Store is the metadata lookup the gateway depends on.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Assistant, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status) (Assistant, error)
}

// MemoryStore is an in-process Store, usually filled from a catalog file.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Assistant
}

func NewMemoryStore(items ...Assistant) *MemoryStore {
	s := &MemoryStore{items: make(map[uuid.UUID]Assistant, len(items))}
	for _, a := range items {
		s.items[a.ID] = a
	}
	return s
}

func (s *MemoryStore) Put(a Assistant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[a.ID] = a
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return Assistant{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, status Status) (Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return Assistant{}, ErrNotFound
	}
	a.Status = status
	s.items[id] = a
	return a, nil
}

func (s *MemoryStore) List() []Assistant {
	s.mu.RLock()
	out := make([]Assistant, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
