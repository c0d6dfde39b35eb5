package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy decides what happens when a second connection binds a live key.
type Policy string

const (
	PolicyReject    Policy = "reject"
	PolicySupersede Policy = "supersede"
)

func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(v))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicySupersede:
		return PolicySupersede, nil
	default:
		return "", fmt.Errorf("unsupported bind policy %q (expected reject|supersede)", v)
	}
}

var (
	ErrAlreadyBound  = errors.New("conversation already has an active connection")
	ErrSuperseded    = errors.New("superseded by a newer connection")
	ErrUnresolvedKey = errors.New("session key has no conversation id")
)

// Binding describes the connection currently holding a key.
type Binding struct {
	Key            Key       `json:"-"`
	AssistantID    string    `json:"assistant_id"`
	ConversationID string    `json:"conversation_id"`
	CallerID       string    `json:"caller_id"`
	ConnID         string    `json:"conn_id"`
	BoundAt        time.Time `json:"bound_at"`
}

type entry struct {
	binding Binding
	token   uint64
	evict   func(error)
}

// Table holds at most one live binding per Key.
type Table struct {
	mu        sync.RWMutex
	entries   map[Key]*entry
	policy    Policy
	nextToken uint64
	onChange  func(event string)

	// leaseMu serializes lease acquisition with table mutation so a release
	// never drops a lease that a concurrent bind just refreshed.
	leaseMu  sync.Mutex
	leases   LeaseStore
	leaseTTL time.Duration
	owner    string
}

func NewTable(policy Policy) *Table {
	if policy == "" {
		policy = PolicyReject
	}
	return &Table{
		entries: make(map[Key]*entry),
		policy:  policy,
		owner:   uuid.NewString(),
	}
}

func (t *Table) Policy() Policy { return t.policy }

// SetLeaseStore enables cross-instance exclusivity. Leases are owned by the
// table instance, so supersede only ever applies to local holders.
func (t *Table) SetLeaseStore(store LeaseStore, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leases = store
	t.leaseTTL = ttl
}

// SetChangeHook registers fn to observe bound, superseded, rejected and
// released events.
func (t *Table) SetChangeHook(fn func(event string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Bind makes connID the holder of key. evict is called, at most once, if a
// later bind supersedes this one. The returned release func is idempotent and
// a no-op once the binding has been superseded.
func (t *Table) Bind(ctx context.Context, key Key, connID string, evict func(error)) (func(), error) {
	if !key.Resolved() {
		return nil, ErrUnresolvedKey
	}

	t.mu.RLock()
	leases, ttl := t.leases, t.leaseTTL
	t.mu.RUnlock()

	if leases != nil {
		t.leaseMu.Lock()
		defer t.leaseMu.Unlock()

		if t.policy == PolicyReject && t.holds(key) {
			t.emit("rejected")
			return nil, ErrAlreadyBound
		}
		ok, err := leases.Acquire(ctx, key.String(), t.owner, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			t.emit("rejected")
			return nil, ErrAlreadyBound
		}
	}

	t.mu.Lock()
	prev := t.entries[key]
	if prev != nil && t.policy == PolicyReject {
		t.mu.Unlock()
		t.emit("rejected")
		return nil, ErrAlreadyBound
	}
	t.nextToken++
	e := &entry{
		binding: Binding{
			Key:            key,
			AssistantID:    key.AssistantID.String(),
			ConversationID: key.ConversationID,
			CallerID:       key.CallerID,
			ConnID:         connID,
			BoundAt:        time.Now().UTC(),
		},
		token: t.nextToken,
		evict: evict,
	}
	t.entries[key] = e
	t.mu.Unlock()

	if prev != nil {
		t.emit("superseded")
		if prev.evict != nil {
			prev.evict(ErrSuperseded)
		}
	}
	t.emit("bound")

	var once sync.Once
	return func() {
		once.Do(func() { t.release(key, e.token) })
	}, nil
}

func (t *Table) release(key Key, token uint64) {
	t.mu.RLock()
	leases := t.leases
	t.mu.RUnlock()
	if leases != nil {
		t.leaseMu.Lock()
		defer t.leaseMu.Unlock()
	}

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.token != token {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	if leases != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = leases.Release(ctx, key.String(), t.owner)
		cancel()
	}
	t.emit("released")
}

// Lookup returns the current holder of key.
func (t *Table) Lookup(key Key) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok {
		return Binding{}, false
	}
	return e.binding, true
}

func (t *Table) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot lists the bindings held by callerID, oldest first. An empty
// callerID lists every binding.
func (t *Table) Snapshot(callerID string) []Binding {
	t.mu.RLock()
	out := make([]Binding, 0, len(t.entries))
	for _, e := range t.entries {
		if callerID != "" && e.binding.CallerID != callerID {
			continue
		}
		out = append(out, e.binding)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BoundAt.Before(out[j].BoundAt) })
	return out
}

// StartLeaseRefresher periodically extends the leases of every local binding.
func (t *Table) StartLeaseRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.refreshLeases(ctx)
			}
		}
	}()
}

func (t *Table) refreshLeases(ctx context.Context) {
	t.mu.RLock()
	leases, ttl := t.leases, t.leaseTTL
	keys := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	if leases == nil {
		return
	}

	t.leaseMu.Lock()
	defer t.leaseMu.Unlock()
	for _, k := range keys {
		if !t.holds(k) {
			continue
		}
		_, _ = leases.Acquire(ctx, k.String(), t.owner, ttl)
	}
}

func (t *Table) holds(key Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[key]
	return ok
}

func (t *Table) emit(event string) {
	t.mu.RLock()
	hook := t.onChange
	t.mu.RUnlock()
	if hook != nil {
		hook(event)
	}
}
