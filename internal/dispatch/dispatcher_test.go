package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/parley/internal/assistant"
	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/brain"
	"github.com/ent0n29/parley/internal/conversation"
	"github.com/ent0n29/parley/internal/engine"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
)

const testSecret = "dispatch-test-secret"

type harness struct {
	t             *testing.T
	server        *httptest.Server
	dispatcher    *Dispatcher
	engine        *engine.AssistantEngine
	router        *countingEngine
	table         *session.Table
	validator     *auth.JWTValidator
	conversations conversation.Store
	assistantID   uuid.UUID
}

type countingEngine struct {
	engine.Engine
	binds atomic.Int32
}

func (c *countingEngine) Bind(ctx context.Context, req engine.BindRequest) (engine.Handle, error) {
	c.binds.Add(1)
	return c.Engine.Bind(ctx, req)
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	policy        session.Policy
	conversations conversation.Store
}

func withPolicy(p session.Policy) harnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

func withConversations(s conversation.Store) harnessOption {
	return func(c *harnessConfig) { c.conversations = s }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{policy: session.PolicyReject, conversations: conversation.NewInMemoryStore()}
	for _, opt := range opts {
		opt(&cfg)
	}

	validator, err := auth.NewJWTValidator(auth.JWTConfig{Secret: testSecret})
	require.NoError(t, err)

	id := uuid.New()
	assistants := assistant.NewMemoryStore(assistant.Assistant{ID: id, Name: "support", Status: assistant.StatusOnline})
	eng, err := engine.NewAssistantEngine(engine.AssistantConfig{
		Assistants:    assistants,
		Conversations: cfg.conversations,
		Brain:         brain.NewMockAdapter(),
	})
	require.NoError(t, err)

	router := engine.NewRouter()
	router.Register(engine.KindAssistant, eng)
	counting := &countingEngine{Engine: router}

	table := session.NewTable(cfg.policy)
	d := New(auth.NewGuard(validator, ""), counting, table, nil, nil, Config{})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		d.Serve(context.Background(), conn, Request{
			Kind:           engine.KindAssistant,
			AssistantID:    strings.TrimPrefix(r.URL.Path, "/"),
			ConversationID: q.Get("chat_id"),
			Credential:     auth.Source{Token: q.Get("t"), Request: r},
			ConnID:         uuid.NewString(),
		})
	}))
	t.Cleanup(srv.Close)

	return &harness{
		t:             t,
		server:        srv,
		dispatcher:    d,
		engine:        eng,
		router:        counting,
		table:         table,
		validator:     validator,
		conversations: cfg.conversations,
		assistantID:   id,
	}
}

func (h *harness) token(userID string) string {
	h.t.Helper()
	tok, err := h.validator.Issue(auth.Identity{UserID: userID}, time.Minute)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) dial(assistantID, token, chatID string) *websocket.Conn {
	h.t.Helper()
	q := url.Values{}
	if token != "" {
		q.Set("t", token)
	}
	if chatID != "" {
		q.Set("chat_id", chatID)
	}
	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/" + assistantID + "?" + q.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// expectClose reads until the peer closes and returns the close frame.
func expectClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr
	}
}

func sessionConversation(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeSession, env.Data.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Data.Payload, &payload))
	require.NotEmpty(t, payload["conversation_id"])
	return payload["conversation_id"]
}

func sendInput(t *testing.T, ws *websocket.Conn, input string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"inputs": map[string]string{"input": input}}))
}

func readTurn(t *testing.T, ws *websocket.Conn) engine.TurnSummary {
	t.Helper()
	for {
		env := readEnvelope(t, ws)
		if env.Data.Type != protocol.TypeTurnEnd {
			require.Equal(t, protocol.TypeStream, env.Data.Type)
			continue
		}
		var s engine.TurnSummary
		require.NoError(t, json.Unmarshal(env.Data.Payload, &s))
		return s
	}
}

func TestMissingOrInvalidCredentialClosesWithPolicyViolation(t *testing.T) {
	h := newHarness(t)

	for _, token := range []string{"", "garbage"} {
		ws := h.dial(h.assistantID.String(), token, "")
		ce := expectClose(t, ws)
		assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
		assert.Equal(t, "Unauthorized", ce.Text)
	}
	assert.EqualValues(t, 0, h.router.binds.Load(), "no bind may be attempted before auth succeeds")
}

func TestExpiredCredentialClosesWithPolicyViolation(t *testing.T) {
	h := newHarness(t)
	tok, err := h.validator.Issue(auth.Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)

	ce := expectClose(t, h.dial(h.assistantID.String(), tok, ""))
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.EqualValues(t, 0, h.router.binds.Load())
}

func TestUnknownConversationClosesWithInternalError(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(h.assistantID.String(), h.token("u1"), "no-such-conversation")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "first frame must be the close, got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Contains(t, ce.Text, "not found")
	assert.Equal(t, 0, h.table.ActiveCount())
}

func TestInvalidAssistantIDClosesWithInternalError(t *testing.T) {
	h := newHarness(t)
	ce := expectClose(t, h.dial("not-a-uuid", h.token("u1"), ""))
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
}

func TestAbsentConversationIDBindsDistinctConversations(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1")

	first := sessionConversation(t, h.dial(h.assistantID.String(), tok, ""))
	second := sessionConversation(t, h.dial(h.assistantID.String(), tok, ""))
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, h.table.ActiveCount())
}

func TestTurnsAreDeliveredInOrder(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(h.assistantID.String(), h.token("u1"), "")
	conversationID := sessionConversation(t, ws)

	sendInput(t, ws, "one")
	sendInput(t, ws, "two")

	first := readTurn(t, ws)
	second := readTurn(t, ws)
	assert.Equal(t, conversationID, first.ConversationID)
	assert.Equal(t, "I heard you: one", first.Text)
	assert.True(t, strings.HasPrefix(second.Text, "I heard you: two"))
}

func TestInvalidFrameIsAnsweredInBand(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(h.assistantID.String(), h.token("u1"), "")
	sessionConversation(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeError, env.Data.Type)
	assert.NotEmpty(t, env.Data.Message)

	sendInput(t, ws, "still here")
	assert.Equal(t, "I heard you: still here", readTurn(t, ws).Text)
}

func TestRejectPolicyRefusesSecondConnection(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1")
	first := h.dial(h.assistantID.String(), tok, "")
	conversationID := sessionConversation(t, first)

	second := h.dial(h.assistantID.String(), tok, conversationID)
	ce := expectClose(t, second)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	sendInput(t, first, "hello")
	assert.Equal(t, "I heard you: hello", readTurn(t, first).Text)
}

func TestSupersedePolicyClosesOlderConnection(t *testing.T) {
	h := newHarness(t, withPolicy(session.PolicySupersede))
	tok := h.token("u1")
	first := h.dial(h.assistantID.String(), tok, "")
	conversationID := sessionConversation(t, first)

	second := h.dial(h.assistantID.String(), tok, conversationID)
	assert.Equal(t, conversationID, sessionConversation(t, second))

	ce := expectClose(t, first)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, session.ErrSuperseded.Error(), ce.Text)

	sendInput(t, second, "after")
	assert.Contains(t, readTurn(t, second).Text, "I heard you: after")

	b, ok := h.table.Lookup(mustKey(t, h.assistantID, conversationID, "u1"))
	require.True(t, ok)
	assert.NotEmpty(t, b.ConnID)
}

func TestConversationEndClosesNormally(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(h.assistantID.String(), h.token("u1"), "")
	sessionConversation(t, ws)

	assert.Equal(t, 1, h.engine.EndConversations(h.assistantID))
	ce := expectClose(t, ws)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, engine.ErrConversationEnded.Error(), ce.Text)
}

func TestBackendFailureClosesWithInternalError(t *testing.T) {
	store := &brokenStore{InMemoryStore: conversation.NewInMemoryStore()}
	h := newHarness(t, withConversations(store))
	ws := h.dial(h.assistantID.String(), h.token("u1"), "")
	sessionConversation(t, ws)

	sendInput(t, ws, "hi")
	ce := expectClose(t, ws)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Contains(t, ce.Text, "save user turn")

	assert.Eventually(t, func() bool { return h.table.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.engine.ActiveConversations() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesGoingAway(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(h.assistantID.String(), h.token("u1"), "")
	sessionConversation(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Shutdown(ctx))

	// Shutdown returns only after Serve released everything.
	assert.Equal(t, 0, h.table.ActiveCount())
	assert.Equal(t, 0, h.engine.ActiveConversations())

	ce := expectClose(t, ws)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	late := h.dial(h.assistantID.String(), h.token("u2"), "")
	ce = expectClose(t, late)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.EqualValues(t, 1, h.router.binds.Load())
}

func TestPeerCloseReleasesBinding(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(h.assistantID.String(), h.token("u1"), "")
	sessionConversation(t, ws)
	require.Equal(t, 1, h.table.ActiveCount())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	ce := expectClose(t, ws)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Eventually(t, func() bool { return h.table.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.engine.ActiveConversations() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseReasonIsTruncated(t *testing.T) {
	long := strings.Repeat("é", 100)
	got := truncateReason(long)
	assert.LessOrEqual(t, len(got), maxCloseReason)
	assert.True(t, strings.HasPrefix(long, got))

	code, reason := closeFor(&turnFailure{message: "boom"})
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, "boom", reason)

	code, _ = closeFor(websocket.ErrReadLimit)
	assert.Equal(t, websocket.CloseMessageTooBig, code)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "bound", StateBound.String())
	assert.Equal(t, "rejected", StateRejected.String())
}

func mustKey(t *testing.T, assistantID uuid.UUID, conversationID, caller string) session.Key {
	t.Helper()
	k, err := session.NewKey(assistantID.String(), conversationID, caller)
	require.NoError(t, err)
	return k
}

type brokenStore struct {
	*conversation.InMemoryStore
}

func (s *brokenStore) SaveTurn(context.Context, conversation.Turn) error {
	return errors.New("disk full")
}
