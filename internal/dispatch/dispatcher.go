// Package dispatch owns the lifecycle of one bidirectional chat session:
// authenticate, bind to conversation state, pump frames, close with a code
// chosen by cause.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/engine"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/session"
)

// Conn is the subset of *websocket.Conn the dispatcher drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetCloseHandler(h func(code int, text string) error)
	Close() error
}

type Authenticator interface {
	Authenticate(src auth.Source) (auth.Identity, error)
}

type Config struct {
	ReadLimit    int64
	PongWait     time.Duration
	WriteTimeout time.Duration
	InboundRate  float64
	InboundBurst int
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 5
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 10
	}
	return c
}

// Request describes one accepted connection.
type Request struct {
	Kind           engine.Kind
	AssistantID    string
	ConversationID string
	Credential     auth.Source
	ConnID         string
}

// Outcome summarizes how a session ended.
type Outcome struct {
	State          State
	CloseCode      int
	Reason         string
	CallerID       string
	ConversationID string
}

type Dispatcher struct {
	auth    Authenticator
	engine  engine.Engine
	table   *session.Table
	metrics *observability.Metrics
	log     *zap.Logger
	cfg     Config

	base     context.Context
	shutdown context.CancelCauseFunc

	mu      sync.Mutex
	closing bool
	live    sync.WaitGroup
}

func New(a Authenticator, e engine.Engine, table *session.Table, metrics *observability.Metrics, log *zap.Logger, cfg Config) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	base, shutdown := context.WithCancelCause(context.Background())
	return &Dispatcher{
		auth:     a,
		engine:   e,
		table:    table,
		metrics:  metrics,
		log:      log,
		cfg:      cfg.withDefaults(),
		base:     base,
		shutdown: shutdown,
	}
}

// Shutdown closes every live session with a going-away code and waits until
// each one has released its bindings, or until ctx is done. Sessions that
// arrive afterwards are closed before authentication.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.shutdown(ErrServerShutdown)

	done := make(chan struct{})
	go func() {
		d.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for live sessions: %w", ctx.Err())
	}
}

func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.live.Add(1)
	return true
}

// Serve runs the session on conn until it ends. conn is closed on return.
// Exactly one close frame is attempted on every path.
func (d *Dispatcher) Serve(ctx context.Context, conn Conn, req Request) Outcome {
	if !d.track() {
		defer conn.Close()
		code, reason := closeFor(ErrServerShutdown)
		return d.finish(conn, Outcome{State: StateConnecting}, StateClosed, code, reason)
	}
	defer d.live.Done()
	defer conn.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(d.base, func() { cancel(context.Cause(d.base)) })
	defer stop()

	log := d.log.With(zap.String("conn_id", req.ConnID), zap.String("assistant_id", req.AssistantID))
	out := Outcome{State: StateConnecting}

	identity, err := d.auth.Authenticate(req.Credential)
	if err != nil {
		reason, _ := auth.ReasonOf(err)
		d.metrics.AuthFailure(string(reason))
		log.Info("session rejected", zap.String("reason", string(reason)))
		return d.finish(conn, out, StateRejected, websocket.ClosePolicyViolation, "Unauthorized")
	}
	out.State = StateAuthenticated
	out.CallerID = identity.UserID
	log = log.With(zap.String("caller_id", identity.UserID))

	key, err := session.NewKey(req.AssistantID, req.ConversationID, identity.UserID)
	if err != nil {
		return d.finish(conn, out, StateClosed, websocket.CloseInternalServerErr, err.Error())
	}
	if key.Resolved() && d.table.Policy() == session.PolicyReject {
		if _, held := d.table.Lookup(key); held {
			d.metrics.SessionEvent("rejected")
			code, reason := bindFailure(session.ErrAlreadyBound)
			return d.finish(conn, out, StateClosed, code, reason)
		}
	}

	handle, err := d.engine.Bind(ctx, engine.BindRequest{
		Kind:           req.Kind,
		AssistantID:    key.AssistantID,
		ConversationID: key.ConversationID,
		CallerID:       identity.UserID,
	})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		log.Info("bind failed", zap.Error(err))
		code, reason := bindFailure(err)
		return d.finish(conn, out, StateClosed, code, reason)
	}
	defer d.engine.Release(handle)

	key = key.WithConversation(handle.ConversationID())
	out.ConversationID = key.ConversationID
	log = log.With(zap.String("conversation_id", key.ConversationID))

	release, err := d.table.Bind(ctx, key, req.ConnID, func(cause error) { cancel(cause) })
	if err != nil {
		log.Info("session bind refused", zap.Error(err))
		code, reason := bindFailure(err)
		return d.finish(conn, out, StateClosed, code, reason)
	}
	defer release()

	out.State = StateBound
	d.metrics.AddActiveSessions(1)
	defer d.metrics.AddActiveSessions(-1)
	log.Info("session bound")

	code, reason := d.pump(ctx, conn, handle, log)
	out.State = StateClosed
	out.CloseCode = code
	out.Reason = reason
	log.Info("session closed", zap.Int("close_code", code), zap.String("reason", reason))
	return out
}

func (d *Dispatcher) finish(conn Conn, out Outcome, state State, code int, reason string) Outcome {
	d.writeClose(conn, code, reason)
	out.State = state
	out.CloseCode = code
	out.Reason = truncateReason(reason)
	return out
}

func (d *Dispatcher) writeClose(conn Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(d.cfg.WriteTimeout))
	d.metrics.Close(code)
}

// pump runs the reader, writer and keepalive until one of them ends the
// session, then sends the close frame.
func (d *Dispatcher) pump(ctx context.Context, conn Conn, h engine.Handle, log *zap.Logger) (int, string) {
	g, gctx := errgroup.WithContext(ctx)
	outbound := make(chan protocol.Envelope, 16)
	var turnStarted atomic.Int64

	hello, err := protocol.NewEnvelope(protocol.TypeSession, map[string]string{
		"conversation_id": h.ConversationID(),
	})
	if err == nil {
		outbound <- hello
	}

	var (
		closeCode   int
		closeReason string
	)

	g.Go(func() error {
		<-gctx.Done()
		closeCode, closeReason = closeFor(context.Cause(gctx))
		closeReason = truncateReason(closeReason)
		d.writeClose(conn, closeCode, closeReason)
		return conn.Close()
	})

	g.Go(func() error {
		return d.readLoop(gctx, conn, h, outbound, &turnStarted, log)
	})

	g.Go(func() error {
		return d.writeLoop(gctx, conn, h, outbound, &turnStarted)
	})

	g.Go(func() error {
		return d.keepalive(gctx, conn)
	})

	_ = g.Wait()
	return closeCode, closeReason
}

func (d *Dispatcher) readLoop(ctx context.Context, conn Conn, h engine.Handle, outbound chan<- protocol.Envelope, turnStarted *atomic.Int64, log *zap.Logger) error {
	conn.SetReadLimit(d.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.cfg.PongWait))
	})
	// The close reply is sent by pump so that exactly one close frame is written.
	conn.SetCloseHandler(func(int, string) error { return nil })
	limiter := rate.NewLimiter(rate.Limit(d.cfg.InboundRate), d.cfg.InboundBurst)

	reply := func(msg string) {
		select {
		case outbound <- protocol.ErrorEnvelope(msg):
		default:
			// Single writer; drop when the outbound queue is saturated.
			d.metrics.WSMessage("outbound", "error_dropped")
		}
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return err
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return errPeerClosed
			}
			return fmt.Errorf("%w: %v", errPeerClosed, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.PongWait))

		if msgType != websocket.TextMessage {
			d.metrics.WSMessage("inbound", "binary")
			reply("only text frames are supported")
			continue
		}
		if !limiter.Allow() {
			d.metrics.WSMessage("inbound", "rate_limited")
			reply("rate limit exceeded")
			continue
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			d.metrics.WSMessage("inbound", "invalid")
			reply(err.Error())
			continue
		}
		action := "input"
		if frame.IsStop() {
			action = "stop"
		}
		d.metrics.WSMessage("inbound", action)

		if !frame.IsStop() {
			turnStarted.CompareAndSwap(0, time.Now().UnixNano())
		}
		if err := h.Send(ctx, frame); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, engine.ErrHandleClosed):
				// The writer observes the handle's terminal result.
				continue
			default:
				log.Debug("frame rejected", zap.Error(err))
				reply(err.Error())
			}
		}
	}
}

func (d *Dispatcher) writeLoop(ctx context.Context, conn Conn, h engine.Handle, outbound <-chan protocol.Envelope, turnStarted *atomic.Int64) error {
	write := func(env protocol.Envelope) error {
		frame, err := protocol.Encode(env)
		if err != nil {
			return fmt.Errorf("encode %s envelope: %w", env.Data.Type, err)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("%w: write: %v", errPeerClosed, err)
		}
		d.metrics.WSMessage("outbound", string(env.Data.Type))
		return nil
	}

	turns := h.Turns()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-outbound:
			if err := write(env); err != nil {
				return err
			}
		case r, ok := <-turns:
			if !ok {
				return engine.ErrConversationEnded
			}
			switch r.Kind {
			case protocol.ResultDone:
				return engine.ErrConversationEnded
			case protocol.ResultFailed:
				return &turnFailure{message: r.Message}
			}
			if r.Item.Data.Type == protocol.TypeStream {
				if started := turnStarted.Swap(0); started != 0 {
					d.metrics.ObserveFirstChunkLatency(time.Since(time.Unix(0, started)))
				}
			}
			if err := write(r.Item); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) keepalive(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(d.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(d.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("%w: ping: %v", errPeerClosed, err)
			}
		}
	}
}
