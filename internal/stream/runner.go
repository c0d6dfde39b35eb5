// Package stream drives one-shot producers and exposes their output as a
// lazy sequence of tagged results that always ends in exactly one terminal.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/protocol"
)

// ErrConsumerGone is returned by Emit once the consumer stopped iterating.
var ErrConsumerGone = errors.New("stream consumer stopped")

var errAlreadyConsumed = errors.New("stream already consumed")

// Emit forwards one item to the consumer. It must be called from the
// goroutine running Produce and never after Produce returns.
type Emit func(protocol.Envelope) error

// Producer performs a one-shot computation, emitting items as it goes.
type Producer interface {
	Produce(ctx context.Context, assistantID uuid.UUID, prompt string, emit Emit) error
}

type ProducerFunc func(ctx context.Context, assistantID uuid.UUID, prompt string, emit Emit) error

func (f ProducerFunc) Produce(ctx context.Context, assistantID uuid.UUID, prompt string, emit Emit) error {
	return f(ctx, assistantID, prompt, emit)
}

type Runner struct {
	producer Producer
	log      *zap.Logger
}

func NewRunner(p Producer, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{producer: p, log: log}
}

// Run returns a single-use sequence: every emitted item as OK, then exactly
// one Done or Failed. Stopping the iteration early cancels the producer's
// context and suppresses the terminal result.
func (r *Runner) Run(ctx context.Context, assistantID uuid.UUID, prompt string) iter.Seq[protocol.Result] {
	var used atomic.Bool
	return func(yield func(protocol.Result) bool) {
		if used.Swap(true) {
			yield(protocol.Failed(errAlreadyConsumed.Error()))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			stopped  bool
			finished bool
			yielding bool
		)
		emit := func(env protocol.Envelope) error {
			if stopped || finished {
				return ErrConsumerGone
			}
			if err := env.Validate(); err != nil {
				return err
			}
			yielding = true
			ok := yield(protocol.OK(env))
			yielding = false
			if !ok {
				stopped = true
				cancel()
				return ErrConsumerGone
			}
			return nil
		}

		err := r.produce(ctx, assistantID, prompt, emit, &yielding)
		finished = true
		if stopped {
			return
		}
		if err != nil {
			r.log.Warn("one-shot producer failed",
				zap.String("assistant_id", assistantID.String()),
				zap.Error(err),
			)
			yield(protocol.Failed(err.Error()))
			return
		}
		yield(protocol.Done())
	}
}

func (r *Runner) produce(ctx context.Context, assistantID uuid.UUID, prompt string, emit Emit, yielding *bool) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if *yielding {
				// The consumer's loop body panicked; that is not ours to convert.
				panic(p)
			}
			r.log.Error("one-shot producer panic",
				zap.String("assistant_id", assistantID.String()),
				zap.Any("panic", p),
			)
			err = fmt.Errorf("producer panic: %v", p)
		}
	}()
	return r.producer.Produce(ctx, assistantID, prompt, emit)
}
