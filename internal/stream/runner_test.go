package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/parley/internal/protocol"
)

func chunks(n int, failAfter error) ProducerFunc {
	return func(ctx context.Context, _ uuid.UUID, _ string, emit Emit) error {
		for i := 0; i < n; i++ {
			if err := emit(protocol.Text(protocol.TypeStream, string(rune('a'+i)))); err != nil {
				return err
			}
		}
		return failAfter
	}
}

func collect(seq func(func(protocol.Result) bool)) []protocol.Result {
	var out []protocol.Result
	for r := range seq {
		out = append(out, r)
	}
	return out
}

func TestRunnerThreeChunksThenEnd(t *testing.T) {
	r := NewRunner(chunks(3, nil), nil)
	results := collect(r.Run(context.Background(), uuid.New(), "p"))

	require.Len(t, results, 4)
	for _, res := range results[:3] {
		assert.Equal(t, protocol.ResultOK, res.Kind)
	}
	assert.Equal(t, protocol.ResultDone, results[3].Kind)

	var wire bytes.Buffer
	for _, res := range results {
		frame, err := protocol.EncodeSSE(res.Envelope())
		require.NoError(t, err)
		wire.Write(frame)
	}
	frames := bytes.Split(bytes.TrimSuffix(wire.Bytes(), []byte("\n\n")), []byte("\n\n"))
	require.Len(t, frames, 4)

	last, err := protocol.DecodeSSE(frames[3])
	require.NoError(t, err)
	assert.True(t, last.IsTerminal())
	var payload string
	require.NoError(t, json.Unmarshal(last.Data.Payload, &payload))
	assert.Empty(t, payload)
	assert.Empty(t, last.Data.Message)
}

func TestRunnerFailureMidwayKeepsPriorItems(t *testing.T) {
	r := NewRunner(chunks(2, errors.New("backend exploded")), nil)
	results := collect(r.Run(context.Background(), uuid.New(), "p"))

	require.Len(t, results, 3)
	assert.Equal(t, protocol.ResultOK, results[0].Kind)
	assert.Equal(t, protocol.ResultOK, results[1].Kind)
	assert.Equal(t, protocol.ResultFailed, results[2].Kind)
	assert.Equal(t, "backend exploded", results[2].Message)

	env := results[2].Envelope()
	assert.Equal(t, protocol.TypeEnd, env.Data.Type)
	assert.Equal(t, "backend exploded", env.Data.Message)
}

func TestRunnerEarlyStopCancelsProducer(t *testing.T) {
	observed := make(chan error, 1)
	p := ProducerFunc(func(ctx context.Context, _ uuid.UUID, _ string, emit Emit) error {
		for i := 0; ; i++ {
			if err := emit(protocol.Text(protocol.TypeStream, "x")); err != nil {
				select {
				case <-ctx.Done():
					observed <- ctx.Err()
				case <-time.After(time.Second):
					observed <- errors.New("context not cancelled")
				}
				return err
			}
		}
	})

	r := NewRunner(p, nil)
	var got []protocol.Result
	for res := range r.Run(context.Background(), uuid.New(), "p") {
		got = append(got, res)
		if len(got) == 2 {
			break
		}
	}

	require.Len(t, got, 2)
	require.ErrorIs(t, <-observed, context.Canceled)
}

func TestRunnerConvertsPanicToFailed(t *testing.T) {
	p := ProducerFunc(func(ctx context.Context, _ uuid.UUID, _ string, emit Emit) error {
		_ = emit(protocol.Text(protocol.TypeStream, "ok"))
		panic("nil map write")
	})
	results := collect(NewRunner(p, nil).Run(context.Background(), uuid.New(), "p"))

	require.Len(t, results, 2)
	assert.Equal(t, protocol.ResultFailed, results[1].Kind)
	assert.Contains(t, results[1].Message, "nil map write")
}

func TestRunnerRejectsMalformedItems(t *testing.T) {
	p := ProducerFunc(func(ctx context.Context, _ uuid.UUID, _ string, emit Emit) error {
		return emit(protocol.Envelope{Event: "bogus"})
	})
	results := collect(NewRunner(p, nil).Run(context.Background(), uuid.New(), "p"))

	require.Len(t, results, 1)
	assert.Equal(t, protocol.ResultFailed, results[0].Kind)
	assert.Contains(t, results[0].Message, "malformed envelope")
}

func TestRunnerSequenceIsSingleUse(t *testing.T) {
	seq := NewRunner(chunks(1, nil), nil).Run(context.Background(), uuid.New(), "p")
	require.Len(t, collect(seq), 2)

	again := collect(seq)
	require.Len(t, again, 1)
	assert.Equal(t, protocol.ResultFailed, again[0].Kind)
}

func TestRunnerParentCancellationReachesProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := ProducerFunc(func(ctx context.Context, _ uuid.UUID, _ string, emit Emit) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	results := collect(NewRunner(p, nil).Run(ctx, uuid.New(), "p"))
	require.Len(t, results, 1)
	assert.Equal(t, protocol.ResultFailed, results[0].Kind)
}
