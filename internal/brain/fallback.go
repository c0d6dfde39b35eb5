package brain

import (
	"context"
	"errors"
	"fmt"
)

// FallbackAdapter attempts a primary adapter first and falls back on error,
// but only while the primary has not emitted any delta.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{
		primary:  primary,
		fallback: fallback,
	}
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter { return a.primary }

// Secondary returns the fallback adapter.
func (a *FallbackAdapter) Secondary() Adapter { return a.fallback }

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		if a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, errors.New("fallback adapter misconfigured")
	}

	emitted := false
	resp, err := a.primary.StreamResponse(ctx, req, func(delta string) error {
		emitted = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	if emitted || a.fallback == nil {
		return Response{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
