package engine

import (
	"context"
	"fmt"
)

// Router selects the engine variant named by BindRequest.Kind.
type Router struct {
	engines map[Kind]Engine
}

func NewRouter() *Router {
	return &Router{engines: make(map[Kind]Engine)}
}

// Register installs e for kind. It is not safe to call after serving starts.
func (r *Router) Register(kind Kind, e Engine) {
	r.engines[kind] = e
}

func (r *Router) Bind(ctx context.Context, req BindRequest) (Handle, error) {
	if req.Kind == "" {
		req.Kind = KindAssistant
	}
	e, ok := r.engines[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	return e.Bind(ctx, req)
}

func (r *Router) Release(h Handle) {
	if h == nil {
		return
	}
	if e, ok := r.engines[h.Kind()]; ok {
		e.Release(h)
	}
}
