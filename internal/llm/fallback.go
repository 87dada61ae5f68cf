package llm

import (
	"context"
	"fmt"
	"sync/atomic"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// Once the primary has emitted a delta the answer is committed to it: the
// consumer has already seen text, so switching models would splice answers.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter { return a.primary }

// Secondary returns the fallback adapter.
func (a *FallbackAdapter) Secondary() Adapter { return a.fallback }

func (a *FallbackAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	if a.primary == nil {
		return a.secondaryOnly(func(ad Adapter) (Response, error) { return ad.Complete(ctx, req) })
	}
	resp, err := a.primary.Complete(ctx, req)
	if err == nil || isContextErr(err) || a.fallback == nil {
		return resp, err
	}
	fallbackResp, fallbackErr := a.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		return a.secondaryOnly(func(ad Adapter) (Response, error) { return ad.StreamResponse(ctx, req, onDelta) })
	}

	var emitted atomic.Bool
	resp, err := a.primary.StreamResponse(ctx, req, func(delta string) error {
		emitted.Store(true)
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil || isContextErr(err) || emitted.Load() || a.fallback == nil {
		return resp, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}

func (a *FallbackAdapter) secondaryOnly(call func(Adapter) (Response, error)) (Response, error) {
	if a.fallback == nil {
		return Response{}, fmt.Errorf("fallback adapter misconfigured")
	}
	return call(a.fallback)
}
