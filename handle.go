package synthorch

import (
	"context"
	"fmt"
	"sync"
)

// Handle owns one native resource and releases it at most once.
//
// A nil *Handle is valid and behaves like an already released handle, so
// teardown code can release every slot unconditionally.
type Handle[T any] struct {
	kind string
	name string

	mu       sync.Mutex
	value    T
	release  func(ctx context.Context, v T) error
	released bool
}

// NewHandle wraps v with its release function. release may be nil.
func NewHandle[T any](kind, name string, v T, release func(ctx context.Context, v T) error) *Handle[T] {
	return &Handle[T]{
		kind:    kind,
		name:    name,
		value:   v,
		release: release,
	}
}

// Get returns the owned value, or false once the handle is released.
func (h *Handle[T]) Get() (T, bool) {
	var zero T
	if h == nil {
		return zero, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return zero, false
	}
	return h.value, true
}

// Live reports whether the handle still owns its value.
func (h *Handle[T]) Live() bool {
	_, ok := h.Get()
	return ok
}

// Release destroys the owned value. Subsequent calls are no-ops. The handle
// counts as released even when the release function fails.
func (h *Handle[T]) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	v := h.value
	var zero T
	h.value = zero
	release := h.release
	h.mu.Unlock()

	if release == nil {
		return nil
	}
	if err := release(ctx, v); err != nil {
		return fmt.Errorf("release %s %s: %w", h.kind, h.name, err)
	}
	return nil
}

func (h *Handle[T]) String() string {
	if h == nil {
		return "<nil handle>"
	}
	return h.kind + "/" + h.name
}
