package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/deckwork/conveyor/internal/types"
)

// Handler executes one task kind. Input is the task's opaque payload; output
// is an opaque result recorded on completion. Handlers must tolerate duplicate
// execution: delivery is at-least-once, and a reclaimed lease means the same
// payload may run again elsewhere.
//
// The context is cancelled when the process is draining or when the task's
// lease turns stale. A handler that ignores cancellation runs to completion
// and has its settle discarded.
type Handler interface {
	Execute(ctx context.Context, task *types.Task) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *types.Task) ([]byte, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, task *types.Task) ([]byte, error) {
	return f(ctx, task)
}

// Registry maps task kinds to handlers. The registered kinds double as the
// worker's advertised capabilities.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind string) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Capabilities lists the registered kinds, sorted.
func (r *Registry) Capabilities() []string {
	caps := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		caps = append(caps, kind)
	}
	sort.Strings(caps)
	return caps
}

// permanentError marks a handler failure as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the runtime settles it as a permanent failure.
// Unwrapped handler errors default to transient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify maps a handler error to its failure class.
func Classify(err error) types.FailureClass {
	var pe *permanentError
	if errors.As(err, &pe) {
		return types.FailurePermanent
	}
	return types.FailureTransient
}
