package dispatch

import (
	"context"
	"errors"
)

// ErrBusy is returned when the dispatch queue is saturated.
var ErrBusy = errors.New("function dispatch queue full")

// Runner bounds concurrent function dispatch. Handlers run off the bridge's
// event loop; the deliver callback receives the output payload (which may be
// an error payload) once the handler finishes.
type Runner struct {
	registry *Registry
	sem      chan struct{}
}

func NewRunner(registry *Registry, maxInFlight int) *Runner {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	return &Runner{
		registry: registry,
		sem:      make(chan struct{}, maxInFlight),
	}
}

// Run dispatches one function call asynchronously. It returns ErrBusy
// immediately when no slot is free; otherwise deliver is always called
// exactly once with the output payload, and invokeErr reports any handler
// failure for observability.
func (r *Runner) Run(ctx context.Context, name, rawArgs string, deliver func(output string, invokeErr error)) error {
	select {
	case r.sem <- struct{}{}:
	default:
		return ErrBusy
	}

	go func() {
		defer func() { <-r.sem }()
		out, err := r.registry.Invoke(ctx, name, rawArgs)
		deliver(out, err)
	}()
	return nil
}
