package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownFunction  = errors.New("unknown function")
	ErrInvalidArguments = errors.New("invalid function arguments")
)

// Handler is one callable tool the model may invoke during a call.
type Handler struct {
	Name        string
	Description string
	// Parameters is the JSON schema advertised to the model.
	Parameters json.RawMessage
	Fn         func(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry maps function names to handlers. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h.Name == "" {
		return errors.New("handler name is required")
	}
	if h.Fn == nil {
		return fmt.Errorf("handler %q has no function", h.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name]; exists {
		return fmt.Errorf("handler %q already registered", h.Name)
	}
	r.handlers[h.Name] = h
	return nil
}

// Schemas returns the advertised tool definitions, sorted by name, in the
// shape the model session config expects.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		h := r.handlers[name]
		schema := map[string]any{
			"type":        "function",
			"name":        h.Name,
			"description": h.Description,
		}
		if len(h.Parameters) > 0 {
			schema["parameters"] = h.Parameters
		}
		out = append(out, schema)
	}
	return out
}

// Invoke runs the named handler. Lookup, argument and handler failures are
// all converted into an error payload for the model; the returned error is
// reported alongside so callers can observe the failure without treating it
// as a session fault.
func (r *Registry) Invoke(ctx context.Context, name, rawArgs string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownFunction, name)
		return errorPayload(err.Error()), err
	}

	args := json.RawMessage(rawArgs)
	if rawArgs == "" {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		err := fmt.Errorf("%w: %s", ErrInvalidArguments, name)
		return errorPayload("invalid JSON arguments for function call"), err
	}

	out, err := h.Fn(ctx, args)
	if err != nil {
		return errorPayload(fmt.Sprintf("error running function %s: %v", name, err)), err
	}
	return out, nil
}

func errorPayload(msg string) string {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return string(body)
}
