// Package consumer orchestrates broker consumption: one supervised loop per
// queue, inbox-deduplicated fan-out to registered handlers, and per-handler
// attempt accounting.
package consumer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/event"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
)

// Handler processes one decoded event. Name identifies the handler in inbox
// rows and must be stable across deployments, since it is half of the
// deduplication key.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env *event.Envelope, evt event.Event) error
}

type typedHandler[T event.Event] struct {
	name string
	fn   func(ctx context.Context, env *event.Envelope, evt T) error
}

func (handler *typedHandler[T]) Name() string {
	return handler.name
}

func (handler *typedHandler[T]) Handle(ctx context.Context, env *event.Envelope, evt event.Event) error {
	typed, ok := evt.(T)
	if !ok {
		return fmt.Errorf("%w: handler %s received %T", ErrEventTypeMismatch, handler.name, evt)
	}

	return handler.fn(ctx, env, typed)
}

// NewHandler wraps a typed function into a Handler. The type parameter binds
// the handler to one event type at compile time, replacing any runtime
// dispatch machinery.
func NewHandler[T event.Event](name string, fn func(ctx context.Context, env *event.Envelope, evt T) error) (Handler, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrHandlerNameRequired
	}

	if fn == nil {
		return nil, ErrHandlerFuncRequired
	}

	return &typedHandler[T]{name: name, fn: fn}, nil
}

// HandlerRegistry maps event identities to the handlers that consume them.
// It is populated at composition time and treated as immutable afterwards.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[event.Identity][]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[event.Identity][]Handler),
	}
}

// RegisterHandler binds a typed handler function to the identity of T.
func RegisterHandler[T event.Event](
	registry *HandlerRegistry,
	name string,
	fn func(ctx context.Context, env *event.Envelope, evt T) error,
) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	handler, err := NewHandler(name, fn)
	if err != nil {
		return err
	}

	var zero T

	return registry.Register(zero.EventIdentity(), handler)
}

// Register binds a handler to an identity. The same handler name may not be
// registered twice for the same identity.
func (registry *HandlerRegistry) Register(identity event.Identity, handler Handler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if strings.TrimSpace(identity.Name) == "" {
		return event.ErrEventNameRequired
	}

	if nilcheck.Interface(handler) {
		return ErrHandlerRequired
	}

	if strings.TrimSpace(handler.Name()) == "" {
		return ErrHandlerNameRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	for _, existing := range registry.handlers[identity] {
		if existing.Name() == handler.Name() {
			return fmt.Errorf("%w: %s for %s", ErrHandlerAlreadyRegistered, handler.Name(), identity)
		}
	}

	registry.handlers[identity] = append(registry.handlers[identity], handler)

	return nil
}

// HandlersFor returns the handlers registered for an identity, in
// registration order.
func (registry *HandlerRegistry) HandlersFor(identity event.Identity) []Handler {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	handlers := registry.handlers[identity]
	if len(handlers) == 0 {
		return nil
	}

	out := make([]Handler, len(handlers))
	copy(out, handlers)

	return out
}

// Identities returns every identity with at least one handler.
func (registry *HandlerRegistry) Identities() []event.Identity {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	identities := make([]event.Identity, 0, len(registry.handlers))
	for identity := range registry.handlers {
		identities = append(identities, identity)
	}

	sort.Slice(identities, func(i, j int) bool {
		if identities[i].Name != identities[j].Name {
			return identities[i].Name < identities[j].Name
		}

		return identities[i].Version < identities[j].Version
	})

	return identities
}
