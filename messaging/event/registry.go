package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTypeRegistryRequired  = errors.New("event type registry is required")
	ErrTypeAlreadyRegistered = errors.New("event type already registered")
)

// Type is a resolved registry entry: the static identity plus a typed decode
// closure built at registration time. Decode returns the concrete event
// value, so consumers dispatch without reflection.
type Type struct {
	Identity Identity
	Decode   func(payload []byte) (Event, error)
}

// TypeRegistry maps (name, version) to runtime event types. It is assembled
// once by the composition root and treated as immutable afterwards;
// registration after consumers start is a programming error.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[Identity]Type
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: map[Identity]Type{}}
}

// Register adds the event type T to the registry, reading its identity from
// the type's static marker. The decode closure unmarshals payloads into T.
func Register[T Event](registry *TypeRegistry) error {
	if registry == nil {
		return ErrTypeRegistryRequired
	}

	var zero T

	identity := zero.EventIdentity()
	if identity.Name == "" {
		return ErrEventNameRequired
	}

	entry := Type{
		Identity: identity,
		Decode: func(payload []byte) (Event, error) {
			var decoded T

			if err := json.Unmarshal(payload, &decoded); err != nil {
				return nil, fmt.Errorf("decode %s: %w", identity, err)
			}

			return decoded, nil
		},
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.types == nil {
		registry.types = make(map[Identity]Type)
	}

	if _, exists := registry.types[identity]; exists {
		return fmt.Errorf("%w: %s", ErrTypeAlreadyRegistered, identity)
	}

	registry.types[identity] = entry

	return nil
}

// TryResolve returns the registered type for (name, version). The second
// return is false for unknown pairs; consumers treat that as drop-and-log,
// not as a retryable fault.
func (registry *TypeRegistry) TryResolve(name string, version int16) (Type, bool) {
	if registry == nil {
		return Type{}, false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	entry, ok := registry.types[Identity{Name: name, Version: version}]

	return entry, ok
}

// Identities returns every registered identity, for diagnostics.
func (registry *TypeRegistry) Identities() []Identity {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	result := make([]Identity, 0, len(registry.types))
	for identity := range registry.types {
		result = append(result, identity)
	}

	return result
}
