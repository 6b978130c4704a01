package consumer

import (
	"sort"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/event"
)

// SubscriberRegistry maps event identities to handler names. It is a static
// snapshot used for delivery accounting and diagnostics; live dispatch goes
// through the HandlerRegistry.
type SubscriberRegistry struct {
	subscribers map[event.Identity][]string
}

// BuildSubscriberRegistry snapshots the handler names of a populated handler
// registry. Build it once, after composition-time registration is complete.
func BuildSubscriberRegistry(handlers *HandlerRegistry) *SubscriberRegistry {
	registry := &SubscriberRegistry{
		subscribers: make(map[event.Identity][]string),
	}

	if handlers == nil {
		return registry
	}

	for _, identity := range handlers.Identities() {
		names := make([]string, 0)

		for _, handler := range handlers.HandlersFor(identity) {
			names = append(names, handler.Name())
		}

		sort.Strings(names)

		registry.subscribers[identity] = names
	}

	return registry
}

// SubscribersFor returns the handler names registered for an identity.
func (registry *SubscriberRegistry) SubscribersFor(identity event.Identity) []string {
	if registry == nil {
		return nil
	}

	names := registry.subscribers[identity]
	if len(names) == 0 {
		return nil
	}

	out := make([]string, len(names))
	copy(out, names)

	return out
}

// Identities returns every identity with at least one subscriber.
func (registry *SubscriberRegistry) Identities() []event.Identity {
	if registry == nil {
		return nil
	}

	identities := make([]event.Identity, 0, len(registry.subscribers))
	for identity := range registry.subscribers {
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
