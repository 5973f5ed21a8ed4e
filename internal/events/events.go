// Package events provides the in-process publish/subscribe bus used for
// engine lifecycle and platform events.
package events

import (
	"log/slog"
	"strings"
	"sync"
)

// HandlerFunc receives the triggered event name and its payload. The name is
// passed so one handler can subscribe to several events and tell them apart.
type HandlerFunc func(event string, payload any)

// Bus is a synchronous fan-out event bus. Handlers run in registration order
// on the triggering goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]HandlerFunc)}
}

// On registers fn for one or more events. names is a single event name or a
// comma-separated list; each listed name is an independent registration.
func (b *Bus) On(names string, fn HandlerFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		b.handlers[name] = append(b.handlers[name], fn)
		slog.Debug("Bus handler registered", "event", name)
	}
}

// Trigger fires all handlers registered for name and returns how many ran.
func (b *Bus) Trigger(name string, payload any) int {
	b.mu.RLock()
	registered := b.handlers[name]
	handlers := make([]HandlerFunc, len(registered))
	copy(handlers, registered)
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(name, payload)
	}
	if len(handlers) > 0 {
		slog.Debug("Bus event triggered", "event", name, "handlers", len(handlers))
	}
	return len(handlers)
}
