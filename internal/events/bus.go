// Package events implements the fire-and-forget lifecycle notification
// surface described in spec §6/§9: a fan-out to a fixed set of
// subscriber callables, each invocation independently guarded so a
// panicking or erroring listener can never affect the core.
package events

import (
	"fmt"
	"sync"

	"github.com/corelock/jobrunner/internal/common"
	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/storeerr"
)

// Bus fans typed events out to registered listeners. It is the core's
// only notification mechanism — no dynamic stringly-typed listener bag
// is needed because the event union is fixed (models.EventType).
type Bus struct {
	mu        sync.RWMutex
	listeners []interfaces.Listener
	logger    *common.Logger
}

// NewBus constructs an empty Bus.
func NewBus(logger *common.Logger) *Bus {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a listener. Safe to call concurrently with Emit.
func (b *Bus) Subscribe(l interfaces.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Emit delivers ev to every listener. Each listener is invoked under an
// independent recover() guard; a panic or error is caught and re-emitted
// as a scheduler:error event rather than propagating into the caller.
// Listeners are called synchronously, one after another, so a slow
// listener delays Emit — listeners are expected to do their own
// buffering/async dispatch if needed (see Bridge for the WebSocket
// relay's non-blocking broadcast pattern).
func (b *Bus) Emit(ev models.Event) {
	b.mu.RLock()
	listeners := make([]interfaces.Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.guard(l, ev)
	}
}

func (b *Bus) guard(l interfaces.Listener, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Interface("recovered", r).Msg("event listener panicked")
			if ev.Type != models.EventSchedulerError {
				b.emitListenerError(&storeerr.ListenerError{Cause: fmt.Errorf("listener panic: %v", r)})
			}
		}
	}()
	l(ev)
}

func (b *Bus) emitListenerError(cause error) {
	b.mu.RLock()
	listeners := make([]interfaces.Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	errEvent := models.Event{Type: models.EventSchedulerError, Err: cause, Message: cause.Error()}
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn().Interface("recovered", r).Msg("scheduler:error listener also panicked, dropping")
				}
			}()
			l(errEvent)
		}()
	}
}
