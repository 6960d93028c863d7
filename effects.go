package webcom

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Effects
// ============================================================================

// Mutation is a whole-value write (or delete) of one store key.
type Mutation struct {
	Key    string
	Value  string
	Delete bool
}

// Event is a UI state update produced by a reconciliation step.
type Event interface {
	// Name is the listener key used by Client.On.
	Name() string
	isEvent()
}

type (
	// HangoutsUpdated replaces the hangout list.
	HangoutsUpdated struct{ Hangouts []Hangout }
	// MessagesUpdated replaces the visible message list of Peer.
	MessagesUpdated struct {
		Peer     string
		Messages []Message
	}
	// UnreadUpdated replaces the unread list. An empty list means the key was deleted.
	UnreadUpdated struct{ Hangouts []Hangout }
	// OfflineHangoutsUpdated replaces the offline queue.
	OfflineHangoutsUpdated struct{ Hangouts []Hangout }
	// HangoutSelected syncs the focused hangout.
	HangoutSelected struct{ Hangout Hangout }
	// HangoutCleared drops the focused pointer only.
	HangoutCleared struct{}
	// PendingCreated records an outbound command in flight.
	PendingCreated struct{ Pending PendingHangout }
	// PendingCleared is emitted once the command for Peer is acknowledged.
	PendingCleared struct{ Peer string }
	// Navigate asks the UI to show Route.
	Navigate struct{ Route string }
)

func (HangoutsUpdated) Name() string        { return "hangouts.updated" }
func (MessagesUpdated) Name() string        { return "messages.updated" }
func (UnreadUpdated) Name() string          { return "unread.updated" }
func (OfflineHangoutsUpdated) Name() string { return "offline.updated" }
func (HangoutSelected) Name() string        { return "hangout.selected" }
func (HangoutCleared) Name() string         { return "hangout.cleared" }
func (PendingCreated) Name() string         { return "pending.created" }
func (PendingCleared) Name() string         { return "pending.cleared" }
func (Navigate) Name() string               { return "navigate" }

func (HangoutsUpdated) isEvent()        {}
func (MessagesUpdated) isEvent()        {}
func (UnreadUpdated) isEvent()          {}
func (OfflineHangoutsUpdated) isEvent() {}
func (HangoutSelected) isEvent()        {}
func (HangoutCleared) isEvent()         {}
func (PendingCreated) isEvent()         {}
func (PendingCleared) isEvent()         {}
func (Navigate) isEvent()               {}

// RouteFor returns the UI route named after a state.
func RouteFor(s HangoutState) string { return "/" + string(s) }

// Effects is the output of a reconciliation step: mutations are applied
// first, then events are emitted.
type Effects struct {
	Mutations []Mutation
	Events    []Event
}

func (e *Effects) put(key string, v any) {
	data, _ := json.Marshal(v)
	e.Mutations = append(e.Mutations, Mutation{Key: key, Value: string(data)})
}

func (e *Effects) remove(key string) {
	e.Mutations = append(e.Mutations, Mutation{Key: key, Delete: true})
}

func (e *Effects) emit(ev Event) {
	e.Events = append(e.Events, ev)
}

// Append concatenates other after e.
func (e *Effects) Append(other Effects) {
	e.Mutations = append(e.Mutations, other.Mutations...)
	e.Events = append(e.Events, other.Events...)
}

// Empty reports whether there is nothing to apply.
func (e Effects) Empty() bool {
	return len(e.Mutations) == 0 && len(e.Events) == 0
}

// ============================================================================
// Runner
// ============================================================================

// EventSink receives events after their mutations were written.
type EventSink interface {
	Handle(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Handle(ev Event) { f(ev) }

// Runner applies Effects to a store and fans events out to sinks.
type Runner struct {
	store  KeyValueStore
	sinks  []EventSink
	logger *slog.Logger
}

// NewRunner creates a runner writing to store.
func NewRunner(store KeyValueStore, logger *slog.Logger, sinks ...EventSink) *Runner {
	return &Runner{store: store, sinks: sinks, logger: noopIfNil(logger)}
}

// Apply writes every mutation in order and then emits every event. A failed
// write aborts before any event is emitted.
func (r *Runner) Apply(e Effects) error {
	for _, m := range e.Mutations {
		var err error
		if m.Delete {
			err = r.store.Remove(m.Key)
		} else {
			err = r.store.Set(m.Key, m.Value)
		}
		if err != nil {
			return fmt.Errorf("apply mutation %s: %w", m.Key, err)
		}
	}
	for _, ev := range e.Events {
		r.logger.Debug("event", "name", ev.Name())
		for _, s := range r.sinks {
			s.Handle(ev)
		}
	}
	return nil
}

// ============================================================================
// Listener registry
// ============================================================================

// EventHandler handles events registered by name.
type EventHandler func(name string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers a handler. Use "*" to receive every event.
func (e *emitter) On(name string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], handler)
}

func (e *emitter) emit(name string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler{}, e.listeners[name]...)
	handlers = append(handlers, e.listeners["*"]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(name, payload)
		}()
	}
}

// Handle lets the emitter act as an EventSink.
func (e *emitter) Handle(ev Event) {
	e.emit(ev.Name(), ev)
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
