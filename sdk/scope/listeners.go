package scope

import (
	"sync"
	"sync/atomic"
)

// AnyEvent subscribes an Emitter listener to every event.
const AnyEvent = "*"

// Event is what listeners receive.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler receives events.
type EventHandler func(Event)

// ListenerOptions mirrors the options a UI passes when subscribing.
type ListenerOptions struct {
	Once bool
}

// EventTarget is anything a listener can be attached to. The returned
// function detaches the listener and must be safe to call more than once.
type EventTarget interface {
	AddEventListener(event string, handler EventHandler, opts ListenerOptions) (remove func())
}

// Listener is a managed event subscription.
type Listener struct {
	id     Handle
	target EventTarget
	event  string
	opts   ListenerOptions

	once   sync.Once
	remove func()
}

// Handle returns the listener's handle.
func (l *Listener) Handle() Handle {
	if l == nil {
		return 0
	}
	return l.id
}

// Event returns the subscribed event name.
func (l *Listener) Event() string {
	return l.event
}

func (l *Listener) unbind() {
	l.once.Do(func() {
		if l.remove != nil {
			l.remove()
		}
	})
}

// AddManagedEventListener attaches handler to target and tracks it so
// Cleanup detaches it. Handler panics are logged, not propagated to the
// target.
func (m *Manager) AddManagedEventListener(target EventTarget, event string, handler EventHandler, opts ListenerOptions) *Listener {
	l := &Listener{id: m.nextHandle(), target: target, event: event, opts: opts}
	if target == nil || handler == nil {
		return l
	}

	l.remove = target.AddEventListener(event, func(ev Event) {
		if opts.Once {
			m.listeners.Remove(l.id)
		}
		m.invoke("listener", l.id, func() { handler(ev) })
	}, opts)
	track(m, m.listeners, l.id, l)
	return l
}

// RemoveManagedEventListener detaches l. Safe with nil or already removed
// listeners.
func (m *Manager) RemoveManagedEventListener(l *Listener) {
	if l == nil {
		return
	}
	m.listeners.Remove(l.id)
	l.unbind()
}

// Emitter is an in-process EventTarget. Listeners registered for AnyEvent
// receive every event.
type Emitter struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[string]map[uint64]*emitterEntry
}

type emitterEntry struct {
	handler EventHandler
	once    bool
	fired   atomic.Bool
}

// NewEmitter creates an Emitter with no listeners.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string]map[uint64]*emitterEntry)}
}

// AddEventListener implements EventTarget.
func (e *Emitter) AddEventListener(event string, handler EventHandler, opts ListenerOptions) func() {
	e.mu.Lock()
	e.next++
	id := e.next
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[uint64]*emitterEntry)
	}
	e.listeners[event][id] = &emitterEntry{handler: handler, once: opts.Once}
	e.mu.Unlock()

	return func() { e.remove(event, id) }
}

func (e *Emitter) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners[event], id)
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// Emit delivers an event to its listeners and returns how many ran.
// Handlers run on the caller's goroutine without the emitter lock held.
func (e *Emitter) Emit(event string, payload interface{}) int {
	type target struct {
		key   string
		id    uint64
		entry *emitterEntry
	}

	e.mu.RLock()
	var targets []target
	for _, key := range []string{event, AnyEvent} {
		for id, entry := range e.listeners[key] {
			targets = append(targets, target{key: key, id: id, entry: entry})
		}
		if event == AnyEvent {
			break
		}
	}
	e.mu.RUnlock()

	ev := Event{Name: event, Payload: payload}
	delivered := 0
	for _, t := range targets {
		if t.entry.once {
			if !t.entry.fired.CompareAndSwap(false, true) {
				continue
			}
			e.remove(t.key, t.id)
		}
		t.entry.handler(ev)
		delivered++
	}
	return delivered
}

// ListenerCount returns how many listeners are attached for event,
// not counting AnyEvent subscribers.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}
