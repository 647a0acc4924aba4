// Package scope tracks short-lived resources a plugin UI creates (timers,
// event listeners, websockets, in-flight HTTP calls) and releases all of
// them exactly once when the plugin process shuts down.
//
// A Manager lives as long as the plugin process. UI mounts register into it
// and may unregister individual resources, but unmounting never triggers
// Cleanup; only a full shutdown does.
package scope

import (
	"net/http"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Handle identifies a managed resource. Handles are unique per Manager.
type Handle uint64

// Handler is a cleanup callback run once during Cleanup.
type Handler interface {
	Cleanup() error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func() error

func (f HandlerFunc) Cleanup() error { return f() }

// Options configures a Manager.
type Options struct {
	Logger hclog.Logger
	// HTTPClient is used by ManagedFetch. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// CloseTimeout bounds writing the close frame to each socket.
	CloseTimeout time.Duration
}

// Stats is a snapshot of how many resources are tracked.
type Stats struct {
	Intervals    int  `json:"intervals"`
	Timeouts     int  `json:"timeouts"`
	Listeners    int  `json:"listeners"`
	Sockets      int  `json:"sockets"`
	Handlers     int  `json:"handlers"`
	ShuttingDown bool `json:"shutting_down"`
}

// Manager is the registry of managed resources for one plugin.
type Manager struct {
	logger       hclog.Logger
	client       *http.Client
	closeTimeout time.Duration

	ids          atomic.Uint64
	shuttingDown atomic.Bool
	done         chan struct{}

	intervals cmap.ConcurrentMap[Handle, *Timer]
	timeouts  cmap.ConcurrentMap[Handle, *Timer]
	listeners cmap.ConcurrentMap[Handle, *Listener]
	sockets   cmap.ConcurrentMap[Handle, *Socket]

	mu       sync.Mutex
	handlers map[interface{}]*Registration
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = time.Second
	}

	return &Manager{
		logger:       opts.Logger.Named("scope"),
		client:       opts.HTTPClient,
		closeTimeout: opts.CloseTimeout,
		done:         make(chan struct{}),
		intervals:    newRegistry[*Timer](),
		timeouts:     newRegistry[*Timer](),
		listeners:    newRegistry[*Listener](),
		sockets:      newRegistry[*Socket](),
		handlers:     make(map[interface{}]*Registration),
	}
}

func newRegistry[V any]() cmap.ConcurrentMap[Handle, V] {
	return cmap.NewWithCustomShardingFunction[Handle, V](func(h Handle) uint32 {
		return uint32(h) ^ uint32(h>>32)
	})
}

func (m *Manager) nextHandle() Handle {
	return Handle(m.ids.Add(1))
}

// track inserts v into reg unless cleanup has started. Resources registered
// after that point keep working but are not released by Cleanup.
func track[V any](m *Manager, reg cmap.ConcurrentMap[Handle, V], h Handle, v V) bool {
	if m.shuttingDown.Load() {
		m.logger.Debug("cleanup already started, resource not tracked", "handle", h)
		return false
	}
	reg.Set(h, v)
	if m.shuttingDown.Load() {
		reg.Remove(h)
		return false
	}
	return true
}

// Registration is a cleanup handler entry.
type Registration struct {
	id      Handle
	key     interface{}
	handler Handler
	m       *Manager
}

// Cancel removes the handler without running it. Cancelling twice, or
// after Cleanup, is a no-op.
func (r *Registration) Cancel() {
	if r == nil || r.m == nil {
		return
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if current, ok := r.m.handlers[r.key]; ok && current == r {
		delete(r.m.handlers, r.key)
	}
}

// OnCleanup registers h to run during Cleanup. Registering the same handler
// value again returns the existing registration. Handlers whose dynamic
// type is not comparable (such as HandlerFunc) cannot be matched and are
// tracked individually.
func (m *Manager) OnCleanup(h Handler) *Registration {
	if h == nil {
		return &Registration{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reg := &Registration{id: m.nextHandle(), handler: h, m: m}
	reg.key = reg
	if reflect.TypeOf(h).Comparable() {
		reg.key = h
		if existing, ok := m.handlers[h]; ok {
			return existing
		}
	}

	if m.shuttingDown.Load() {
		m.logger.Debug("cleanup already started, handler not tracked", "handle", reg.id)
		return &Registration{}
	}
	m.handlers[reg.key] = reg
	return reg
}

// OnCleanupFunc registers fn to run during Cleanup. Funcs are not
// comparable, so registering the same fn twice runs it twice; callers that
// need set semantics should pass a comparable Handler (a pointer type, for
// example) to OnCleanup instead.
func (m *Manager) OnCleanupFunc(fn func() error) *Registration {
	if fn == nil {
		return &Registration{}
	}
	return m.OnCleanup(HandlerFunc(fn))
}

// ShuttingDown reports whether Cleanup has been triggered.
func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Done is closed once Cleanup has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stats returns the current registry sizes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	handlers := len(m.handlers)
	m.mu.Unlock()

	return Stats{
		Intervals:    m.intervals.Count(),
		Timeouts:     m.timeouts.Count(),
		Listeners:    m.listeners.Count(),
		Sockets:      m.sockets.Count(),
		Handlers:     handlers,
		ShuttingDown: m.shuttingDown.Load(),
	}
}

// Cleanup releases every tracked resource. Only the first call has any
// effect; later calls, including ones made from inside a cleanup handler,
// return immediately. Timers and listeners go first, then sockets, then
// cleanup handlers in registration order. Handler failures are logged and
// do not stop the rest.
func (m *Manager) Cleanup() {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	defer close(m.done)

	start := time.Now()
	m.logger.Debug("cleaning up managed resources",
		"intervals", m.intervals.Count(),
		"timeouts", m.timeouts.Count(),
		"listeners", m.listeners.Count(),
		"sockets", m.sockets.Count())

	for _, t := range drain(m.intervals) {
		t.stop()
	}
	for _, t := range drain(m.timeouts) {
		t.stop()
	}
	for _, l := range drain(m.listeners) {
		l.unbind()
	}
	for _, s := range drain(m.sockets) {
		s.closeWith(closeReasonShutdown)
	}

	m.mu.Lock()
	regs := make([]*Registration, 0, len(m.handlers))
	for _, reg := range m.handlers {
		regs = append(regs, reg)
	}
	m.handlers = make(map[interface{}]*Registration)
	m.mu.Unlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })
	failed := 0
	for _, reg := range regs {
		if !m.runHandler(reg) {
			failed++
		}
	}

	m.logger.Info("managed resources released",
		"handlers", len(regs),
		"failed", failed,
		"duration", time.Since(start))
}

func (m *Manager) runHandler(reg *Registration) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cleanup handler panicked", "handle", reg.id, "panic", r)
			ok = false
		}
	}()

	if err := reg.handler.Cleanup(); err != nil {
		m.logger.Error("cleanup handler failed", "handle", reg.id, "error", err)
		return false
	}
	return true
}

// invoke runs a timer or listener callback, containing panics.
func (m *Manager) invoke(kind string, h Handle, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("managed callback panicked", "kind", kind, "handle", h, "panic", r)
		}
	}()
	fn()
}

func drain[V any](reg cmap.ConcurrentMap[Handle, V]) []V {
	keys := reg.Keys()
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		if v, ok := reg.Pop(k); ok {
			out = append(out, v)
		}
	}
	return out
}
