package scope

import (
	"sync"
	"time"
)

// minInterval is the shortest period SetManagedInterval accepts.
const minInterval = time.Millisecond

// Timer is a managed interval or timeout.
type Timer struct {
	id       Handle
	interval bool

	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
	stopCh  chan struct{}
}

// Handle returns the timer's handle.
func (t *Timer) Handle() Handle {
	if t == nil {
		return 0
	}
	return t.id
}

// stop prevents any further firing. It reports whether the timer was still
// live.
func (t *Timer) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stopCh != nil {
		close(t.stopCh)
	}
	return true
}

func (t *Timer) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// SetManagedInterval calls fn every d until the interval is cleared or the
// Manager is cleaned up. Once cleared, fn is never called again.
func (m *Manager) SetManagedInterval(fn func(), d time.Duration) *Timer {
	if d < minInterval {
		d = minInterval
	}

	t := &Timer{id: m.nextHandle(), interval: true, stopCh: make(chan struct{})}
	track(m, m.intervals, t.id, t)

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				if !t.live() {
					return
				}
				m.invoke("interval", t.id, fn)
			}
		}
	}()
	return t
}

// SetManagedTimeout calls fn once after d. A fired timeout drops out of the
// registry on its own.
func (m *Manager) SetManagedTimeout(fn func(), d time.Duration) *Timer {
	t := &Timer{id: m.nextHandle()}
	track(m, m.timeouts, t.id, t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return t
	}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.stopped = true
		t.mu.Unlock()

		m.timeouts.Remove(t.id)
		m.invoke("timeout", t.id, fn)
	})
	return t
}

// ClearManagedInterval stops t and removes it from the registry. It is safe
// to call with nil, with an already cleared timer, or with a timer that was
// never tracked. It does not wait for a callback that is already running,
// so that callback may finish after Clear returns; no later tick calls fn.
// A callback may clear its own timer.
func (m *Manager) ClearManagedInterval(t *Timer) {
	m.clearTimer(t)
}

// ClearManagedTimeout is ClearManagedInterval for timeouts.
func (m *Manager) ClearManagedTimeout(t *Timer) {
	m.clearTimer(t)
}

func (m *Manager) clearTimer(t *Timer) {
	if t == nil {
		return
	}
	t.stop()
	if t.interval {
		m.intervals.Remove(t.id)
	} else {
		m.timeouts.Remove(t.id)
	}
}
