package transfer

import (
	"sync"
	"time"

	"badgexfer/internal/protocol"
)

// mockTransport records every packet the engine sends.
type mockTransport struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	sendErr   error
}

func newMockTransport() *mockTransport {
	return &mockTransport{connected: true}
}

func (m *mockTransport) Send(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, append([]byte(nil), packet...))
	return m.sendErr
}

func (m *mockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) packets() []protocol.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Packet, 0, len(m.sent))
	for _, raw := range m.sent {
		p, err := protocol.Decode(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

func (m *mockTransport) last() protocol.Packet {
	ps := m.packets()
	if len(ps) == 0 {
		return protocol.Packet{}
	}
	return ps[len(ps)-1]
}

func (m *mockTransport) count(t protocol.Type) int {
	n := 0
	for _, p := range m.packets() {
		if p.Type == t {
			n++
		}
	}
	return n
}

func (m *mockTransport) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// recordingObserver keeps every notification in order.
type recordingObserver struct {
	mu       sync.Mutex
	states   []StateKind
	progress []float64
	finished int
	failures []error
}

func (r *recordingObserver) OnStateChanged(s StateKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingObserver) OnProgress(ratio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, ratio)
}

func (r *recordingObserver) OnFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recordingObserver) OnFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recordingObserver) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished + len(r.failures)
}

// mockClock fires timers only when the test says so.
type mockClock struct {
	mu     sync.Mutex
	timers []*mockTimer
}

type mockTimer struct {
	clock   *mockClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *mockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// fire runs the most recent pending timer and reports whether one existed.
func (c *mockClock) fire() bool {
	c.mu.Lock()
	var pending *mockTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if t := c.timers[i]; !t.stopped && !t.fired {
			pending = t
			break
		}
	}
	if pending != nil {
		pending.fired = true
	}
	c.mu.Unlock()

	if pending == nil {
		return false
	}
	pending.f()
	return true
}

func (c *mockClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func raw(p protocol.Packet) []byte { return protocol.Encode(p) }
