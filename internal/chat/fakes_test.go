package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	dest string
	body []byte
}

type fakeTransport struct {
	mu         sync.Mutex
	subscribed []string
	published  []published
	closed     bool
	publishErr error

	onMessage func([]byte)
	onClose   func(error)
}

func (t *fakeTransport) Subscribe(_ context.Context, dest string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed = append(t.subscribed, dest)
	return nil
}

func (t *fakeTransport) Publish(_ context.Context, dest string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, published{dest: dest, body: body})
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sent() []published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]published(nil), t.published...)
}

// deliver simulates an inbound MESSAGE frame.
func (t *fakeTransport) deliver(body string) { t.onMessage([]byte(body)) }

// drop simulates the server going away.
func (t *fakeTransport) drop(err error) { t.onClose(err) }

// fakeDialer hands out fakeTransports. Errors queued in failures are returned by the next dials,
// one per dial; gate, when set, holds every dial until it is closed.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failures   []error
	failAll    error
	gate       chan struct{}
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, onMessage func([]byte), onClose func(error)) (Transport, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	var err error
	if len(d.failures) > 0 {
		err, d.failures = d.failures[0], d.failures[1:]
	} else if d.failAll != nil {
		err = d.failAll
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	t := &fakeTransport{onMessage: onMessage, onClose: onClose}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) setFailAll(err error) {
	d.mu.Lock()
	d.failAll = err
	d.mu.Unlock()
}

// fakeClock records scheduled retries; tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// pending returns the timers that are neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every pending timer and returns how many ran.
func (c *fakeClock) fire() int {
	ts := c.pending()
	c.mu.Lock()
	for _, t := range ts {
		t.fired = true
	}
	c.mu.Unlock()
	for _, t := range ts {
		t.f()
	}
	return len(ts)
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, d Dialer, opts Options) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	opts.Dialer = d
	opts.after = clock.AfterFunc
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = FixedPolicy(3, time.Second)
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m, clock
}

func waitOpen(t *testing.T, m *Manager, identity string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.WaitOpen(ctx, identity); err != nil {
		t.Fatalf("WaitOpen(%s): %v", identity, err)
	}
}

// hubCount returns the number of identities with a live hub.
func (m *Manager) hubCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}
