package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultDialTimeout = 15 * time.Second
	DefaultSendLimit   = rate.Limit(10)
	DefaultSendBurst   = 20
)

// Hooks observe session lifecycle. They run on the goroutine that caused the change, after the
// session lock is released, and may call back into the Manager.
type Hooks struct {
	OnOpen        func(identity string)
	OnClose       func(identity string, err error)
	OnError       func(identity string, err error)
	OnStateChange func(identity string, from, to State)
}

type Options struct {
	Dialer        Dialer
	Policy        Policy       // zero value means DefaultPolicy
	Destinations  Destinations // zero value means DefaultDestinations
	DedupCapacity int
	SendLimit     rate.Limit // sends per second per session; zero means DefaultSendLimit
	SendBurst     int
	DialTimeout   time.Duration
	Hooks         Hooks
	Logger        *slog.Logger
	Metrics       *Metrics // optional

	after afterFunc
}

// Manager is the entry point for UI surfaces. It keeps one session per identity and one fan-out
// hub per identity; hubs outlive sessions so subscribers survive Reconnect. No method returns a
// transport error or panics: outcomes are visible through Status and Send's result.
type Manager struct {
	deps     sessionDeps
	logger   *slog.Logger
	registry *Registry

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Destinations == (Destinations{}) {
		opts.Destinations = DefaultDestinations()
	}
	if opts.SendLimit == 0 {
		opts.SendLimit = DefaultSendLimit
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = DefaultSendBurst
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.after == nil {
		opts.after = realAfterFunc
	}

	m := &Manager{
		logger:   opts.Logger,
		registry: NewRegistry(),
		hubs:     make(map[string]*Hub),
	}
	m.deps = sessionDeps{
		dialer:        opts.Dialer,
		policy:        opts.Policy,
		dest:          opts.Destinations,
		hooks:         opts.Hooks,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		after:         opts.after,
		dialTimeout:   opts.DialTimeout,
		sendLimit:     opts.SendLimit,
		sendBurst:     opts.SendBurst,
		dedupCapacity: opts.DedupCapacity,
		release: func(identity string, s *Session) {
			m.registry.Release(identity, s)
		},
	}
	return m
}

// Registry exposes the session registry for inspection.
func (m *Manager) Registry() *Registry { return m.registry }

// hubLocked must be called with m.mu held.
func (m *Manager) hubLocked(identity string) *Hub {
	h, ok := m.hubs[identity]
	if !ok {
		h = NewHub(identity, m.logger, m.deps.metrics)
		m.hubs[identity] = h
	}
	return h
}

// pruneHub forgets identity's hub once it has no subscribers and no session uses it.
func (m *Manager) pruneHub(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[identity]; ok && h.Len() == 0 && m.registry.Get(identity) == nil {
		delete(m.hubs, identity)
	}
}

// acquire returns identity's session, creating it if needed, or nil once the Manager is closed.
func (m *Manager) acquire(identity string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	hub := m.hubLocked(identity)
	s, created := m.registry.Acquire(identity, func() *Session {
		return newSession(identity, hub, m.deps)
	})
	if created {
		m.logger.Debug("session created", "identity", identity)
	}
	return s
}

// Connect ensures a session exists for identity and is open or on its way there. It never
// blocks: an open, connecting, retrying or failed session is left alone.
func (m *Manager) Connect(identity string) {
	if identity == "" {
		m.logger.Warn("connect ignored: empty identity")
		return
	}
	// A concurrent Reconnect or Disconnect may tear the session down before it sees the
	// connect; acquire a fresh one in that case.
	for range 2 {
		s := m.acquire(identity)
		if s == nil {
			return
		}
		s.dispatch(event{Kind: evConnect})
		if !s.isClosed() {
			return
		}
	}
	m.logger.Debug("connect raced with teardown", "identity", identity)
}

// Send forwards env through the session of env.SenderID. It reports false when that session is
// not open or the transport rejected the frame; it never retries.
func (m *Manager) Send(ctx context.Context, env Envelope) bool {
	s := m.registry.Get(env.SenderID)
	if s == nil {
		m.deps.metrics.sent(sendNotOpen)
		m.logger.Debug("send rejected: no session", "identity", env.SenderID)
		return false
	}
	return s.Send(ctx, env)
}

// OnMessage subscribes h to envelopes delivered to identity. The returned function unsubscribes.
// Unsubscribing does not close the session; see Disconnect.
func (m *Manager) OnMessage(identity string, h Handler) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubLocked(identity).Subscribe(h)
}

// Status projects the state of identity's session. No session reads as idle.
func (m *Manager) Status(identity string) Status {
	s := m.registry.Get(identity)
	if s == nil {
		return StatusOf(StateIdle)
	}
	return StatusOf(s.State())
}

// Reconnect tears down any session for identity, cancelling a pending retry and resetting the
// attempt count, then connects afresh.
func (m *Manager) Reconnect(identity string) {
	m.logger.Info("manual reconnect", "identity", identity)
	if s := m.registry.Remove(identity); s != nil {
		s.teardown()
	}
	m.Connect(identity)
}

// Disconnect tears down identity's session, for logout or identity change. Subscribers stay
// registered and receive envelopes again after the next Connect; a hub nobody subscribes to is
// dropped.
func (m *Manager) Disconnect(identity string) {
	if s := m.registry.Remove(identity); s != nil {
		s.teardown()
	}
	m.pruneHub(identity)
}

// Close tears down every session. Later Connect calls are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, id := range m.registry.Identities() {
		m.Disconnect(id)
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.hubs))
	for id := range m.hubs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.pruneHub(id)
	}
}

// WaitOpen blocks until identity's session is open. It returns the failure cause if the session
// fails, ErrNoSession if there is none or it is torn down, or ctx's error.
func (m *Manager) WaitOpen(ctx context.Context, identity string) error {
	s := m.registry.Get(identity)
	if s == nil {
		return ErrNoSession
	}
	return s.WaitOpen(ctx)
}
