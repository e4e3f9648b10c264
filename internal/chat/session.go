package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type eventKind int

const (
	evConnect eventKind = iota
	evOpened
	evHandshakeFailed
	evDropped
	evRetryDue
	evTeardown
	evClosed
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evOpened:
		return "opened"
	case evHandshakeFailed:
		return "handshake_failed"
	case evDropped:
		return "dropped"
	case evRetryDue:
		return "retry_due"
	case evTeardown:
		return "teardown"
	case evClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// event is one lifecycle input of the session state machine. Gen ties transport and timer
// events to the dial or retry that produced them; events from an older generation are ignored.
type event struct {
	Kind      eventKind
	Gen       uint64
	Transport Transport // evOpened
	Err       error     // evHandshakeFailed, evDropped
}

// errDialSuperseded ends a dial whose session was torn down or redialed meanwhile.
var errDialSuperseded = errors.New("dial superseded")

type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// sessionDeps is what a Session borrows from its Manager.
type sessionDeps struct {
	dialer        Dialer
	policy        Policy
	dest          Destinations
	hooks         Hooks
	logger        *slog.Logger
	metrics       *Metrics
	after         afterFunc
	dialTimeout   time.Duration
	sendLimit     rate.Limit
	sendBurst     int
	dedupCapacity int
	release       func(identity string, s *Session)
}

// Session owns at most one transport for one identity and drives it through
// Idle → Connecting → Open, recovering drops per the reconnection policy.
type Session struct {
	identity string
	deps     sessionDeps
	logger   *slog.Logger
	hub      *Hub
	dedup    *Deduper
	limiter  *rate.Limiter

	mu            sync.Mutex
	state         State
	gen           uint64
	attempts      int
	inflight      bool
	retryPending  bool
	retryTimer    timer
	dialCancel    context.CancelFunc
	transport     Transport
	subscriptions []string
	pendingDrop   error
	lastErr       error
	closed        bool
	changed       chan struct{}
}

func newSession(identity string, hub *Hub, deps sessionDeps) *Session {
	return &Session{
		identity: identity,
		deps:     deps,
		logger:   deps.logger.With("identity", identity),
		hub:      hub,
		dedup:    NewDeduper(deps.dedupCapacity),
		limiter:  rate.NewLimiter(deps.sendLimit, deps.sendBurst),
		changed:  make(chan struct{}),
	}
}

func (s *Session) Identity() string { return s.identity }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of retries used since the last successful open.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Subscriptions returns the destinations the open transport is subscribed to.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscriptions...)
}

// current reports whether gen is the live generation of a session that was not torn down.
func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && !s.closed
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// dispatch feeds ev through the state machine and then runs the resulting side effects with the
// session unlocked.
func (s *Session) dispatch(ev event) {
	s.logger.Debug("session event", "kind", ev.Kind, "gen", ev.Gen)
	s.mu.Lock()
	var fx effects
	s.transition(ev, &fx)
	s.mu.Unlock()
	fx.run()
}

type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// transition must be called with s.mu held.
func (s *Session) transition(ev event, fx *effects) {
	switch ev.Kind {
	case evConnect:
		if s.closed || s.inflight || s.retryPending || s.state != StateIdle {
			return
		}
		s.beginDial(fx)

	case evOpened:
		if ev.Gen != s.gen || s.state != StateConnecting {
			t := ev.Transport
			fx.add(func() { t.Close() })
			return
		}
		s.inflight = false
		s.dialCancel = nil
		if s.pendingDrop != nil {
			err := s.pendingDrop
			s.pendingDrop = nil
			t := ev.Transport
			fx.add(func() { t.Close() })
			s.handshakeFailed(fmt.Errorf("%w: %w", ErrHandshake, err), fx)
			return
		}
		s.attempts = 0
		s.lastErr = nil
		s.transport = ev.Transport
		s.subscriptions = []string{s.deps.dest.InboundFor(s.identity)}
		s.setState(StateOpen, fx)
		s.deps.metrics.opened()
		s.logger.Info("chat session open")
		if h := s.deps.hooks.OnOpen; h != nil {
			id := s.identity
			fx.add(func() { h(id) })
		}

	case evHandshakeFailed:
		if ev.Gen != s.gen || s.state != StateConnecting {
			return
		}
		s.inflight = false
		s.dialCancel = nil
		s.pendingDrop = nil
		s.handshakeFailed(ev.Err, fx)

	case evDropped:
		if ev.Gen != s.gen {
			return
		}
		switch s.state {
		case StateConnecting:
			s.pendingDrop = ev.Err
		case StateOpen:
			t := s.transport
			s.transport = nil
			s.subscriptions = nil
			s.lastErr = ev.Err
			s.deps.metrics.leftOpen()
			s.deps.metrics.transportDropped()
			s.logger.Warn("chat transport dropped", "attempt", s.attempts, "err", ev.Err)
			fx.add(func() { t.Close() })
			if h := s.deps.hooks.OnClose; h != nil {
				id, err := s.identity, ev.Err
				fx.add(func() { h(id, err) })
			}
			s.retryOrFail(ev.Err, fx)
		}

	case evRetryDue:
		if ev.Gen != s.gen || !s.retryPending || s.closed {
			return
		}
		s.retryPending = false
		s.retryTimer = nil
		s.beginDial(fx)

	case evTeardown:
		if s.closed {
			return
		}
		s.closed = true
		s.gen++
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		if s.dialCancel != nil {
			s.dialCancel()
			s.dialCancel = nil
		}
		s.retryPending = false
		s.inflight = false
		s.attempts = 0
		s.pendingDrop = nil
		s.subscriptions = nil
		t := s.transport
		s.transport = nil
		if s.state == StateOpen {
			s.deps.metrics.leftOpen()
			s.setState(StateClosing, fx)
		} else {
			s.setState(StateIdle, fx)
		}
		s.logger.Info("chat session torn down")
		if t != nil {
			fx.add(func() { t.Close() })
		}
		if release := s.deps.release; release != nil {
			fx.add(func() { release(s.identity, s) })
		}
		fx.add(func() { s.dispatch(event{Kind: evClosed}) })

	case evClosed:
		if s.state == StateClosing {
			s.setState(StateIdle, fx)
		}
	}
}

// beginDial starts a new handshake generation.
func (s *Session) beginDial(fx *effects) {
	s.gen++
	s.inflight = true
	s.setState(StateConnecting, fx)
	gen, retry := s.gen, s.attempts > 0
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.dialTimeout)
	s.dialCancel = cancel
	s.logger.Debug("dialing", "gen", gen, "attempt", s.attempts)
	fx.add(func() { go s.dial(ctx, cancel, gen, retry) })
}

// handshakeFailed handles a failure before open. The first dial fails terminally; a failed
// scheduled retry consumes another attempt.
func (s *Session) handshakeFailed(err error, fx *effects) {
	s.lastErr = err
	if s.attempts > 0 {
		s.logger.Warn("reconnect handshake failed", "attempt", s.attempts, "err", err)
		s.retryOrFail(err, fx)
		return
	}
	s.setState(StateFailed, fx)
	s.deps.metrics.failed("handshake")
	s.logger.Error("chat handshake failed", "err", err)
	if h := s.deps.hooks.OnError; h != nil {
		id := s.identity
		fx.add(func() { h(id, err) })
	}
}

// retryOrFail schedules the next reconnect or, when the policy is exhausted, fails the session.
func (s *Session) retryOrFail(cause error, fx *effects) {
	if s.deps.policy.Exhausted(s.attempts) {
		err := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.attempts, cause)
		s.lastErr = err
		s.setState(StateFailed, fx)
		s.deps.metrics.failed("exhausted")
		s.logger.Error("chat session failed", "attempts", s.attempts, "err", cause)
		if h := s.deps.hooks.OnError; h != nil {
			id := s.identity
			fx.add(func() { h(id, err) })
		}
		return
	}
	delay := s.deps.policy.Delay(s.attempts)
	s.attempts++
	s.setState(StateIdle, fx)
	s.retryPending = true
	gen := s.gen
	s.retryTimer = s.deps.after(delay, func() {
		s.dispatch(event{Kind: evRetryDue, Gen: gen})
	})
	s.deps.metrics.retried()
	s.logger.Info("reconnect scheduled", "attempt", s.attempts, "delay", delay)
}

// setState records a legal move and wakes WaitOpen callers. Illegal moves are logged and ignored.
func (s *Session) setState(to State, fx *effects) {
	from := s.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		s.logger.Error("illegal state transition", "from", from, "to", to)
		return
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	s.logger.Debug("state", "from", from, "to", to)
	if h := s.deps.hooks.OnStateChange; h != nil {
		id := s.identity
		fx.add(func() { h(id, from, to) })
	}
}

// dial runs outside the lock: connect, subscribe to the inbound destination and announce
// presence, then report the outcome as an event of generation gen. Teardown cancels ctx.
func (s *Session) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, retry bool) {
	defer cancel()

	t, err := s.openTransport(ctx, gen)
	if err != nil {
		if !errors.Is(err, ErrHandshake) {
			err = fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		s.logger.Debug("dial failed", "gen", gen, "retry", retry, "err", err)
		s.dispatch(event{Kind: evHandshakeFailed, Gen: gen, Err: err})
		return
	}
	s.dispatch(event{Kind: evOpened, Gen: gen, Transport: t})
}

func (s *Session) openTransport(ctx context.Context, gen uint64) (Transport, error) {
	if s.deps.dialer == nil {
		return nil, errors.New("no dialer configured")
	}
	t, err := s.deps.dialer.Dial(ctx, s.identity,
		func(data []byte) { s.receive(gen, data) },
		func(err error) { s.dispatch(event{Kind: evDropped, Gen: gen, Err: err}) },
	)
	if err != nil {
		return nil, err
	}
	if !s.current(gen) {
		t.Close()
		return nil, errDialSuperseded
	}
	if err := t.Subscribe(ctx, s.deps.dest.InboundFor(s.identity)); err != nil {
		t.Close()
		return nil, err
	}
	if !s.current(gen) {
		t.Close()
		return nil, errDialSuperseded
	}
	presence, err := json.Marshal(NewPresence(s.identity))
	if err == nil {
		err = t.Publish(ctx, s.deps.dest.Presence, presence)
	}
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("announce presence: %w", err)
	}
	return t, nil
}

// receive is the inbound path: parse, drop presence, drop duplicates, fan out.
func (s *Session) receive(gen uint64, data []byte) {
	if !s.current(gen) {
		return
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		s.deps.metrics.dropped(dropMalformed)
		s.logger.Warn("dropping malformed envelope", "err", err, "bytes", len(data))
		return
	}
	if env.IsPresence() {
		s.deps.metrics.dropped(dropPresence)
		return
	}
	env = env.Normalize()
	if !s.dedup.ShouldProcess(env) {
		s.deps.metrics.dropped(dropDuplicate)
		s.logger.Debug("dropping duplicate envelope", "conversation", env.ConversationID, "id", env.ID)
		return
	}
	s.deps.metrics.delivered()
	s.hub.Publish(env)
}

// Send publishes env when the session is open. Failures are logged and reported as false.
func (s *Session) Send(ctx context.Context, env Envelope) bool {
	s.mu.Lock()
	t, state := s.transport, s.state
	s.mu.Unlock()
	if state != StateOpen || t == nil {
		s.deps.metrics.sent(sendNotOpen)
		s.logger.Debug("send rejected", "err", fmt.Errorf("%w: session %s", ErrSendRejected, state))
		return false
	}
	if !s.limiter.Allow() {
		s.deps.metrics.sent(sendThrottled)
		s.logger.Warn("send rejected", "err", fmt.Errorf("%w: rate limited", ErrSendRejected))
		return false
	}
	body, err := json.Marshal(env.Normalize())
	if err == nil {
		err = t.Publish(ctx, s.deps.dest.Send, body)
	}
	if err != nil {
		s.deps.metrics.sent(sendError)
		s.logger.Warn("send failed", "err", fmt.Errorf("%w: %w", ErrSendRejected, err))
		return false
	}
	s.deps.metrics.sent(sendOK)
	return true
}

func (s *Session) teardown() {
	s.dispatch(event{Kind: evTeardown})
}

// WaitOpen blocks until the session is open, has failed, was torn down or ctx is done.
func (s *Session) WaitOpen(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed, closed, lastErr := s.state, s.changed, s.closed, s.lastErr
		s.mu.Unlock()

		switch {
		case state == StateOpen:
			return nil
		case state == StateFailed:
			if lastErr == nil {
				lastErr = ErrHandshake
			}
			return lastErr
		case closed:
			return ErrNoSession
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
