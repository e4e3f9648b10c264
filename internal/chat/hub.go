package chat

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Handler consumes delivered envelopes. Handlers run synchronously on the delivering goroutine.
type Handler func(Envelope)

// Hub fans envelopes out to every registered handler. A handler that panics is logged and skipped;
// the remaining handlers still receive the envelope.
type Hub struct {
	identity string
	logger   *slog.Logger
	metrics  *Metrics

	mu   sync.Mutex
	next uint64
	subs map[uint64]Handler
}

func NewHub(identity string, logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		identity: identity,
		logger:   logger,
		metrics:  metrics,
		subs:     make(map[uint64]Handler),
	}
}

// Subscribe registers fn and returns a function that removes it. The returned function may be
// called any number of times.
func (h *Hub) Subscribe(fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers env to the handlers registered when Publish was called and returns how many
// completed without panicking. Handlers added during delivery see only later envelopes.
func (h *Hub) Publish(env Envelope) int {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = h.subs[id]
	}
	h.mu.Unlock()

	delivered := 0
	for _, fn := range handlers {
		if h.deliver(fn, env) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) deliver(fn Handler, env Envelope) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrConsumerCallback, r)
			h.logger.Warn("subscriber panicked", "identity", h.identity, "conversation", env.ConversationID, "err", err)
			h.metrics.dropped(dropCallback)
			ok = false
		}
	}()
	fn(env)
	return true
}

// Len returns the number of registered handlers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
