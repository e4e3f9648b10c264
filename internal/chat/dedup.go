package chat

import (
	"strconv"
	"sync"
	"time"
)

// DefaultDedupCapacity bounds the number of remembered keys. On overflow the oldest keys are
// evicted until half the capacity remains.
const DefaultDedupCapacity = 100

// Deduper remembers recently delivered envelopes. Each Session owns one, so the memory lives
// exactly as long as the session.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string // oldest first
	now      func() time.Time
}

func NewDeduper(capacity int) *Deduper {
	if capacity <= 1 {
		capacity = DefaultDedupCapacity
	}
	return &Deduper{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		now:      time.Now,
	}
}

// Key returns the identity of env for deduplication: conversation, then id, timestamp or the
// current time in milliseconds, then sender and content. The conversation part is derived from
// the participants whenever both are known, so a server copy that carries conversationId and a
// local copy that does not share a key.
func (d *Deduper) Key(env Envelope) string {
	stamp := env.ID
	if stamp == "" && env.Timestamp != nil {
		stamp = env.Timestamp.String()
	}
	if stamp == "" {
		stamp = strconv.FormatInt(d.now().UnixMilli(), 10)
	}
	conv := env.ConversationID
	if env.SenderID != "" && env.ReceiverID != "" {
		conv = ConversationID(env.SenderID, env.ReceiverID, env.ContextID)
	}
	return conv + "_" + stamp + "_" + env.SenderID + "_" + env.Content
}

// ShouldProcess returns false if an envelope with the same key was already seen, otherwise it
// records the key and returns true.
func (d *Deduper) ShouldProcess(env Envelope) bool {
	key := d.Key(env)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.capacity {
		keep := d.capacity / 2
		cut := len(d.order) - keep
		for _, k := range d.order[:cut] {
			delete(d.seen, k)
		}
		d.order = append([]string(nil), d.order[cut:]...)
	}
	return true
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
