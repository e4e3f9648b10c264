package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// PresenceContent marks a presence announcement. It is never delivered to subscribers.
const PresenceContent = "joined"

// ConversationSeparator joins the members of a conversation id.
const ConversationSeparator = "_"

// Envelope is one chat payload exchanged with the messaging server.
type Envelope struct {
	ID             string     `json:"id,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	SenderID       string     `json:"senderId"`
	ReceiverID     string     `json:"receiverId"`
	Content        string     `json:"content"`
	ContextID      string     `json:"contextId,omitempty"`
	Timestamp      *Timestamp `json:"timestamp,omitempty"`
}

// NewPresence returns the announcement published once per successful open.
func NewPresence(identity string) Envelope {
	return Envelope{SenderID: identity, Content: PresenceContent}
}

// IsPresence reports whether env is a presence announcement rather than a chat message.
func (env Envelope) IsPresence() bool {
	return env.Content == PresenceContent
}

// Normalize fills ConversationID from the participants when the server left it empty.
func (env Envelope) Normalize() Envelope {
	if env.ConversationID == "" && env.SenderID != "" && env.ReceiverID != "" {
		env.ConversationID = ConversationID(env.SenderID, env.ReceiverID, env.ContextID)
	}
	return env
}

// ParseEnvelope decodes an inbound payload. Payloads that are not a JSON object, lack a sender,
// or are chat messages without a receiver wrap ErrMalformedEnvelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.SenderID == "" {
		return Envelope{}, fmt.Errorf("%w: missing senderId", ErrMalformedEnvelope)
	}
	if env.ReceiverID == "" && !env.IsPresence() {
		return Envelope{}, fmt.Errorf("%w: missing receiverId", ErrMalformedEnvelope)
	}
	return env, nil
}

// ConversationID derives the thread id shared by both participants: the non-empty members of
// {a, b, contextID} sorted lexicographically and joined with ConversationSeparator.
// ConversationID(a, b, c) == ConversationID(b, a, c) for all inputs.
func ConversationID(a, b, contextID string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a, b, contextID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	slices.Sort(parts)
	return strings.Join(parts, ConversationSeparator)
}

// contextPrefixes identify members of a conversation id that are context references.
var contextPrefixes = []string{"listing-", "ctx-", "order-"}

func looksLikeContext(s string) bool {
	for _, p := range contextPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Counterpart inverts ConversationID for display: it returns the member that is neither self
// nor the context. When contextID is unknown, members that look like a context reference are
// skipped. Returns "" if nothing is left.
func Counterpart(conversationID, self, contextID string) string {
	for _, p := range strings.Split(conversationID, ConversationSeparator) {
		if p == "" || p == self || p == contextID {
			continue
		}
		if contextID == "" && looksLikeContext(p) {
			continue
		}
		return p
	}
	return ""
}

// Timestamp is a server-assigned instant. It accepts RFC 3339, zone-less ISO 8601 (read as UTC)
// and epoch milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", data, err)
		}
		ts.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unrecognized format", s)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

// String is the canonical form used in dedup keys.
func (ts Timestamp) String() string {
	return ts.UTC().Format(time.RFC3339Nano)
}
