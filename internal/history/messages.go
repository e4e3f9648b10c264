package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/marketchat/internal/chat"
)

// Message is one stored envelope.
type Message struct {
	ConversationID string
	ID             string
	SenderID       string
	ReceiverID     string
	ContextID      string
	Content        string
	SentAt         *time.Time
	ReceivedAt     time.Time
}

// Thread summarises one conversation for the inbox list.
type Thread struct {
	ConversationID string
	Counterpart    string
	ContextID      string
	LastContent    string
	LastSenderID   string
	Count          int
}

// Record stores env once and reports whether it was new. Envelopes with a server id or
// timestamp are keyed on it so replays are ignored; envelopes without either always insert.
func (s *Store) Record(env chat.Envelope) (bool, error) {
	env = env.Normalize()
	stamp := env.ID
	var sentAt any
	if env.Timestamp != nil {
		sentAt = env.Timestamp.UTC()
		if stamp == "" {
			stamp = env.Timestamp.String()
		}
	}
	if stamp == "" {
		stamp = uuid.NewString()
	}
	key := env.ConversationID + "_" + stamp + "_" + env.SenderID

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages
			(dedup_key, conversation_id, message_id, sender_id, receiver_id, context_id, content, sent_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, env.ConversationID, env.ID, env.SenderID, env.ReceiverID, env.ContextID, env.Content, sentAt,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Handler returns a chat.Handler that records every delivered envelope, logging failures.
func (s *Store) Handler(logger *slog.Logger) chat.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(env chat.Envelope) {
		if _, err := s.Record(env); err != nil {
			logger.Warn("history record failed", "conversation", env.ConversationID, "err", err)
		}
	}
}

// Conversation returns the newest limit messages of conversationID, oldest first. limit <= 0
// returns all of them.
func (s *Store) Conversation(conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT conversation_id, message_id, sender_id, receiver_id, context_id, content, sent_at, received_at
		FROM messages WHERE conversation_id = ? ORDER BY rowid DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var sentAt sql.NullTime
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.ReceiverID, &m.ContextID,
			&m.Content, &sentAt, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Conversations lists the threads self takes part in, most recently active first, naming the
// other participant of each.
func (s *Store) Conversations(self string) ([]*Thread, error) {
	rows, err := s.db.Query(
		`SELECT m.conversation_id, m.context_id, m.content, m.sender_id, agg.n
		FROM messages m
		JOIN (
			SELECT conversation_id, MAX(rowid) AS last, COUNT(*) AS n
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY conversation_id
		) agg ON m.rowid = agg.last
		ORDER BY agg.last DESC`,
		self, self,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		var th Thread
		if err := rows.Scan(&th.ConversationID, &th.ContextID, &th.LastContent, &th.LastSenderID, &th.Count); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		th.Counterpart = chat.Counterpart(th.ConversationID, self, th.ContextID)
		out = append(out, &th)
	}
	return out, rows.Err()
}
