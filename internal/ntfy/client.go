package ntfy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/marketchat/internal/chat"
)

// Event names accepted in the events list.
const (
	EventMessage = "message" // a chat message arrived
	EventFailed  = "failed"  // the session gave up reconnecting
)

// Client sends push notifications via ntfy.sh (or a self-hosted ntfy server).
type Client struct {
	url    string // full URL: https://ntfy.sh/{topic}
	token  string // optional bearer token for reserved topics
	events map[string]bool
	http   *http.Client
	logger *slog.Logger
}

// New creates a new ntfy client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}) or a full URL (https://ntfy.example.com/mytopic).
// Events is a comma-separated list of event types to send (e.g. "message,failed").
func New(topic, token, events string, logger *slog.Logger) *Client {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	evMap := make(map[string]bool)
	for _, e := range strings.Split(events, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			evMap[e] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    url,
		token:  token,
		events: evMap,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Enabled reports whether event is in the configured list.
func (c *Client) Enabled(event string) bool {
	return c.events[event]
}

// SendMessage notifies about an inbound chat message addressed to self. Messages self sent from
// another device are skipped.
func (c *Client) SendMessage(self string, env chat.Envelope) error {
	if !c.events[EventMessage] || env.SenderID == self {
		return nil
	}
	title := fmt.Sprintf("New message from %s", env.SenderID)
	if env.ContextID != "" {
		title += " about " + env.ContextID
	}
	return c.post(title, env.Content, "default", "speech_balloon")
}

// SendFailed notifies that the session for identity stopped reconnecting.
func (c *Client) SendFailed(identity string, cause error) error {
	if !c.events[EventFailed] {
		return nil
	}
	return c.post(fmt.Sprintf("Chat offline for %s", identity), cause.Error(), "high", "warning")
}

// Handler posts message notifications in the background for every delivered envelope.
func (c *Client) Handler(self string) chat.Handler {
	return func(env chat.Envelope) {
		if !c.events[EventMessage] {
			return
		}
		go c.SendMessage(self, env)
	}
}

// SendTest sends a test notification synchronously and returns any error.
func (c *Client) SendTest() error {
	return c.post("marketchat test", "Push notifications are working!", "default", "test_tube")
}

func (c *Client) post(title, body, priority, tags string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(body))
	if err != nil {
		c.logger.Warn("ntfy: build request", "err", err)
		return err
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ntfy: post failed", "err", err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
		c.logger.Warn("ntfy: post rejected", "err", err)
		return err
	}
	return nil
}
