package ntfy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/marketchat/internal/chat"
)

type captured struct {
	title, body, priority, tags, auth string
}

func captureServer(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{
			title:    r.Header.Get("Title"),
			body:     string(body),
			priority: r.Header.Get("Priority"),
			tags:     r.Header.Get("Tags"),
			auth:     r.Header.Get("Authorization"),
		})
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestNewBareTopic(t *testing.T) {
	c := New("my-secret-topic", "", "message", nil)
	if c.url != "https://ntfy.sh/my-secret-topic" {
		t.Fatalf("got %q", c.url)
	}
}

func TestNewFullURL(t *testing.T) {
	c := New("https://ntfy.example.com/mytopic", "tok123", "message", nil)
	if c.url != "https://ntfy.example.com/mytopic" || c.token != "tok123" {
		t.Fatalf("got %q / %q", c.url, c.token)
	}
}

func TestEventFilteringWhitespace(t *testing.T) {
	c := New("t", "", " message , failed ", nil)
	if !c.Enabled(EventMessage) || !c.Enabled(EventFailed) {
		t.Fatal("both should be enabled")
	}
	if New("t", "", "", nil).Enabled(EventMessage) {
		t.Fatal("empty list enabled message")
	}
}

func TestSendMessagePost(t *testing.T) {
	srv, got := captureServer(t)
	c := New(srv.URL, "tok", "message", nil)

	env := chat.Envelope{SenderID: "bob", ReceiverID: "alice", Content: "still available?", ContextID: "listing-42"}
	if err := c.SendMessage("alice", env); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	// Echo of our own message: no notification.
	if err := c.SendMessage("bob", env); err != nil {
		t.Fatal(err)
	}

	posts := got()
	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}
	p := posts[0]
	if p.title != "New message from bob about listing-42" || p.body != "still available?" {
		t.Errorf("post = %+v", p)
	}
	if p.tags != "speech_balloon" || p.auth != "Bearer tok" {
		t.Errorf("post = %+v", p)
	}
}

func TestSendFailedFiltered(t *testing.T) {
	srv, got := captureServer(t)
	c := New(srv.URL, "", "message", nil)
	if err := c.SendFailed("alice", errors.New("gave up")); err != nil {
		t.Fatal(err)
	}
	if n := len(got()); n != 0 {
		t.Fatalf("posts = %d, want 0", n)
	}

	c = New(srv.URL, "", "failed", nil)
	if err := c.SendFailed("alice", errors.New("gave up")); err != nil {
		t.Fatal(err)
	}
	posts := got()
	if len(posts) != 1 || posts[0].priority != "high" || posts[0].body != "gave up" {
		t.Errorf("posts = %+v", posts)
	}
}

func TestHandlerPostsInBackground(t *testing.T) {
	srv, got := captureServer(t)
	c := New(srv.URL, "", "message", nil)
	c.Handler("alice")(chat.Envelope{SenderID: "bob", ReceiverID: "alice", Content: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for len(got()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(got()) != 1 {
		t.Fatal("no notification posted")
	}
}

func TestHTTPErrorReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	if err := New(srv.URL, "", "", nil).SendTest(); err == nil {
		t.Fatal("expected error for 403")
	}
}
