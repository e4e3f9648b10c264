package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// testBroker is a tiny STOMP server: it answers CONNECT, records SUBSCRIBE and SEND frames and
// echoes every SEND to the first subscription as a MESSAGE.
type testBroker struct {
	mu         sync.Mutex
	connects   []*Frame
	subscribed []string
	sent       []*Frame
	heartBeat  string // CONNECTED heart-beat header
	rejectWith string // answer CONNECT with ERROR carrying this message
}

func newTestBroker(t *testing.T, b *testBroker) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
			Subprotocols:       []string{"v12.stomp"},
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		b.serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (b *testBroker) serve(conn *websocket.Conn) {
	defer conn.CloseNow()
	ctx := context.Background()
	var subID string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frames, err := Decode(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			switch f.Command {
			case CmdConnect:
				b.mu.Lock()
				b.connects = append(b.connects, f)
				reject, hb := b.rejectWith, b.heartBeat
				b.mu.Unlock()
				if reject != "" {
					conn.Write(ctx, websocket.MessageText, NewFrame(CmdError, HdrMessage, reject).Encode())
					return
				}
				if hb == "" {
					hb = "0,0"
				}
				conn.Write(ctx, websocket.MessageText,
					NewFrame(CmdConnected, HdrVersion, "1.2", HdrHeartBeat, hb, HdrSession, "s-1").Encode())
			case CmdSubscribe:
				b.mu.Lock()
				b.subscribed = append(b.subscribed, f.Get(HdrDestination))
				subID = f.Get(HdrID)
				b.mu.Unlock()
			case CmdSend:
				b.mu.Lock()
				b.sent = append(b.sent, f)
				b.mu.Unlock()
				msg := NewFrame(CmdMessage,
					HdrSubscription, subID,
					HdrDestination, f.Get(HdrDestination),
					HdrMessageID, "m-1",
				)
				msg.Body = f.Body
				conn.Write(ctx, websocket.MessageText, msg.Encode())
			case CmdDisconnect:
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialHandshake(t *testing.T) {
	b := &testBroker{}
	srv := newTestBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{URL: wsURL(srv), Token: "tok", Login: "u1", HeartBeat: 4 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.Session() != "s-1" {
		t.Errorf("session = %q, want s-1", c.Session())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connects) != 1 {
		t.Fatalf("connects = %d, want 1", len(b.connects))
	}
	f := b.connects[0]
	if got := f.Get(HdrLogin); got != "u1" {
		t.Errorf("login = %q, want u1", got)
	}
	if got := f.Get(HdrHeartBeat); got != "4000,4000" {
		t.Errorf("heart-beat = %q, want 4000,4000", got)
	}
	if got := f.Get(HdrAuthorization); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestDialAuthRejected(t *testing.T) {
	srv := newTestBroker(t, &testBroker{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, Config{URL: wsURL(srv), Token: "bad"})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestDialProtocolError(t *testing.T) {
	srv := newTestBroker(t, &testBroker{rejectWith: "bad credentials"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, Config{URL: wsURL(srv), Login: "u1"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if !strings.Contains(err.Error(), "bad credentials") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestSubscribePublishRun(t *testing.T) {
	b := &testBroker{}
	srv := newTestBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{URL: wsURL(srv), Login: "u1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, "/user/u1/queue/messages"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Second subscribe to the same destination is not re-sent.
	if err := c.Subscribe(ctx, "/user/u1/queue/messages"); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}

	got := make(chan *Frame, 1)
	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(ctx, func(f *Frame) { got <- f })
	}()

	if err := c.Publish(ctx, "/app/chat.send", []byte(`{"content":"hi"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case f := <-got:
		if string(f.Body) != `{"content":"hi"}` {
			t.Errorf("body = %q", f.Body)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for MESSAGE")
	}

	b.mu.Lock()
	subs := len(b.subscribed)
	b.mu.Unlock()
	if subs != 1 {
		t.Errorf("subscriptions = %d, want 1", subs)
	}

	c.Close()
	select {
	case err := <-runErr:
		if err == nil {
			t.Error("Run returned nil after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunHeartBeatTimeout(t *testing.T) {
	// Server promises a beat every 50ms and never sends one.
	b := &testBroker{heartBeat: "50,0"}
	srv := newTestBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{URL: wsURL(srv), HeartBeat: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	err = c.Run(ctx, func(*Frame) {})
	if err == nil || !strings.Contains(err.Error(), "heart-beat") {
		t.Fatalf("Run err = %v, want heart-beat timeout", err)
	}
}
