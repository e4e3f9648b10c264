package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrAuthRejected is returned when the server rejects the WebSocket handshake with 401.
var ErrAuthRejected = errors.New("messaging server rejected authentication (401)")

// ErrProtocol is returned when the server answers with a STOMP ERROR frame or an unexpected
// command during the handshake.
var ErrProtocol = errors.New("stomp protocol error")

const (
	DefaultHeartBeat = 4 * time.Second
	writeTimeout     = 10 * time.Second
	readLimit        = 512 * 1024
	// Missing this many negotiated server heart-beats in a row closes the connection.
	heartBeatGrace = 2
)

// Config describes one connection to the messaging server.
type Config struct {
	URL       string // e.g. "wss://market.example.com/ws"
	Token     string // bearer token, sent on the HTTP upgrade and in CONNECT
	Login     string // identity announced in CONNECT
	Host      string // virtual host; defaults to the URL host
	HeartBeat time.Duration
	Logger    *slog.Logger
}

// Client is a STOMP session carried over a single WebSocket.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	sendEvery time.Duration
	recvEvery time.Duration
	session   string

	subsMu sync.Mutex
	subs   map[string]string // destination → subscription id

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
}

// Dial opens the WebSocket, performs the STOMP CONNECT handshake and returns once the server
// answered CONNECTED. Returns ErrAuthRejected on a 401 upgrade and ErrProtocol on an ERROR frame.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := cfg.HeartBeat
	if hb < 0 {
		hb = 0
	}

	opts := &websocket.DialOptions{
		HTTPHeader:   make(http.Header),
		Subprotocols: []string{"v12.stomp"},
	}
	if cfg.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", cfg.URL, ErrAuthRejected)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)

	c := &Client{
		conn:   conn,
		logger: logger,
		subs:   make(map[string]string),
	}

	host := cfg.Host
	if host == "" {
		if u, err := url.Parse(cfg.URL); err == nil {
			host = u.Hostname()
		}
	}
	connect := NewFrame(CmdConnect,
		HdrAcceptVersion, "1.2",
		HdrHost, host,
		HdrHeartBeat, heartBeatHeader(hb, hb),
	)
	if cfg.Login != "" {
		connect.Set(HdrLogin, cfg.Login)
	}
	if cfg.Token != "" {
		connect.Set(HdrAuthorization, "Bearer "+cfg.Token)
	}
	if err := c.writeFrame(ctx, connect); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("connect: %w", err)
	}

	reply, err := c.readFrame(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("connect: %w", err)
	}
	switch reply.Command {
	case CmdConnected:
		c.sendEvery, c.recvEvery = negotiateHeartBeat(hb, hb, reply.Get(HdrHeartBeat))
		c.session = reply.Get(HdrSession)
		logger.Debug("stomp connected", "url", cfg.URL, "version", reply.Get(HdrVersion),
			"session", c.session, "send_hb", c.sendEvery, "recv_hb", c.recvEvery)
		return c, nil
	case CmdError:
		conn.CloseNow()
		return nil, fmt.Errorf("%w: %s", ErrProtocol, errorText(reply))
	default:
		conn.CloseNow()
		return nil, fmt.Errorf("%w: unexpected %s during handshake", ErrProtocol, reply.Command)
	}
}

// readFrame reads messages until one carries a frame, skipping heart-beats.
func (c *Client) readFrame(ctx context.Context) (*Frame, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		frames, err := Decode(data)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			return frames[0], nil
		}
	}
}

// Session returns the server-assigned session id from CONNECTED, if any.
func (c *Client) Session() string {
	return c.session
}

// Subscribe registers interest in destination. Subscribing twice to the same destination is a no-op.
func (c *Client) Subscribe(ctx context.Context, destination string) error {
	c.subsMu.Lock()
	if _, ok := c.subs[destination]; ok {
		c.subsMu.Unlock()
		return nil
	}
	id := uuid.NewString()
	c.subs[destination] = id
	c.subsMu.Unlock()

	err := c.writeFrame(ctx, NewFrame(CmdSubscribe,
		HdrID, id,
		HdrDestination, destination,
		HdrAck, "auto",
	))
	if err != nil {
		c.subsMu.Lock()
		delete(c.subs, destination)
		c.subsMu.Unlock()
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return nil
}

// Unsubscribe drops the subscription for destination, if one exists.
func (c *Client) Unsubscribe(ctx context.Context, destination string) error {
	c.subsMu.Lock()
	id, ok := c.subs[destination]
	delete(c.subs, destination)
	c.subsMu.Unlock()
	if !ok {
		return nil
	}
	return c.writeFrame(ctx, NewFrame(CmdUnsubscribe, HdrID, id))
}

// Publish sends body to destination as a JSON SEND frame.
func (c *Client) Publish(ctx context.Context, destination string, body []byte) error {
	f := NewFrame(CmdSend,
		HdrDestination, destination,
		HdrContentType, "application/json",
	)
	f.Body = body
	if err := c.writeFrame(ctx, f); err != nil {
		return fmt.Errorf("send %s: %w", destination, err)
	}
	return nil
}

// Run reads frames until the connection fails, the server sends ERROR, or ctx is cancelled.
// MESSAGE frames are passed to onMessage in arrival order. Heart-beats are sent while Run is
// active; a silent server is treated as a closed connection.
func (c *Client) Run(ctx context.Context, onMessage func(*Frame)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.sendEvery > 0 {
		go c.heartBeatLoop(ctx)
	}

	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if c.recvEvery > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, c.recvEvery*heartBeatGrace)
		}
		_, data, err := c.conn.Read(readCtx)
		timedOut := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		readCancel()
		if err != nil {
			if timedOut && ctx.Err() == nil {
				return fmt.Errorf("read: no heart-beat from server in %s: %w", c.recvEvery*heartBeatGrace, err)
			}
			return fmt.Errorf("read: %w", err)
		}

		frames, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "err", err)
		}
		for _, f := range frames {
			switch f.Command {
			case CmdMessage:
				onMessage(f)
			case CmdReceipt:
				c.logger.Debug("stomp receipt", "id", f.Get(HdrReceiptID))
			case CmdError:
				return fmt.Errorf("%w: %s", ErrProtocol, errorText(f))
			default:
				c.logger.Debug("ignoring frame", "command", f.Command)
			}
		}
	}
}

func (c *Client) heartBeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, []byte{'\n'}); err != nil {
				return
			}
		}
	}
}

// Close sends DISCONNECT and closes the socket. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.writeFrame(ctx, NewFrame(CmdDisconnect)); err != nil {
			c.logger.Debug("disconnect frame not sent", "err", err)
		}
		c.conn.CloseNow()
	})
	return nil
}

func (c *Client) writeFrame(ctx context.Context, f *Frame) error {
	return c.write(ctx, f.Encode())
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func errorText(f *Frame) string {
	if msg := f.Get(HdrMessage); msg != "" {
		return msg
	}
	if len(f.Body) > 0 {
		return string(f.Body)
	}
	return "server error"
}
