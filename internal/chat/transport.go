package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ehrlich-b/marketchat/internal/ws"
)

// Transport is one established connection to the messaging server.
type Transport interface {
	Subscribe(ctx context.Context, destination string) error
	Publish(ctx context.Context, destination string, body []byte) error
	Close() error
}

// Dialer opens transports. onMessage receives each inbound payload in arrival order; onClose is
// called exactly once when an established transport ends, with the reason.
type Dialer interface {
	Dial(ctx context.Context, identity string, onMessage func([]byte), onClose func(error)) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, identity string, onMessage func([]byte), onClose func(error)) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, identity string, onMessage func([]byte), onClose func(error)) (Transport, error) {
	return f(ctx, identity, onMessage, onClose)
}

// Destinations are the server's reserved addresses. Inbound may contain the {identity}
// placeholder.
type Destinations struct {
	Inbound  string
	Send     string
	Presence string
}

func DefaultDestinations() Destinations {
	return Destinations{
		Inbound:  "/user/{identity}/queue/messages",
		Send:     "/app/chat.send",
		Presence: "/app/chat.join",
	}
}

// InboundFor returns the inbound destination of identity.
func (d Destinations) InboundFor(identity string) string {
	return strings.ReplaceAll(d.Inbound, "{identity}", identity)
}

// WSDialer connects over STOMP on a WebSocket.
type WSDialer struct {
	URL       string
	Token     string
	HeartBeat time.Duration
	Logger    *slog.Logger
}

func (d WSDialer) Dial(ctx context.Context, identity string, onMessage func([]byte), onClose func(error)) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c, err := ws.Dial(ctx, ws.Config{
		URL:       d.URL,
		Token:     d.Token,
		Login:     identity,
		HeartBeat: d.HeartBeat,
		Logger:    logger.With("identity", identity),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	go func() {
		err := c.Run(context.Background(), func(f *ws.Frame) {
			onMessage(f.Body)
		})
		c.Close()
		onClose(fmt.Errorf("%w: %w", ErrTransportDrop, err))
	}()
	return c, nil
}
