package chat

import "errors"

// Failures handled inside the package. None of them escape the Manager; they are logged,
// counted, and reflected in Status or in Send's result.
var (
	// ErrHandshake: the transport failed before the session opened.
	ErrHandshake = errors.New("chat: handshake failed")
	// ErrTransportDrop: an open session lost its transport.
	ErrTransportDrop = errors.New("chat: transport dropped")
	// ErrSendRejected: Send was called while the session was not open, or was throttled.
	ErrSendRejected = errors.New("chat: send rejected")
	// ErrMalformedEnvelope: an inbound payload did not decode as an Envelope.
	ErrMalformedEnvelope = errors.New("chat: malformed envelope")
	// ErrConsumerCallback: a subscriber panicked during delivery.
	ErrConsumerCallback = errors.New("chat: subscriber failed")
	// ErrNoSession: no session exists for the identity.
	ErrNoSession = errors.New("chat: no session")
	// ErrRetriesExhausted: the reconnection policy gave up.
	ErrRetriesExhausted = errors.New("chat: reconnect attempts exhausted")
)
