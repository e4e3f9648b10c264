package ws

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// STOMP 1.2 commands spoken with the messaging server.
const (
	// Client → Server
	CmdConnect     = "CONNECT"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdDisconnect  = "DISCONNECT"

	// Server → Client
	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

// Frame headers used by the client.
const (
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrLogin         = "login"
	HdrHeartBeat     = "heart-beat"
	HdrAuthorization = "Authorization"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrVersion       = "version"
	HdrSession       = "session"
	HdrServer        = "server"
)

// ErrMalformedFrame is returned by Decode for data that is not a valid STOMP frame.
var ErrMalformedFrame = errors.New("malformed stomp frame")

// Header is one key/value pair. Order is preserved; STOMP says the first occurrence wins.
type Header struct {
	Key   string
	Value string
}

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame from alternating header keys and values.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the first value for key, or "".
func (f *Frame) Get(key string) string {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Set replaces the first value for key or appends it.
func (f *Frame) Set(key, value string) {
	for i, h := range f.Headers {
		if h.Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// escapes reports whether header values of this command use STOMP 1.2 escaping.
// CONNECT and CONNECTED are exempt for 1.0 compatibility.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

// Encode serializes the frame. A content-length header is added when the body is non-empty
// and none was set.
func (f *Frame) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	esc := escapes(f.Command)
	hasLength := false
	for _, h := range f.Headers {
		k, v := h.Key, h.Value
		if esc {
			k, v = headerEscaper.Replace(k), headerEscaper.Replace(v)
		}
		if h.Key == HdrContentLength {
			hasLength = true
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		b.WriteString(HdrContentLength)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(f.Body)))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// Decode parses every frame contained in one WebSocket message. Heart-beat EOLs between or
// around frames are skipped; a message made only of EOLs yields no frames.
func Decode(data []byte) ([]*Frame, error) {
	var frames []*Frame
	for {
		data = skipEOL(data)
		if len(data) == 0 {
			return frames, nil
		}
		f, rest, err := decodeOne(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = rest
	}
}

func skipEOL(data []byte) []byte {
	for len(data) > 0 && (data[0] == '\n' || data[0] == '\r') {
		data = data[1:]
	}
	return data
}

func cutLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", nil, false
	}
	line := data[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), data[i+1:], true
}

func decodeOne(data []byte) (*Frame, []byte, error) {
	command, data, ok := cutLine(data)
	if !ok || command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}
	f := &Frame{Command: command}
	esc := escapes(command)
	for {
		var line string
		line, data, ok = cutLine(data)
		if !ok {
			return nil, nil, fmt.Errorf("%w: truncated headers", ErrMalformedFrame)
		}
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return nil, nil, fmt.Errorf("%w: header without colon %q", ErrMalformedFrame, line)
		}
		if esc {
			var err error
			if k, err = unescape(k); err != nil {
				return nil, nil, err
			}
			if v, err = unescape(v); err != nil {
				return nil, nil, err
			}
		}
		f.Headers = append(f.Headers, Header{Key: k, Value: v})
	}

	if cl := f.Get(HdrContentLength); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, cl)
		}
		if len(data) < n+1 || data[n] != 0 {
			return nil, nil, fmt.Errorf("%w: body shorter than content-length %d", ErrMalformedFrame, n)
		}
		f.Body = data[:n]
		return f, data[n+1:], nil
	}
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return nil, nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	f.Body = data[:i]
	return f, data[i+1:], nil
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrMalformedFrame, s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: invalid escape \\%c", ErrMalformedFrame, s[i])
		}
	}
	return b.String(), nil
}

// heartBeatHeader formats the client's heart-beat offer in milliseconds.
func heartBeatHeader(send, recv time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), recv.Milliseconds())
}

// negotiateHeartBeat applies the STOMP rules to the client offer and the server's CONNECTED
// header. A zero result disables that direction.
func negotiateHeartBeat(clientSend, clientRecv time.Duration, server string) (send, recv time.Duration) {
	sx, sy := parseHeartBeat(server)
	if clientSend > 0 && sy > 0 {
		send = max(clientSend, sy)
	}
	if clientRecv > 0 && sx > 0 {
		recv = max(clientRecv, sx)
	}
	return send, recv
}

func parseHeartBeat(v string) (time.Duration, time.Duration) {
	a, b, ok := strings.Cut(strings.TrimSpace(v), ",")
	if !ok {
		return 0, 0
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(a))
	y, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}
