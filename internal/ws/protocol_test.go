package ws

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeSendFrame(t *testing.T) {
	f := NewFrame(CmdSend, HdrDestination, "/app/chat.send", HdrContentType, "application/json")
	f.Body = []byte(`{"content":"hi"}`)

	got := string(f.Encode())
	want := "SEND\ndestination:/app/chat.send\ncontent-type:application/json\ncontent-length:16\n\n{\"content\":\"hi\"}\x00"
	if got != want {
		t.Errorf("Encode() =\n%q\nwant\n%q", got, want)
	}
}

func TestEncodeEscapesHeaders(t *testing.T) {
	f := NewFrame(CmdSubscribe, HdrDestination, "a:b\nc\\d")
	got := string(f.Encode())
	want := "SUBSCRIBE\ndestination:a\\cb\\nc\\\\d\n\n\x00"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}

	// CONNECT headers are sent verbatim.
	c := NewFrame(CmdConnect, HdrHost, "a:b")
	if got := string(c.Encode()); got != "CONNECT\nhost:a:b\n\n\x00" {
		t.Errorf("CONNECT Encode() = %q", got)
	}
}

func TestDecodeMessageFrame(t *testing.T) {
	data := []byte("MESSAGE\r\nsubscription:sub-1\r\ndestination:/user/u1/queue/messages\r\nmessage-id:7\r\n\r\n{\"content\":\"hello\"}\x00\n")
	frames, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Command != CmdMessage {
		t.Errorf("command = %q, want MESSAGE", f.Command)
	}
	if got := f.Get(HdrDestination); got != "/user/u1/queue/messages" {
		t.Errorf("destination = %q", got)
	}
	if string(f.Body) != `{"content":"hello"}` {
		t.Errorf("body = %q", f.Body)
	}
}

func TestDecodeContentLengthAllowsNUL(t *testing.T) {
	body := []byte("a\x00b")
	f := NewFrame(CmdMessage, HdrDestination, "/q")
	f.Body = body

	frames, err := Decode(f.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 1 || string(frames[0].Body) != string(body) {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestDecodeUnescapesHeaders(t *testing.T) {
	frames, err := Decode([]byte("MESSAGE\ndestination:a\\cb\\nc\\\\d\n\n\x00"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := frames[0].Get(HdrDestination); got != "a:b\nc\\d" {
		t.Errorf("destination = %q", got)
	}
}

func TestDecodeHeartBeatsAndMultipleFrames(t *testing.T) {
	frames, err := Decode([]byte("\n"))
	if err != nil {
		t.Fatalf("heart-beat: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("heart-beat produced %d frames", len(frames))
	}

	data := []byte("\nRECEIPT\nreceipt-id:1\n\n\x00\nMESSAGE\ndestination:/q\n\nx\x00")
	frames, err = Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Command != CmdReceipt || frames[1].Command != CmdMessage {
		t.Errorf("commands = %s, %s", frames[0].Command, frames[1].Command)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"no terminator":        "MESSAGE\ndestination:/q\n\nbody",
		"truncated headers":    "MESSAGE\ndestination:/q",
		"header without colon": "MESSAGE\nbogus\n\n\x00",
		"bad escape":           "MESSAGE\ndestination:a\\tb\n\n\x00",
		"short body":           "MESSAGE\ncontent-length:10\n\nabc\x00",
		"bad length":           "MESSAGE\ncontent-length:-1\n\n\x00",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(data))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestNegotiateHeartBeat(t *testing.T) {
	hb := 4 * time.Second

	send, recv := negotiateHeartBeat(hb, hb, "10000,2000")
	if send != 4*time.Second {
		t.Errorf("send = %v, want 4s", send)
	}
	if recv != 10*time.Second {
		t.Errorf("recv = %v, want 10s", recv)
	}

	send, recv = negotiateHeartBeat(hb, hb, "0,0")
	if send != 0 || recv != 0 {
		t.Errorf("server opt-out: send=%v recv=%v, want 0,0", send, recv)
	}

	send, recv = negotiateHeartBeat(0, hb, "4000,4000")
	if send != 0 || recv != hb {
		t.Errorf("client send disabled: send=%v recv=%v", send, recv)
	}

	send, recv = negotiateHeartBeat(hb, hb, "garbage")
	if send != 0 || recv != 0 {
		t.Errorf("garbage header: send=%v recv=%v", send, recv)
	}
}
