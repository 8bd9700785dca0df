package stomp

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := NewFrame(CmdSend,
		HdrDestination, "/app/compositions.c-1",
		HdrContentType, "application/json",
	)
	in.Body = []byte(`{"orderType":"elementAdded"}`)

	out, err := Unmarshal(Marshal(in))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Command != CmdSend {
		t.Fatalf("command = %q", out.Command)
	}
	if dst, _ := out.Header(HdrDestination); dst != "/app/compositions.c-1" {
		t.Fatalf("destination = %q", dst)
	}
	if !bytes.Equal(out.Body, in.Body) {
		t.Fatalf("body = %q", out.Body)
	}
}

func TestUnmarshalWithoutContentLength(t *testing.T) {
	raw := []byte("SUBSCRIBE\nid:sub-0\ndestination:/topic/compositions.c-1\n\n\x00")
	f, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.Command != CmdSubscribe || f.Body != nil {
		t.Fatalf("frame = %+v", f)
	}
	if id, _ := f.Header(HdrID); id != "sub-0" {
		t.Fatalf("id = %q", id)
	}
}

func TestHeaderEscaping(t *testing.T) {
	in := NewFrame(CmdError, HdrMessage, "line one\nkey:value")
	out, err := Unmarshal(Marshal(in))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg, _ := out.Header(HdrMessage); msg != "line one\nkey:value" {
		t.Fatalf("message = %q", msg)
	}
}

func TestConnectHeadersAreLiteral(t *testing.T) {
	// CONNECT/CONNECTED never use escape sequences in 1.2.
	raw := Marshal(NewFrame(CmdConnect, HdrAcceptVersion, "1.2", HdrHost, "localhost"))
	if bytes.Contains(raw, []byte(`\c`)) {
		t.Fatalf("CONNECT frame escaped: %q", raw)
	}
	f, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, _ := f.Header(HdrAcceptVersion); v != "1.2" {
		t.Fatalf("accept-version = %q", v)
	}
}

func TestRepeatedHeaderFirstWins(t *testing.T) {
	raw := []byte("MESSAGE\nfoo:first\nfoo:second\n\nbody\x00")
	f, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, _ := f.Header("foo"); v != "first" {
		t.Fatalf("foo = %q", v)
	}
}

func TestBodyMayContainNUL(t *testing.T) {
	in := NewFrame(CmdMessage, HdrDestination, "/topic/compositions.c-1")
	in.Body = []byte("a\x00b")
	out, err := Unmarshal(Marshal(in))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bytes.Equal(out.Body, []byte("a\x00b")) {
		t.Fatalf("body = %q", out.Body)
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":           []byte(""),
		"no terminator":   []byte("SEND\ndestination:/x\n\nbody"),
		"bad command":     []byte("BOGUS\n\n\x00"),
		"colonless":       []byte("SEND\nnocolon\n\n\x00"),
		"trailing bytes":  []byte("SEND\n\n\x00garbage"),
		"bad length":      []byte("SEND\ncontent-length:999\n\nhi\x00"),
		"dangling escape": []byte("SEND\nfoo:bar\\\n\n\x00"),
	}
	for name, raw := range cases {
		if _, err := Unmarshal(raw); err == nil {
			t.Errorf("%s: accepted %q", name, raw)
		}
	}
	if _, err := Unmarshal([]byte("BOGUS\n\n\x00")); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("unknown command error = %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	if !IsHeartbeat([]byte("\n")) || !IsHeartbeat([]byte("\r\n")) {
		t.Fatal("heart-beat not recognized")
	}
	if IsHeartbeat([]byte("SEND\n\n\x00")) {
		t.Fatal("frame mistaken for heart-beat")
	}
}
