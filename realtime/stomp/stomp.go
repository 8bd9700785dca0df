// Package stomp implements the subset of STOMP 1.2 framing the realtime
// server speaks: CONNECT/CONNECTED, SUBSCRIBE/UNSUBSCRIBE, SEND,
// MESSAGE, RECEIPT, ERROR and DISCONNECT. Each WebSocket message carries
// exactly one frame, so the codec works on whole byte slices rather
// than a stream.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command is a STOMP frame command.
type Command string

const (
	CmdConnect     Command = "CONNECT"
	CmdStomp       Command = "STOMP"
	CmdConnected   Command = "CONNECTED"
	CmdSubscribe   Command = "SUBSCRIBE"
	CmdUnsubscribe Command = "UNSUBSCRIBE"
	CmdSend        Command = "SEND"
	CmdMessage     Command = "MESSAGE"
	CmdReceipt     Command = "RECEIPT"
	CmdError       Command = "ERROR"
	CmdDisconnect  Command = "DISCONNECT"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
)

// Version is the protocol version the server negotiates.
const Version = "1.2"

var (
	// ErrMalformed indicates bytes that do not parse as a frame.
	ErrMalformed = errors.New("stomp: malformed frame")

	// ErrUnknownCommand indicates a syntactically valid frame with a
	// command outside the supported subset.
	ErrUnknownCommand = errors.New("stomp: unknown command")
)

var commands = map[Command]bool{
	CmdConnect:     true,
	CmdStomp:       true,
	CmdConnected:   true,
	CmdSubscribe:   true,
	CmdUnsubscribe: true,
	CmdSend:        true,
	CmdMessage:     true,
	CmdReceipt:     true,
	CmdError:       true,
	CmdDisconnect:  true,
}

// Header is one key/value pair. Repeated keys are legal; the first
// occurrence wins on lookup.
type Header struct {
	Key   string
	Value string
}

// Frame is a decoded STOMP frame.
type Frame struct {
	Command Command
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame from alternating header key/value strings.
func NewFrame(cmd Command, kv ...string) *Frame {
	if len(kv)%2 != 0 {
		panic("stomp: NewFrame requires key/value pairs")
	}
	f := &Frame{Command: cmd}
	for i := 0; i < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Header returns the first value for key.
func (f *Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Set appends or replaces the first occurrence of key.
func (f *Frame) Set(key, value string) {
	for i, h := range f.Headers {
		if h.Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// IsHeartbeat reports whether data is a heart-beat (a bare EOL), which
// is not a frame and must not be fed to Unmarshal.
func IsHeartbeat(data []byte) bool {
	switch string(data) {
	case "\n", "\r\n":
		return true
	}
	return false
}

// Marshal encodes the frame, NUL-terminated. A content-length header is
// always written so bodies may contain NUL bytes.
func Marshal(f *Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')
	literal := literalHeaders(f.Command)
	for _, h := range f.Headers {
		if h.Key == HdrContentLength {
			continue
		}
		if literal {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		} else {
			buf.WriteString(escape(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escape(h.Value))
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Unmarshal decodes one frame from data.
func Unmarshal(data []byte) (*Frame, error) {
	// Tolerate trailing EOLs after the NUL (permitted between frames).
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	head, rest, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return nil, fmt.Errorf("%w: missing command line terminator", ErrMalformed)
	}
	cmd := Command(strings.TrimSuffix(string(head), "\r"))
	if !commands[cmd] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	f := &Frame{Command: cmd}
	literal := literalHeaders(cmd)

	for {
		line, after, ok := bytes.Cut(rest, []byte{'\n'})
		if !ok {
			return nil, fmt.Errorf("%w: unterminated headers", ErrMalformed)
		}
		rest = after
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			break
		}
		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			return nil, fmt.Errorf("%w: header %q has no colon", ErrMalformed, line)
		}
		key, value := string(k), string(v)
		if !literal {
			var err error
			if key, err = unescape(key); err != nil {
				return nil, err
			}
			if value, err = unescape(value); err != nil {
				return nil, err
			}
		}
		f.Headers = append(f.Headers, Header{Key: key, Value: value})
	}

	if cl, ok := f.Header(HdrContentLength); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > len(rest) {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformed, cl)
		}
		f.Body = append([]byte(nil), rest[:n]...)
		rest = rest[n:]
	} else {
		body, after, ok := bytes.Cut(rest, []byte{0})
		if !ok {
			return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformed)
		}
		f.Body = append([]byte(nil), body...)
		if len(f.Body) == 0 {
			f.Body = nil
		}
		return f, trailerOK(after)
	}
	if len(rest) == 0 || rest[0] != 0 {
		return nil, fmt.Errorf("%w: body not NUL-terminated", ErrMalformed)
	}
	if len(f.Body) == 0 {
		f.Body = nil
	}
	return f, trailerOK(rest[1:])
}

func trailerOK(rest []byte) error {
	if len(bytes.Trim(rest, "\r\n")) != 0 {
		return fmt.Errorf("%w: trailing bytes after frame", ErrMalformed)
	}
	return nil
}

// literalHeaders reports whether the command's headers are exchanged
// without escape sequences (the 1.2 rule for CONNECT/CONNECTED).
func literalHeaders(cmd Command) bool {
	return cmd == CmdConnect || cmd == CmdConnected || cmd == CmdStomp
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escape(s string) string {
	return escaper.Replace(s)
}

func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformed)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: bad escape \\%c", ErrMalformed, s[i])
		}
	}
	return b.String(), nil
}
