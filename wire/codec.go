// Package wire implements the on-the-wire frame format shared by the
// discovery (UDP) and messaging (TCP) transports: a 4-byte big-endian
// magic prefix followed by an ASCII, pipe-delimited, NUL-terminated
// payload. Encode and Decode are pure and allocation-light, modeled on
// the header-then-payload discipline of MsgChannel's Send/Receive pair,
// but the frame itself is a hand-rolled ASCII format rather than binary
// message marshaling — no available library speaks this ad hoc textual
// framing.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"

	"peerbeacon/internal/tunables"
)

// FrameType is the protocol's closed set of frame kinds. Decode never
// validates membership in this set; unknown types are a dispatcher
// concern (drop with a warning), not a codec concern.
type FrameType string

// Known frame types.
const (
	Discovery         FrameType = "DISCOVERY"
	DiscoveryResponse FrameType = "DISCOVERY_RESPONSE"
	Text              FrameType = "TEXT"
	Quit              FrameType = "QUIT"
)

// Errors returned by Encode/Decode.
var (
	// ErrTooSmall is returned when the destination buffer cannot hold
	// the encoded frame, or when a field's length would force the
	// frame to be truncated. No partial frame is ever written.
	ErrTooSmall = errors.New("wire: frame does not fit in buffer")

	// ErrMalformed is returned by Decode for any input that is not a
	// valid frame: too short, wrong magic, or missing the two
	// required '|' delimiters.
	ErrMalformed = errors.New("wire: malformed frame")
)

// Frame is the parsed, in-memory form of a wire frame.
type Frame struct {
	Type           FrameType
	SenderUsername string
	SenderIP       string
	Content        string
}

// minFrameLen is the smallest possible valid frame: magic, two
// delimiters, and the trailing NUL (magic + "||" + "\x00").
const minFrameLen = tunables.MagicLen + 3

// EncodeInto writes a frame for (typ, username, localIP, content) into
// buf and returns the number of bytes written, trailing NUL included.
// A missing username/localIP/content is substituted with "anon",
// "unknown", and "" respectively before validation.
func EncodeInto(buf []byte, typ FrameType, username, localIP, content string) (int, error) {
	if len(buf) < minFrameLen {
		return 0, ErrTooSmall
	}
	if username == "" {
		username = "anon"
	}
	if localIP == "" {
		localIP = "unknown"
	}
	if len(username) > tunables.MaxUsername || len(localIP) > tunables.MaxIP {
		return 0, ErrTooSmall
	}

	var payload bytes.Buffer
	payload.WriteString(string(typ))
	payload.WriteByte('|')
	payload.WriteString(username)
	payload.WriteByte('@')
	payload.WriteString(localIP)
	payload.WriteByte('|')
	payload.WriteString(content)

	need := tunables.MagicLen + payload.Len() + 1 // +1 for trailing NUL
	if need > len(buf) {
		return 0, ErrTooSmall
	}
	binary.BigEndian.PutUint32(buf, tunables.Magic)
	n := copy(buf[tunables.MagicLen:], payload.Bytes())
	buf[tunables.MagicLen+n] = 0
	return tunables.MagicLen + n + 1, nil
}

// Encode allocates a tunables.BufferSize buffer and encodes into it,
// returning the exact slice written.
func Encode(typ FrameType, username, localIP, content string) ([]byte, error) {
	buf := make([]byte, tunables.BufferSize)
	n, err := EncodeInto(buf, typ, username, localIP, content)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Decode parses a wire frame. It never panics on malformed input.
func Decode(b []byte) (Frame, error) {
	if len(b) < minFrameLen {
		return Frame{}, ErrMalformed
	}
	if binary.BigEndian.Uint32(b[:tunables.MagicLen]) != tunables.Magic {
		return Frame{}, ErrMalformed
	}
	payload := b[tunables.MagicLen:]
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	parts := bytes.SplitN(payload, []byte("|"), 3)
	if len(parts) != 3 {
		return Frame{}, ErrMalformed
	}
	typ := FrameType(parts[0])
	username, ip := splitSender(string(parts[1]))
	content := string(parts[2])

	if len(username) > tunables.MaxUsername {
		username = username[:tunables.MaxUsername]
	}
	if len(ip) > tunables.MaxIP {
		ip = ip[:tunables.MaxIP]
	}
	if len(content) > tunables.BufferSize-1 {
		content = content[:tunables.BufferSize-1]
	}
	return Frame{
		Type:           typ,
		SenderUsername: username,
		SenderIP:       ip,
		Content:        content,
	}, nil
}

// splitSender splits "USER@IP" on the first '@'. A missing '@' is
// tolerated for interoperability with sloppy senders: the whole token
// becomes the username and the IP is reported as "unknown".
func splitSender(s string) (username, ip string) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, "unknown"
}
