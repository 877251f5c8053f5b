package wire

import (
	"strings"
	"testing"

	"peerbeacon/internal/tunables"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		typ      FrameType
		username string
		ip       string
		content  string
	}{
		{Text, "alice", "192.168.1.10", "hello"},
		{Discovery, "bob", "10.0.0.2", ""},
		{Quit, "carol", "172.16.0.5", "bye"},
	}
	for _, c := range cases {
		buf, err := Encode(c.typ, c.username, c.ip, c.content)
		if err != nil {
			t.Fatalf("Encode(%v): %s", c, err)
		}
		f, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode after Encode(%v): %s", c, err)
		}
		if f.Type != c.typ || f.SenderUsername != c.username || f.SenderIP != c.ip || f.Content != c.content {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", f, c)
		}
	}
}

func TestEncodeSubstitutesDefaults(t *testing.T) {
	buf, err := Encode(Discovery, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	f, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if f.SenderUsername != "anon" {
		t.Errorf("username = %q, want anon", f.SenderUsername)
	}
	if f.SenderIP != "unknown" {
		t.Errorf("ip = %q, want unknown", f.SenderIP)
	}
}

func TestEncodeTooSmallBuffer(t *testing.T) {
	buf := make([]byte, minFrameLen-1)
	if _, err := EncodeInto(buf, Text, "a", "b", "c"); err != ErrTooSmall {
		t.Fatalf("got %v, want ErrTooSmall", err)
	}
}

func TestEncodeOversizedFieldFails(t *testing.T) {
	long := strings.Repeat("x", tunables.MaxUsername+1)
	if _, err := Encode(Text, long, "1.2.3.4", "hi"); err != ErrTooSmall {
		t.Fatalf("got %v, want ErrTooSmall", err)
	}
}

func TestDecodeRejectsShort(t *testing.T) {
	if _, err := Decode([]byte{0x43, 0x53}); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := []byte("XXXX" + "T|u@i|c\x00")
	if _, err := Decode(buf); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsMissingDelimiters(t *testing.T) {
	buf := make([]byte, 4)
	buf[0], buf[1], buf[2], buf[3] = 0x43, 0x53, 0x44, 0x43
	buf = append(buf, []byte("HELLO WORLD\x00")...)
	if _, err := Decode(buf); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDecodeMinimalFrame(t *testing.T) {
	buf := make([]byte, 0, minFrameLen)
	buf = append(buf, 0x43, 0x53, 0x44, 0x43)
	buf = append(buf, '|', '|', 0)
	if len(buf) != minFrameLen {
		t.Fatalf("test frame length = %d, want %d", len(buf), minFrameLen)
	}
	f, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode minimal frame: %s", err)
	}
	if f.Type != "" || f.SenderUsername != "" || f.SenderIP != "unknown" || f.Content != "" {
		t.Fatalf("minimal frame = %+v", f)
	}
}

func TestDecodeMissingAtIsTolerated(t *testing.T) {
	// Hand-craft a sender token with no '@'.
	raw := []byte{0x43, 0x53, 0x44, 0x43}
	raw = append(raw, []byte("DISCOVERY|justauser|content\x00")...)
	f, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.SenderUsername != "justauser" || f.SenderIP != "unknown" {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeTruncatesOversizedContent(t *testing.T) {
	long := strings.Repeat("y", tunables.BufferSize*2)
	raw := make([]byte, 4)
	raw[0], raw[1], raw[2], raw[3] = 0x43, 0x53, 0x44, 0x43
	raw = append(raw, []byte("TEXT|u@i|"+long)...)
	raw = append(raw, 0)
	f, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Content) != tunables.BufferSize-1 {
		t.Fatalf("content length = %d, want %d", len(f.Content), tunables.BufferSize-1)
	}
}

func TestContentExactlyMaxRoundTrips(t *testing.T) {
	headerLen := tunables.MagicLen + len(string(Text)) + 1 + len("u@i") + 1 + 1 // +1 NUL
	maxContent := tunables.BufferSize - headerLen
	content := strings.Repeat("z", maxContent)
	buf, err := Encode(Text, "u", "i", content)
	if err != nil {
		t.Fatalf("Encode: %s", err)
	}
	f, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if f.Content != content {
		t.Fatalf("content round-trip failed: got %d bytes, want %d", len(f.Content), len(content))
	}
}
