package termchan

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseMessage(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
	}{
		{in: "MAGIC!", kind: KindMagic},
		{in: "PING!", kind: KindPing},
		{in: "NOP!", kind: KindNop},
		{in: "EXIT!", kind: KindExit},
		{in: "EXIT", kind: KindExit},
		{in: "hello!", kind: KindUnknown},
	}
	for _, tc := range cases {
		msg, err := ParseMessage([]byte(tc.in))
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if msg.Kind != tc.kind {
			t.Fatalf("%q: expected %s, got %s", tc.in, tc.kind, msg.Kind)
		}
	}
}

func TestBinaryMessageRoundTrip(t *testing.T) {
	packet := []byte{0x45, 0x00, 0x00, 0x1c, '!', 0x1b, 0x00}
	msg, err := ParseMessage(EncodeBinary(packet))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindBinary || !bytes.Equal(msg.Data, packet) {
		t.Fatalf("unexpected message %+v", msg)
	}
	if bytes.IndexByte(EncodeBinary(packet)[:len(EncodeBinary(packet))-1], Delimiter) >= 0 {
		t.Fatalf("encoded body must not contain the delimiter")
	}
}

func TestParseMessageRejectsBadBase64(t *testing.T) {
	if _, err := ParseMessage([]byte("B$$$!")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSplitterResetsOnNewline(t *testing.T) {
	s := NewSplitter(64)
	var got []string
	collect := func(msg []byte) error {
		got = append(got, string(msg))
		return nil
	}
	if err := s.Feed([]byte("garbage\nPI"), collect); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := s.Feed([]byte("NG!\nNOP!\x00junk"), collect); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := s.Feed([]byte("\x00EXIT!"), collect); err != nil {
		t.Fatalf("feed: %v", err)
	}
	want := []string{"PING!", "NOP!", "EXIT!"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSplitterRejectsOversizedMessage(t *testing.T) {
	s := NewSplitter(4)
	err := s.Feed([]byte("ABCDEFG!"), func([]byte) error { return nil })
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
