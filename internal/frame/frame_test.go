package frame

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParserDeliversFragmentedFramesInOrder(t *testing.T) {
	var stream []byte
	stream = Append(stream, TTYData, []byte("ls -la\r"))
	stream = Append(stream, Ping, nil)
	stream = Append(stream, Return, []byte("bind local port done\n"))

	for _, chunk := range []int{1, 3, 16, 17, len(stream)} {
		var p Parser
		var got []Frame
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			if err := p.Feed(stream[off:end], func(f Frame) error {
				got = append(got, f)
				return nil
			}); err != nil {
				t.Fatalf("chunk %d: feed: %v", chunk, err)
			}
		}
		if len(got) != 3 {
			t.Fatalf("chunk %d: expected 3 frames, got %d", chunk, len(got))
		}
		if got[0].Type != TTYData || string(got[0].Payload) != "ls -la\r" {
			t.Fatalf("chunk %d: unexpected first frame %+v", chunk, got[0])
		}
		if got[1].Type != Ping || len(got[1].Payload) != 0 {
			t.Fatalf("chunk %d: unexpected second frame %+v", chunk, got[1])
		}
		if got[2].Type != Return {
			t.Fatalf("chunk %d: unexpected third frame %+v", chunk, got[2])
		}
		if p.Buffered() != 0 {
			t.Fatalf("chunk %d: expected empty buffer, got %d", chunk, p.Buffered())
		}
	}
}

func TestParserHoldsPartialFrame(t *testing.T) {
	full := Encode(TTYData, []byte("abcdef"))
	var p Parser
	calls := 0
	if err := p.Feed(full[:HeaderSize+3], func(Frame) error { calls++; return nil }); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no frame before payload completes")
	}
	if err := p.Feed(full[HeaderSize+3:], func(Frame) error { calls++; return nil }); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one frame, got %d", calls)
	}
}

func TestParserRejectsCorruptLength(t *testing.T) {
	var p Parser
	hdr := byteOrder.AppendUint64(nil, uint64(MaxPayload+1))
	hdr = byteOrder.AppendUint64(hdr, uint64(TTYData))
	err := p.Feed(hdr, func(Frame) error { return nil })
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	p = Parser{}
	hdr = byteOrder.AppendUint64(nil, ^uint64(0))
	hdr = byteOrder.AppendUint64(hdr, uint64(TTYData))
	if err := p.Feed(hdr, func(Frame) error { return nil }); !errors.Is(err, ErrBadLength) {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame(EnterREPL, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteFrame(Exit, EncodeExitCode(3)); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(&buf)
	f, err := r.Next()
	if err != nil || f.Type != EnterREPL || len(f.Payload) != 0 {
		t.Fatalf("unexpected frame %+v %v", f, err)
	}
	f, err = r.Next()
	if err != nil || f.Type != Exit {
		t.Fatalf("unexpected frame %+v %v", f, err)
	}
	code, err := DecodeExitCode(f.Payload)
	if err != nil || code != 3 {
		t.Fatalf("expected exit code 3, got %d %v", code, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderTruncatedPayload(t *testing.T) {
	wire := Encode(TTYData, []byte("abcdef"))
	r := NewReader(bytes.NewReader(wire[:len(wire)-2]))
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestPortForwardRequestLayout(t *testing.T) {
	req := PortForwardRequest{Mode: ForwardStatic, SrcHost: "127.0.0.1", SrcPort: 8080, DstHost: "intranet.local", DstPort: 80}
	data, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != 4+64+2+64+2 {
		t.Fatalf("unexpected record size %d", len(data))
	}
	var got PortForwardRequest
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != req {
		t.Fatalf("expected %+v, got %+v", req, got)
	}

	req.DstHost = strings.Repeat("h", HostFieldSize)
	if _, err := req.MarshalBinary(); !errors.Is(err, ErrHostTooLong) {
		t.Fatalf("expected ErrHostTooLong, got %v", err)
	}
	if err := got.UnmarshalBinary(data[:10]); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("expected ErrShortRecord, got %v", err)
	}
}

func TestFileExchangeRequestLayout(t *testing.T) {
	req := FileExchangeRequest{Src: "/tmp/a", Dst: "b", Mode: RecvFile}
	data, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != 2*PathFieldSize+4 {
		t.Fatalf("unexpected record size %d", len(data))
	}
	var got FileExchangeRequest
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != req {
		t.Fatalf("expected %+v, got %+v", req, got)
	}
	req.Src = strings.Repeat("p", PathFieldSize)
	if _, err := req.MarshalBinary(); !errors.Is(err, ErrPathTooLong) {
		t.Fatalf("expected ErrPathTooLong, got %v", err)
	}
}

func TestArgvAndCount(t *testing.T) {
	args := []string{"upload", "my file.txt", ""}
	if got := DecodeArgv(EncodeArgv(args)); len(got) != 3 || got[1] != "my file.txt" {
		t.Fatalf("unexpected argv %q", got)
	}
	if got := DecodeArgv(nil); got != nil {
		t.Fatalf("expected nil argv, got %q", got)
	}
	n, err := DecodeCount(EncodeCount(42))
	if err != nil || n != 42 {
		t.Fatalf("expected 42, got %d %v", n, err)
	}
	ws := WinSize{Rows: 50, Cols: 132}
	data, _ := ws.MarshalBinary()
	var got WinSize
	if err := got.UnmarshalBinary(data); err != nil || got != ws {
		t.Fatalf("expected %+v, got %+v %v", ws, got, err)
	}
}
