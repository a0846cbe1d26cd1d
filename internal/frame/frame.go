// Package frame implements the length-prefixed control protocol spoken over
// the local pipes between the front-end and the session server.
//
// Each frame is int64 payload length, int64 type, then the payload, all in
// native byte order with no padding.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Type identifies the command carried by a frame.
type Type int64

const (
	TTYData      Type = 1
	Exit         Type = 2
	WinResize    Type = 3
	EnterREPL    Type = 4
	Ping         Type = 5
	ExitREPL     Type = 6
	FileExchange Type = 7
	PortForward  Type = 8
	Return       Type = 9
	TaskCount    Type = 10
	Argv         Type = 11
)

func (t Type) String() string {
	switch t {
	case TTYData:
		return "tty_data"
	case Exit:
		return "exit"
	case WinResize:
		return "win_resize"
	case EnterREPL:
		return "enter_repl"
	case Ping:
		return "ping"
	case ExitREPL:
		return "exit_repl"
	case FileExchange:
		return "file_exchange"
	case PortForward:
		return "port_forward"
	case Return:
		return "return"
	case TaskCount:
		return "task_count"
	case Argv:
		return "argv"
	default:
		return fmt.Sprintf("type(%d)", int64(t))
	}
}

// HeaderSize is the fixed length of the length and type fields.
const HeaderSize = 16

// MaxPayload bounds a single frame. Larger lengths mean the stream is
// corrupt.
const MaxPayload = 16 << 20

var (
	ErrFrameTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrBadLength     = errors.New("frame: negative payload length")
)

var byteOrder = binary.NativeEndian

// Frame is one decoded control message.
type Frame struct {
	Type    Type
	Payload []byte
}

// Append encodes a frame onto dst.
func Append(dst []byte, t Type, payload []byte) []byte {
	dst = byteOrder.AppendUint64(dst, uint64(len(payload)))
	dst = byteOrder.AppendUint64(dst, uint64(t))
	return append(dst, payload...)
}

// Encode returns the wire form of a frame.
func Encode(t Type, payload []byte) []byte {
	return Append(make([]byte, 0, HeaderSize+len(payload)), t, payload)
}

func checkLength(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	if n > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return nil
}

// Writer serialises frames onto w. It is safe for concurrent use; every
// frame goes out in a single Write so frames never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame sends one frame.
func (w *Writer) WriteFrame(t Type, payload []byte) error {
	buf := Encode(t, payload)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", t, err)
	}
	return nil
}

// Reader decodes frames from a blocking stream.
type Reader struct {
	r   io.Reader
	hdr [HeaderSize]byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next blocks until a full frame is available. It returns io.EOF only on a
// clean frame boundary.
func (r *Reader) Next() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int64(byteOrder.Uint64(r.hdr[0:8]))
	if err := checkLength(n); err != nil {
		return Frame{}, err
	}
	f := Frame{Type: Type(byteOrder.Uint64(r.hdr[8:16]))}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r.r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return f, nil
}
