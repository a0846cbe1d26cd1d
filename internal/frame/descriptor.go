package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Field sizes of the fixed-layout descriptors. Strings are NUL padded and
// must leave room for the terminator.
const (
	HostFieldSize = 64
	PathFieldSize = 4096
)

var (
	ErrHostTooLong = errors.New("frame: host exceeds field size")
	ErrPathTooLong = errors.New("frame: path exceeds field size")
	ErrShortRecord = errors.New("frame: record too short")
)

// ForwardMode selects how a port forward is established.
type ForwardMode int32

const (
	// ForwardDynamic is reserved and not implemented.
	ForwardDynamic ForwardMode = 2
	// ForwardStatic listens locally and connects out on the agent side.
	ForwardStatic ForwardMode = 3
	// ForwardRemoteListen asks the agent to listen and connects out locally.
	ForwardRemoteListen ForwardMode = 4
)

func (m ForwardMode) String() string {
	switch m {
	case ForwardDynamic:
		return "dynamic"
	case ForwardStatic:
		return "static"
	case ForwardRemoteListen:
		return "remote_listen"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// PortForwardRequest asks the session server to set up a forward.
// A destination port of zero selects the proxy service instead of a fixed
// target.
type PortForwardRequest struct {
	Mode    ForwardMode
	SrcHost string
	SrcPort uint16
	DstHost string
	DstPort uint16
}

const portForwardSize = 4 + HostFieldSize + 2 + HostFieldSize + 2

// MarshalBinary encodes the request in its fixed layout.
func (r PortForwardRequest) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, portForwardSize)
	out = byteOrder.AppendUint32(out, uint32(r.Mode))
	var err error
	if out, err = appendField(out, r.SrcHost, HostFieldSize, ErrHostTooLong); err != nil {
		return nil, err
	}
	out = byteOrder.AppendUint16(out, r.SrcPort)
	if out, err = appendField(out, r.DstHost, HostFieldSize, ErrHostTooLong); err != nil {
		return nil, err
	}
	out = byteOrder.AppendUint16(out, r.DstPort)
	return out, nil
}

// UnmarshalBinary decodes a fixed-layout request.
func (r *PortForwardRequest) UnmarshalBinary(data []byte) error {
	if len(data) < portForwardSize {
		return fmt.Errorf("%w: port forward needs %d bytes, got %d", ErrShortRecord, portForwardSize, len(data))
	}
	r.Mode = ForwardMode(int32(byteOrder.Uint32(data[0:4])))
	off := 4
	r.SrcHost = readField(data[off : off+HostFieldSize])
	off += HostFieldSize
	r.SrcPort = byteOrder.Uint16(data[off:])
	off += 2
	r.DstHost = readField(data[off : off+HostFieldSize])
	off += HostFieldSize
	r.DstPort = byteOrder.Uint16(data[off:])
	return nil
}

// TransMode is the direction of a file exchange, seen from the local side.
type TransMode int32

const (
	SendFile TransMode = 1
	RecvFile TransMode = 2
)

func (m TransMode) String() string {
	switch m {
	case SendFile:
		return "send"
	case RecvFile:
		return "recv"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// FileExchangeRequest asks the session server to move one file.
type FileExchangeRequest struct {
	Src  string
	Dst  string
	Mode TransMode
}

const fileExchangeSize = PathFieldSize*2 + 4

// MarshalBinary encodes the request in its fixed layout.
func (r FileExchangeRequest) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, fileExchangeSize)
	var err error
	if out, err = appendField(out, r.Src, PathFieldSize, ErrPathTooLong); err != nil {
		return nil, err
	}
	if out, err = appendField(out, r.Dst, PathFieldSize, ErrPathTooLong); err != nil {
		return nil, err
	}
	return byteOrder.AppendUint32(out, uint32(r.Mode)), nil
}

// UnmarshalBinary decodes a fixed-layout request.
func (r *FileExchangeRequest) UnmarshalBinary(data []byte) error {
	if len(data) < fileExchangeSize {
		return fmt.Errorf("%w: file exchange needs %d bytes, got %d", ErrShortRecord, fileExchangeSize, len(data))
	}
	r.Src = readField(data[:PathFieldSize])
	r.Dst = readField(data[PathFieldSize : 2*PathFieldSize])
	r.Mode = TransMode(int32(byteOrder.Uint32(data[2*PathFieldSize:])))
	return nil
}

// WinSize mirrors the kernel's struct winsize.
type WinSize struct {
	Rows uint16
	Cols uint16
	X    uint16
	Y    uint16
}

// MarshalBinary encodes the window size.
func (w WinSize) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 8)
	out = byteOrder.AppendUint16(out, w.Rows)
	out = byteOrder.AppendUint16(out, w.Cols)
	out = byteOrder.AppendUint16(out, w.X)
	return byteOrder.AppendUint16(out, w.Y), nil
}

// UnmarshalBinary decodes a window size.
func (w *WinSize) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: winsize needs 8 bytes, got %d", ErrShortRecord, len(data))
	}
	w.Rows = byteOrder.Uint16(data[0:])
	w.Cols = byteOrder.Uint16(data[2:])
	w.X = byteOrder.Uint16(data[4:])
	w.Y = byteOrder.Uint16(data[6:])
	return nil
}

// EncodeExitCode is the payload of an Exit frame.
func EncodeExitCode(code int) []byte {
	return byteOrder.AppendUint32(nil, uint32(int32(code)))
}

// DecodeExitCode reads an Exit payload.
func DecodeExitCode(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: exit code needs 4 bytes, got %d", ErrShortRecord, len(data))
	}
	return int(int32(byteOrder.Uint32(data))), nil
}

// EncodeCount is the payload of a TaskCount response.
func EncodeCount(n int64) []byte {
	return byteOrder.AppendUint64(nil, uint64(n))
}

// DecodeCount reads a TaskCount response.
func DecodeCount(data []byte) (int64, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("%w: count needs 8 bytes, got %d", ErrShortRecord, len(data))
	}
	return int64(byteOrder.Uint64(data)), nil
}

// EncodeArgv joins arguments with NUL separators.
func EncodeArgv(args []string) []byte {
	return []byte(strings.Join(args, "\x00"))
}

// DecodeArgv splits a NUL separated argument list. An empty payload yields
// no arguments.
func DecodeArgv(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\x00")
}

func appendField(dst []byte, value string, size int, tooLong error) ([]byte, error) {
	if len(value) >= size {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", tooLong, len(value), size-1)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return nil, fmt.Errorf("frame: field contains NUL byte")
	}
	dst = append(dst, value...)
	return append(dst, make([]byte, size-len(value))...), nil
}

func readField(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
