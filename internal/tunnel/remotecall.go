package tunnel

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"pkt.systems/pslog"
)

// Method selects the procedure of a remote call.
type Method int32

const (
	// MethodBindForward asks the agent to listen for a static forward.
	// Payload: src_host:src_port:dst_host:dst_port.
	MethodBindForward Method = 1
	// MethodHello announces a started agent. Payload: one-shot argv as
	// built by EncodeArgv, empty for an interactive session.
	MethodHello Method = 2
)

func (m Method) String() string {
	switch m {
	case MethodBindForward:
		return "bind_forward"
	case MethodHello:
		return "hello"
	default:
		return fmt.Sprintf("method(%d)", int32(m))
	}
}

// maxCallPayload bounds the NUL terminated payload of a call.
const maxCallPayload = 64 << 10

// argSeparator splits argv inside a call payload, which cannot hold NUL.
const argSeparator = "\x1f"

// EncodeArgv packs an argument list into a call payload.
func EncodeArgv(args []string) string {
	return strings.Join(args, argSeparator)
}

// DecodeArgv reverses EncodeArgv. An empty payload yields no arguments.
func DecodeArgv(payload string) []string {
	if payload == "" {
		return nil
	}
	return strings.Split(payload, argSeparator)
}

// CallHandler runs one remote call.
type CallHandler func(ctx context.Context, payload string) error

// ServeRemoteCall answers one call per connection: an int32 method in
// native byte order followed by a NUL terminated payload. Calls are one
// way; the connection is closed after dispatch.
func ServeRemoteCall(ctx context.Context, ln net.Listener, handlers map[Method]CallHandler) error {
	return serve(ctx, ln, "remote_call", func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		log := pslog.Ctx(ctx)
		r := bufio.NewReader(conn)
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			log.Debug("tunnel remote call header", "err", err)
			return
		}
		method := Method(int32(binary.NativeEndian.Uint32(hdr[:])))
		payload, err := readCString(r, maxCallPayload)
		if err != nil {
			log.Debug("tunnel remote call payload", "method", method.String(), "err", err)
			return
		}
		handler, ok := handlers[method]
		if !ok {
			log.Info("tunnel remote call unknown method", "method", method.String())
			return
		}
		if err := handler(ctx, payload); err != nil {
			log.Error("tunnel remote call failed", "method", method.String(), "err", err)
			return
		}
		log.Debug("tunnel remote call done", "method", method.String())
	})
}

// Call performs a one-way remote call on the peer.
func Call(ctx context.Context, network Network, port uint16, method Method, payload string) error {
	if strings.IndexByte(payload, 0) >= 0 {
		return fmt.Errorf("tunnel: %s payload contains NUL", method)
	}
	conn, err := network.Dial(ctx, port)
	if err != nil {
		return err
	}
	defer conn.Close()
	msg := binary.NativeEndian.AppendUint32(nil, uint32(method))
	msg = appendCString(msg, payload)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("remote call %s: %w", method, err)
	}
	return nil
}
