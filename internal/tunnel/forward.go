package tunnel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"pkt.systems/pslog"
)

// Replies reported to the front-end for a static forward request.
const (
	ReplyBindDone  = "bind local port done\n"
	ReplyBindError = "bind local port error\n"
)

// maxHostLen matches the host field of the port forward descriptor.
const maxHostLen = 63

// ErrBind reports that the local side of a forward could not listen.
var ErrBind = errors.New("tunnel: bind local port")

// ForwardSpec is one static forward: connections accepted on Src are
// carried to Dst on the other end. A zero destination port sends the
// connection to the peer's proxy service instead.
type ForwardSpec struct {
	SrcHost string
	SrcPort uint16
	DstHost string
	DstPort uint16
}

func (s ForwardSpec) String() string {
	return fmt.Sprintf("%s:%d:%s:%d", s.SrcHost, s.SrcPort, s.DstHost, s.DstPort)
}

// ParseForwardSpec parses the src_host:src_port:dst_host:dst_port form used
// by the remote-call service.
func ParseForwardSpec(s string) (ForwardSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return ForwardSpec{}, fmt.Errorf("tunnel: forward spec %q: want src_host:src_port:dst_host:dst_port", s)
	}
	srcPort, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return ForwardSpec{}, fmt.Errorf("tunnel: forward spec %q: source port: %w", s, err)
	}
	dstPort, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return ForwardSpec{}, fmt.Errorf("tunnel: forward spec %q: destination port: %w", s, err)
	}
	if len(parts[0]) > maxHostLen || len(parts[2]) > maxHostLen {
		return ForwardSpec{}, fmt.Errorf("%w: host longer than %d bytes", errFieldTooLong, maxHostLen)
	}
	return ForwardSpec{SrcHost: parts[0], SrcPort: uint16(srcPort), DstHost: parts[2], DstPort: uint16(dstPort)}, nil
}

// StaticForward listens on spec's source address and carries every
// accepted connection across the link. It returns once the listener is
// bound; the accept loop runs until ctx ends. When the bind fails no
// goroutine is started.
func StaticForward(ctx context.Context, spec ForwardSpec, network Network, ports Ports) (net.Addr, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(spec.SrcHost, strconv.Itoa(int(spec.SrcPort))))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrBind, spec, err)
	}
	log := pslog.Ctx(ctx).With("forward", spec.String())
	log.Info("tunnel forward listening", "addr", ln.Addr().String())
	go func() {
		err := serve(ctx, ln, "forward_local", func(ctx context.Context, conn net.Conn) {
			if err := forwardConn(ctx, conn, spec, network, ports); err != nil {
				log.Debug("tunnel forward connection ended", "err", err)
			}
		})
		if err != nil {
			log.Error("tunnel forward stopped", "err", err)
		}
	}()
	return ln.Addr(), nil
}

func forwardConn(ctx context.Context, conn net.Conn, spec ForwardSpec, network Network, ports Ports) error {
	if spec.DstPort == 0 {
		peer, err := network.Dial(ctx, ports.Proxy)
		if err != nil {
			_ = conn.Close()
			return err
		}
		return Pipe(ctx, conn, peer)
	}
	peer, err := network.Dial(ctx, ports.Forward)
	if err != nil {
		_ = conn.Close()
		return err
	}
	hdr := appendCString(nil, spec.DstHost)
	hdr = binary.BigEndian.AppendUint16(hdr, spec.DstPort)
	if _, err := peer.Write(hdr); err != nil {
		_ = conn.Close()
		_ = peer.Close()
		return fmt.Errorf("forward header: %w", err)
	}
	return Pipe(ctx, conn, peer)
}

// ServeForward runs the far end of static forwards: each connection names
// its target as a NUL-terminated host and a big-endian port, then carries
// the stream.
func ServeForward(ctx context.Context, ln net.Listener, dialer Dialer) error {
	return serve(ctx, ln, "forward", func(ctx context.Context, conn net.Conn) {
		log := pslog.Ctx(ctx)
		r := bufio.NewReader(conn)
		host, err := readCString(r, maxHostLen)
		if err != nil {
			log.Debug("tunnel forward header", "err", err)
			_ = conn.Close()
			return
		}
		var portBuf [2]byte
		if _, err := io.ReadFull(r, portBuf[:]); err != nil {
			log.Debug("tunnel forward header", "err", err)
			_ = conn.Close()
			return
		}
		target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf[:]))))
		upstream, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			log.Info("tunnel forward dial failed", "target", target, "err", err)
			_ = conn.Close()
			return
		}
		log.Debug("tunnel forward connected", "target", target)
		if err := Pipe(ctx, &bufferedConn{Conn: conn, r: r}, upstream); err != nil {
			log.Debug("tunnel forward connection ended", "target", target, "err", err)
		}
	})
}
