// Package tunnel implements the TCP services that run across the virtual
// link: static port forwarding, the SOCKS/HTTP proxy, file transfer and the
// remote-call endpoint. Every service is ordinary blocking socket code over
// net.Conn, one goroutine per connection.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"pkt.systems/pslog"
)

// Network is the peer-facing side of the virtual link.
type Network interface {
	Listen(port uint16) (net.Listener, error)
	Dial(ctx context.Context, port uint16) (net.Conn, error)
}

// Dialer opens connections to real targets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Ports are the well-known service ports on the virtual link.
type Ports struct {
	RemoteCall   uint16
	FileReceiver uint16
	FileSender   uint16
	Forward      uint16
	Proxy        uint16
}

// DefaultPorts returns the ports both ends use unless configured otherwise.
func DefaultPorts() Ports {
	return Ports{
		RemoteCall:   300,
		FileReceiver: 700,
		FileSender:   701,
		Forward:      7000,
		Proxy:        1080,
	}
}

// TaskCounter counts background jobs in flight. The zero value is ready.
type TaskCounter struct {
	n atomic.Int64
}

// Start records a job and returns the function that ends it.
func (c *TaskCounter) Start() (done func()) {
	c.n.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			c.n.Add(-1)
		}
	}
}

// Running reports the jobs in flight.
func (c *TaskCounter) Running() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

var errFieldTooLong = errors.New("tunnel: field exceeds limit")

// serve accepts until ln fails or ctx ends and hands each connection to
// handle on its own goroutine.
func serve(ctx context.Context, ln net.Listener, name string, handle func(context.Context, net.Conn)) error {
	log := pslog.Ctx(ctx).With("service", name)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	log.Debug("tunnel service listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s accept: %w", name, err)
		}
		log.Trace("tunnel service accepted", "remote", conn.RemoteAddr().String())
		go handle(ctx, conn)
	}
}

// readCString reads bytes up to a NUL terminator, which is consumed.
func readCString(r *bufio.Reader, limit int) (string, error) {
	buf := make([]byte, 0, 64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		if len(buf) >= limit {
			return "", fmt.Errorf("%w: %d bytes", errFieldTooLong, limit)
		}
		buf = append(buf, b)
	}
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// bufferedConn replays bytes already pulled into a bufio.Reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
