package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// halfCloseIdle bounds how long the remaining direction may stay silent
// after the other one reached EOF.
var halfCloseIdle = 30 * time.Second

type closeWriter interface {
	CloseWrite() error
}

// Pipe copies bytes between a and b until both directions are done. EOF in
// one direction half-closes the other side, after which the remaining
// direction is torn down once it has been idle for halfCloseIdle. An error in
// either direction closes both connections. Both connections are closed on
// return.
func Pipe(ctx context.Context, a, b net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = a.Close()
		_ = b.Close()
	})
	defer stop()
	defer a.Close()
	defer b.Close()

	idle := halfCloseIdle
	ab := &halfPipe{src: a, dst: b, window: idle}
	ba := &halfPipe{src: b, dst: a, window: idle}
	var g errgroup.Group
	g.Go(func() error { return ab.run(ba) })
	g.Go(func() error { return ba.run(ab) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// halfPipe is one copy direction.
type halfPipe struct {
	src, dst net.Conn
	window   time.Duration
	// idle is the read deadline window in nanoseconds, zero while the
	// opposite direction is still open.
	idle atomic.Int64
}

func (h *halfPipe) Read(p []byte) (int, error) {
	if d := h.idle.Load(); d > 0 {
		_ = h.src.SetReadDeadline(time.Now().Add(time.Duration(d)))
	}
	return h.src.Read(p)
}

func (h *halfPipe) run(other *halfPipe) error {
	_, err := io.Copy(h.dst, h)
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		_ = h.dst.Close()
		_ = h.src.Close()
		return nil
	case err != nil && !errors.Is(err, net.ErrClosed):
		_ = h.dst.Close()
		_ = h.src.Close()
		return err
	}
	if cw, ok := h.dst.(closeWriter); ok {
		_ = cw.CloseWrite()
		other.idle.Store(int64(other.window))
		_ = other.src.SetReadDeadline(time.Now().Add(other.window))
	} else {
		_ = h.dst.Close()
	}
	return nil
}
