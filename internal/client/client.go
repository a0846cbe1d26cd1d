// Package client is the local front-end: it relays the user's terminal to
// the session server and hosts the REPL once the agent is up.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/termtunnel/internal/frame"
	"pkt.systems/termtunnel/internal/logx"
	"pkt.systems/termtunnel/internal/repl"
)

// ErrServerClosed is returned when the frame stream ends before an Exit
// frame.
var ErrServerClosed = errors.New("client: session server closed")

// Options configures a Client.
type Options struct {
	// In and Out are the user's terminal, already in raw mode.
	In  io.Reader
	Out io.Writer
	// Frames carries frames from the session server, Commands to it.
	Frames   io.Reader
	Commands io.Writer
	// Resize delivers window size changes. May be nil.
	Resize <-chan frame.WinSize

	Prompt      string
	HistoryFile string

	ReplyTimeout time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prompt == "" {
		o.Prompt = "termtunnel> "
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// Client is one front-end session.
type Client struct {
	opts Options
	log  pslog.Logger

	fw *frame.Writer

	inREPL atomic.Bool
	replIn *io.PipeWriter
	lines  *repl.LineReader
	pongs  chan struct{}
	counts chan int64
}

// New prepares a client.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:   opts,
		fw:     frame.NewWriter(opts.Commands),
		pongs:  make(chan struct{}, 1),
		counts: make(chan int64, 1),
	}
}

// Run relays until the server reports the child's exit and returns its
// exit code.
func (c *Client) Run(ctx context.Context) (int, error) {
	c.log = logx.WithRole(pslog.Ctx(ctx), "client")
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(ctx, c.log))
	defer cancel()

	replIn, replOut := io.Pipe()
	c.replIn = replOut
	defer replOut.Close()
	c.lines = repl.NewLineReader(replIn, c.opts.Out, c.opts.Prompt)
	if err := c.lines.LoadHistory(c.opts.HistoryFile); err != nil {
		c.log.Warn("client history load failed", "path", c.opts.HistoryFile, "err", err)
	}
	defer func() {
		if err := c.lines.SaveHistory(c.opts.HistoryFile); err != nil {
			c.log.Warn("client history save failed", "path", c.opts.HistoryFile, "err", err)
		}
	}()

	stdin := make(chan []byte, 1)
	stdinErr := make(chan error, 1)
	go c.readStdin(ctx, stdin, stdinErr)

	frames := make(chan frame.Frame, 1)
	framesErr := make(chan error, 1)
	go func() {
		r := frame.NewReader(c.opts.Frames)
		for {
			f, err := r.Next()
			if err != nil {
				framesErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 1, ctx.Err()
		case data := <-stdin:
			c.send(frame.TTYData, data)
		case err := <-stdinErr:
			c.log.Debug("client stdin ended", "err", err)
			stdinErr = nil
		case ws, ok := <-c.opts.Resize:
			if !ok {
				c.opts.Resize = nil
				continue
			}
			payload, _ := ws.MarshalBinary()
			c.send(frame.WinResize, payload)
		case err := <-framesErr:
			if errors.Is(err, io.EOF) {
				return 1, ErrServerClosed
			}
			return 1, fmt.Errorf("client: read frame: %w", err)
		case f := <-frames:
			if code, done := c.handleFrame(ctx, f); done {
				return code, nil
			}
		}
	}
}

// readStdin routes keystrokes to the REPL while it runs and to the main
// loop otherwise.
func (c *Client) readStdin(ctx context.Context, out chan<- []byte, errc chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := c.opts.In.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if c.inREPL.Load() {
				if _, werr := c.replIn.Write(data); werr != nil {
					errc <- werr
					return
				}
			} else {
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, f frame.Frame) (int, bool) {
	switch f.Type {
	case frame.TTYData:
		if _, err := c.opts.Out.Write(f.Payload); err != nil {
			c.log.Debug("client stdout write failed", "err", err)
		}
	case frame.Exit:
		code, err := frame.DecodeExitCode(f.Payload)
		if err != nil {
			c.log.Warn("client bad exit frame", "err", err)
			code = 1
		}
		return code, true
	case frame.EnterREPL:
		if c.inREPL.Swap(true) {
			c.log.Debug("client repl already running")
			return 0, false
		}
		if argv := frame.DecodeArgv(f.Payload); len(argv) > 0 {
			go c.runOneShot(ctx, argv)
		} else {
			go c.runREPL(ctx)
		}
	case frame.Ping:
		select {
		case c.pongs <- struct{}{}:
		default:
		}
	case frame.Return:
		c.print(string(f.Payload))
	case frame.TaskCount:
		n, err := frame.DecodeCount(f.Payload)
		if err != nil {
			c.log.Warn("client bad task count", "err", err)
			return 0, false
		}
		select {
		case c.counts <- n:
		default:
		}
	default:
		c.log.Warn("client unknown frame", "type", int64(f.Type))
	}
	return 0, false
}

func (c *Client) send(t frame.Type, payload []byte) {
	if err := c.fw.WriteFrame(t, payload); err != nil {
		c.log.Debug("client frame write failed", "frame", t.String(), "err", err)
	}
}

func (c *Client) print(msg string) {
	if _, err := c.lines.Write([]byte(msg)); err != nil {
		c.log.Debug("client print failed", "err", err)
	}
}

func (c *Client) printf(format string, args ...any) {
	c.print(fmt.Sprintf(format, args...))
}
