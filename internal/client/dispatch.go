package client

import (
	"context"
	"errors"
	"io"
	"time"

	"pkt.systems/termtunnel/internal/frame"
	"pkt.systems/termtunnel/internal/repl"
	"pkt.systems/termtunnel/internal/tunnel"
)

var errNoReply = errors.New("no reply from session server")

func (c *Client) runREPL(ctx context.Context) {
	c.log.Info("client repl started")
	c.print("agent connected, type help to show the command list\n")
	defer c.leaveREPL()
	for ctx.Err() == nil {
		line, err := c.lines.ReadLine()
		var cmd repl.Command
		switch {
		case errors.Is(err, repl.ErrInterrupted):
			continue
		case errors.Is(err, io.EOF):
			cmd = repl.Exit{}
		case err != nil:
			return
		default:
			cmd, err = repl.Parse(line)
			if err != nil {
				c.printf("%v\n", err)
				continue
			}
		}
		if cmd == nil {
			continue
		}
		if c.dispatch(ctx, cmd) {
			return
		}
	}
}

func (c *Client) runOneShot(ctx context.Context, argv []string) {
	log := c.log.With("argv", argv)
	log.Info("client one-shot")
	defer c.leaveREPL()
	cmd, err := repl.ParseArgs(argv)
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	if cmd == nil {
		return
	}
	if _, ok := cmd.(repl.Exit); !ok {
		c.dispatch(ctx, cmd)
	}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		n, err := c.taskCount(ctx)
		if err != nil {
			log.Warn("client one-shot task poll failed", "err", err)
		} else if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) leaveREPL() {
	c.send(frame.ExitREPL, nil)
	c.inREPL.Store(false)
	c.log.Info("client repl left")
}

// dispatch runs one command and reports whether the REPL should end.
func (c *Client) dispatch(ctx context.Context, cmd repl.Command) bool {
	switch cmd := cmd.(type) {
	case repl.LocalListen:
		c.forward(frame.ForwardStatic, cmd.Forward)
	case repl.RemoteListen:
		c.forward(frame.ForwardRemoteListen, cmd.Forward)
	case repl.Upload:
		c.exchange(frame.SendFile, cmd.Src, cmd.Dst)
	case repl.Download:
		c.exchange(frame.RecvFile, cmd.Src, cmd.Dst)
	case repl.Ping:
		rtt, err := c.ping(ctx)
		if err != nil {
			c.printf("ping: %v\n", err)
			break
		}
		c.printf("pong: %.3f ms\n", float64(rtt.Microseconds())/1000)
	case repl.Tasks:
		n, err := c.taskCount(ctx)
		if err != nil {
			c.printf("tasks: %v\n", err)
			break
		}
		c.printf("%d task(s) running\n", n)
	case repl.Help:
		c.print(repl.HelpText(cmd.Topic))
	case repl.Exit:
		if cmd.Force {
			return true
		}
		n, err := c.taskCount(ctx)
		if err != nil {
			c.printf("exit: %v, use exit -f to leave anyway\n", err)
			return false
		}
		if n > 0 {
			c.printf("%d task(s) still running, use exit -f to leave anyway\n", n)
			return false
		}
		return true
	}
	return false
}

func (c *Client) forward(mode frame.ForwardMode, spec tunnel.ForwardSpec) {
	req := frame.PortForwardRequest{
		Mode:    mode,
		SrcHost: spec.SrcHost,
		SrcPort: spec.SrcPort,
		DstHost: spec.DstHost,
		DstPort: spec.DstPort,
	}
	payload, err := req.MarshalBinary()
	if err != nil {
		c.printf("%s: %v\n", mode, err)
		return
	}
	c.send(frame.PortForward, payload)
}

func (c *Client) exchange(mode frame.TransMode, src, dst string) {
	req := frame.FileExchangeRequest{Src: src, Dst: dst, Mode: mode}
	payload, err := req.MarshalBinary()
	if err != nil {
		c.printf("%s: %v\n", mode, err)
		return
	}
	c.send(frame.FileExchange, payload)
}

func (c *Client) ping(ctx context.Context) (time.Duration, error) {
	drain(c.pongs)
	start := time.Now()
	c.send(frame.Ping, nil)
	timer := time.NewTimer(c.opts.ReplyTimeout)
	defer timer.Stop()
	select {
	case <-c.pongs:
		return time.Since(start), nil
	case <-timer.C:
		return 0, errNoReply
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Client) taskCount(ctx context.Context) (int64, error) {
	drain(c.counts)
	c.send(frame.TaskCount, nil)
	timer := time.NewTimer(c.opts.ReplyTimeout)
	defer timer.Stop()
	select {
	case n := <-c.counts:
		return n, nil
	case <-timer.C:
		return 0, errNoReply
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
