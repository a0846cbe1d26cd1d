// Package agent is the remote companion: it runs inside the terminal the
// session server is watching, talks back through hidden escape sequences
// and serves the agent end of the virtual link.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/termtunnel/internal/evloop"
	"pkt.systems/termtunnel/internal/logx"
	"pkt.systems/termtunnel/internal/termchan"
	"pkt.systems/termtunnel/internal/tunnel"
	"pkt.systems/termtunnel/internal/vnet"
)

// ErrStdinClosed is returned when stdin ends without an EXIT message.
var ErrStdinClosed = errors.New("agent: stdin closed")

const (
	maxHelloDelay       = time.Second
	helloAttemptTimeout = 3 * time.Second
)

// Options configures an Agent.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	// Argv is forwarded to the front-end; a non-empty list selects one-shot
	// mode there.
	Argv []string

	Network       vnet.Config
	Ports         tunnel.Ports
	Dialer        tunnel.Dialer
	ProxyUser     string
	ProxyPassword string
	Tasks         *tunnel.TaskCounter

	Watermark  int
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Network.MTU == 0 {
		o.Network = vnet.DefaultConfig(vnet.RoleAgent)
	}
	o.Network.Role = vnet.RoleAgent
	if o.Ports == (tunnel.Ports{}) {
		o.Ports = tunnel.DefaultPorts()
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	if o.Tasks == nil {
		o.Tasks = &tunnel.TaskCounter{}
	}
	if o.Watermark <= 0 {
		o.Watermark = 100
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Millisecond
	}
	return o
}

// Agent is one agent session.
type Agent struct {
	opts   Options
	log    pslog.Logger
	out    *evloop.AsyncWriter
	bridge *vnet.Bridge
}

// New prepares an agent. The caller puts stdin in raw mode.
func New(opts Options) *Agent {
	return &Agent{opts: opts.withDefaults()}
}

// Run announces the agent, serves the link and returns nil once the server
// sends EXIT.
func (a *Agent) Run(ctx context.Context) error {
	a.log = logx.WithRole(pslog.Ctx(ctx), "agent")
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(ctx, a.log))
	defer cancel()

	gate := evloop.NewGate(a.opts.Watermark)
	a.out = evloop.NewAsyncWriter(a.opts.Stdout, gate)
	outDone := make(chan error, 1)
	go func() { outDone <- a.out.Run(ctx) }()

	if _, err := a.out.Write(termchan.Hidden([]byte(termchan.Magic))); err != nil {
		return err
	}
	bridge, err := vnet.New(a.netConfig(), a.transmit)
	if err != nil {
		return fmt.Errorf("agent: bridge: %w", err)
	}
	a.bridge = bridge
	defer bridge.Close()
	if err := a.startServices(ctx); err != nil {
		return err
	}
	go a.hello(ctx)

	chunks := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			if err := gate.Wait(ctx); err != nil {
				return
			}
			n, err := a.opts.Stdin.Read(buf)
			if n > 0 {
				select {
				case chunks <- append([]byte(nil), buf[:n]...):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	splitter := termchan.NewSplitter(5 * a.opts.Network.MTU)
	errExit := errors.New("exit")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			a.log.Info("agent stdin ended", "err", err)
			return ErrStdinClosed
		case err := <-outDone:
			return fmt.Errorf("agent: write stdout: %w", err)
		case p := <-chunks:
			err := splitter.Feed(p, func(msg []byte) error {
				if a.handle(msg) {
					return errExit
				}
				return nil
			})
			switch {
			case errors.Is(err, errExit):
				a.log.Info("agent exit requested")
				_ = a.out.Close()
				select {
				case <-outDone:
				case <-time.After(time.Second):
				}
				return nil
			case err != nil:
				a.log.Warn("agent stdin message dropped", "err", err)
			}
		}
	}
}

func (a *Agent) netConfig() vnet.Config {
	cfg := a.opts.Network
	cfg.Logger = a.log
	return cfg
}

// transmit runs on the bridge goroutine.
func (a *Agent) transmit(f []byte) {
	if a.opts.Network.Trace {
		a.log.Trace("agent frame out", "packet", vnet.Describe(f))
	}
	if _, err := a.out.Write(termchan.Hidden(termchan.EncodeBinary(f))); err != nil {
		a.log.Debug("agent frame dropped", "err", err)
	}
}

// handle processes one stdin message and reports whether the agent should
// exit.
func (a *Agent) handle(raw []byte) bool {
	msg, err := termchan.ParseMessage(raw)
	if err != nil {
		a.log.Warn("agent message invalid", "err", err)
		return false
	}
	switch msg.Kind {
	case termchan.KindExit:
		return true
	case termchan.KindPing:
		_, _ = a.out.Write(termchan.Hidden(termchan.Token(termchan.TokenPing)))
	case termchan.KindNop:
		_, _ = a.out.Write(termchan.Hidden(termchan.Token(termchan.TokenNop)))
	case termchan.KindBinary:
		if a.opts.Network.Trace {
			a.log.Trace("agent frame in", "packet", vnet.Describe(msg.Data))
		}
		if err := a.bridge.Inject(msg.Data); err != nil {
			a.log.Debug("agent inject failed", "err", err)
		}
	default:
		a.log.Debug("agent unknown message", "bytes", len(raw))
	}
	return false
}

func (a *Agent) startServices(ctx context.Context) error {
	ports := a.opts.Ports
	proxy := &tunnel.ProxyServer{Dialer: a.opts.Dialer, Username: a.opts.ProxyUser, Password: a.opts.ProxyPassword}
	services := []struct {
		name  string
		port  uint16
		serve func(context.Context, net.Listener) error
	}{
		{"forward", ports.Forward, func(ctx context.Context, ln net.Listener) error {
			return tunnel.ServeForward(ctx, ln, a.opts.Dialer)
		}},
		{"proxy", ports.Proxy, proxy.Serve},
		{"file_receiver", ports.FileReceiver, func(ctx context.Context, ln net.Listener) error {
			return tunnel.ServeFileReceiver(ctx, ln, a.opts.Tasks)
		}},
		{"file_sender", ports.FileSender, func(ctx context.Context, ln net.Listener) error {
			return tunnel.ServeFileSender(ctx, ln, a.opts.Tasks)
		}},
		{"remote_call", ports.RemoteCall, func(ctx context.Context, ln net.Listener) error {
			return tunnel.ServeRemoteCall(ctx, ln, map[tunnel.Method]tunnel.CallHandler{
				tunnel.MethodBindForward: a.bindForward,
			})
		}},
	}
	for _, svc := range services {
		ln, err := a.bridge.Listen(svc.port)
		if err != nil {
			return fmt.Errorf("agent: listen %s on %d: %w", svc.name, svc.port, err)
		}
		log := logx.WithConn(a.log, svc.name, ln.Addr().String(), "")
		serve := svc.serve
		go func() {
			if err := serve(ctx, ln); err != nil && ctx.Err() == nil {
				log.Error("agent service stopped", "err", err)
			}
		}()
	}
	return nil
}

// bindForward listens on the agent host and carries connections back to
// the server side.
func (a *Agent) bindForward(ctx context.Context, payload string) error {
	spec, err := tunnel.ParseForwardSpec(payload)
	if err != nil {
		return err
	}
	addr, err := tunnel.StaticForward(ctx, spec, a.bridge, a.opts.Ports)
	if err != nil {
		return err
	}
	logx.WithForward(a.log, spec.String()).Info("agent forward bound", "addr", addr.String())
	return nil
}

// hello announces argv to the server, retrying with backoff until the
// server end of the link is listening.
func (a *Agent) hello(ctx context.Context) {
	payload := tunnel.EncodeArgv(a.opts.Argv)
	delay := a.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, helloAttemptTimeout)
		err := tunnel.Call(callCtx, a.bridge, a.opts.Ports.RemoteCall, tunnel.MethodHello, payload)
		cancel()
		if err == nil {
			a.log.Debug("agent hello delivered", "attempts", attempt)
			return
		}
		a.log.Trace("agent hello retry", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxHelloDelay)
	}
}
