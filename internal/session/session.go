// Package session runs the background half of a local session: it owns the
// pseudo-terminal, decodes the hidden channel in the child's output and
// serves the front-end over a framed pipe.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/termtunnel/internal/evloop"
	"pkt.systems/termtunnel/internal/frame"
	"pkt.systems/termtunnel/internal/termchan"
	"pkt.systems/termtunnel/internal/tunnel"
	"pkt.systems/termtunnel/internal/vnet"
)

// Terminal is the child process behind the pseudo-terminal.
type Terminal interface {
	io.ReadWriter
	Resize(size frame.WinSize) error
	Exited() <-chan struct{}
	ExitCode() int
}

// ErrClientClosed is returned when the front-end pipe ends before the child
// has exited.
var ErrClientClosed = errors.New("session: client pipe closed")

// exitDrainTimeout bounds how long Exit waits for the pty to report EOF,
// e.g. when a background job keeps the terminal open.
const exitDrainTimeout = 2 * time.Second

// Replies sent to the front-end for requests that cannot be served.
const (
	replyNotConnected   = "agent is not connected\n"
	replyDynamicForward = "dynamic port forward is not supported\n"
	replyRemoteBind     = "bind done (guess)\n"
)

// Options configures a Server.
type Options struct {
	Terminal  Terminal
	ClientIn  io.Reader
	ClientOut io.Writer

	Network vnet.Config
	Ports   tunnel.Ports
	// Dialer reaches real targets for forwards and the proxy.
	Dialer        tunnel.Dialer
	ProxyUser     string
	ProxyPassword string
	Tasks         *tunnel.TaskCounter

	Watermark    int
	Tick         time.Duration
	HelloTimeout time.Duration
	ChunkSize    int
}

func (o Options) withDefaults() Options {
	if o.Network.MTU == 0 {
		o.Network = vnet.DefaultConfig(vnet.RoleServer)
	}
	o.Network.Role = vnet.RoleServer
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
	if o.Tick <= 0 {
		o.Tick = 100 * time.Millisecond
	}
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 512
	}
	return o
}

// Server is the session event loop. All fields below opts are owned by the
// goroutine running Run.
type Server struct {
	opts Options
	log  pslog.Logger

	codec    *termchan.Codec
	parser   frame.Parser
	toClient *evloop.AsyncWriter
	toPTY    *evloop.AsyncWriter
	outbound *evloop.Queue[[]byte]
	hello    chan []string

	bridge       *vnet.Bridge
	bridgeCancel context.CancelFunc
	agentREPL    bool
	helloPending bool
	magicAt      time.Time
	exitedAt     time.Time
	exiting      bool
	exitCode     int
}

// New prepares a server. Nothing runs until Run.
func New(opts Options) *Server {
	return &Server{
		opts:     opts.withDefaults(),
		codec:    termchan.NewCodec(),
		outbound: evloop.NewQueue[[]byte](),
		hello:    make(chan []string, 1),
	}
}

// Tasks returns the counter of running background jobs.
func (s *Server) Tasks() *tunnel.TaskCounter {
	return s.opts.Tasks
}

type chunk struct {
	data []byte
	err  error
}

// Run serves until the child has exited and its exit status has been
// delivered to the front-end. It returns the child's exit code.
func (s *Server) Run(ctx context.Context) (int, error) {
	s.log = pslog.Ctx(ctx).With("role", "server")
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(ctx, s.log))
	defer cancel()

	ptyGate := evloop.NewGate(s.opts.Watermark)
	clientGate := evloop.NewGate(s.opts.Watermark)
	s.toClient = evloop.NewAsyncWriter(s.opts.ClientOut, ptyGate)
	s.toPTY = evloop.NewAsyncWriter(s.opts.Terminal, clientGate)

	clientDone := make(chan error, 1)
	go func() { clientDone <- s.toClient.Run(ctx) }()
	go func() {
		if err := s.toPTY.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("session pty writer stopped", "err", err)
		}
	}()
	defer s.closeBridge()

	ptyCh := make(chan chunk, 1)
	clientCh := make(chan chunk, 1)
	go readLoop(ctx, s.opts.Terminal, ptyGate, ptyCh)
	go readLoop(ctx, s.opts.ClientIn, clientGate, clientCh)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	exited := s.opts.Terminal.Exited()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case c := <-ptyCh:
			if len(c.data) > 0 {
				if err := s.handleTerminalOutput(ctx, c.data); err != nil {
					runErr = fmt.Errorf("session: %w", err)
					break loop
				}
			}
			if c.err != nil {
				s.log.Debug("session pty read ended", "err", c.err)
				ptyCh = nil
				if exited == nil {
					s.finishExit()
				}
			}
		case c := <-clientCh:
			if len(c.data) > 0 {
				if err := s.parser.Feed(c.data, func(f frame.Frame) error {
					s.handleClientFrame(ctx, f)
					return nil
				}); err != nil {
					runErr = fmt.Errorf("session: client pipe: %w", err)
					break loop
				}
			}
			if c.err != nil {
				if !s.exiting {
					runErr = ErrClientClosed
				}
				break loop
			}
		case <-s.outbound.Wake():
			s.flushOutbound()
		case argv := <-s.hello:
			s.enterREPL(argv)
		case <-exited:
			exited = nil
			s.exitCode = s.opts.Terminal.ExitCode()
			s.exitedAt = time.Now()
			s.log.Info("session child exited", "code", s.exitCode)
			// Exit goes out once the pty has drained.
			if ptyCh == nil {
				s.finishExit()
			}
		case <-ticker.C:
			s.flushOutbound()
			if s.helloPending && time.Since(s.magicAt) >= s.opts.HelloTimeout {
				s.log.Debug("session hello timed out")
				s.enterREPL(nil)
			}
			if s.exiting {
				break loop
			}
			if exited == nil && !s.exitedAt.IsZero() && time.Since(s.exitedAt) >= exitDrainTimeout {
				s.log.Debug("session pty still open after child exit")
				s.finishExit()
			}
		}
	}

	_ = s.toPTY.Close()
	_ = s.toClient.Close()
	if runErr == nil {
		if err := <-clientDone; err != nil {
			runErr = fmt.Errorf("session: write to client: %w", err)
		}
	}
	return s.exitCode, runErr
}

func (s *Server) finishExit() {
	if s.exiting {
		return
	}
	s.send(frame.Exit, frame.EncodeExitCode(s.exitCode))
	s.exiting = true
}

func readLoop(ctx context.Context, r io.Reader, gate *evloop.Gate, out chan<- chunk) {
	buf := make([]byte, 32*1024)
	for {
		if err := gate.Wait(ctx); err != nil {
			return
		}
		n, err := r.Read(buf)
		c := chunk{err: err}
		if n > 0 {
			c.data = append([]byte(nil), buf[:n]...)
		}
		if n > 0 || err != nil {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) send(t frame.Type, payload []byte) {
	if _, err := s.toClient.Write(frame.Encode(t, payload)); err != nil {
		s.log.Debug("session drop client frame", "frame", t.String(), "err", err)
	}
}

func (s *Server) reply(msg string) {
	s.send(frame.Return, []byte(msg))
}

// sendAgent types msg into the agent's stdin.
func (s *Server) sendAgent(msg []byte) {
	if _, err := s.toPTY.Write(termchan.Plain(msg)); err != nil {
		s.log.Debug("session drop agent message", "err", err)
	}
}

// handleTerminalOutput fails when the child emits a hidden frame beyond the
// size limit.
func (s *Server) handleTerminalOutput(ctx context.Context, data []byte) error {
	if !s.agentREPL {
		for off := 0; off < len(data); off += s.opts.ChunkSize {
			end := min(off+s.opts.ChunkSize, len(data))
			s.send(frame.TTYData, data[off:end])
		}
	}
	s.codec.AppendInput(data)
	s.codec.Run()
	limit := 5 * s.opts.Network.MTU
	for {
		raw, err := s.codec.PopOutput(limit)
		if err != nil {
			s.log.Error("session hidden frame too large", "err", err)
			return err
		}
		if raw == nil {
			return nil
		}
		s.handleHidden(ctx, raw)
	}
}

func (s *Server) handleHidden(ctx context.Context, raw []byte) {
	msg, err := termchan.ParseMessage(raw)
	if err != nil {
		s.log.Warn("session hidden message invalid", "err", err)
		return
	}
	switch msg.Kind {
	case termchan.KindMagic:
		s.log.Info("session agent handshake")
		s.agentREPL = true
		s.helloPending = true
		s.magicAt = time.Now()
		if err := s.startBridge(ctx); err != nil {
			s.log.Error("session bridge start failed", "err", err)
		}
	case termchan.KindPing:
		s.send(frame.Ping, nil)
	case termchan.KindNop:
	case termchan.KindBinary:
		if s.bridge == nil {
			return
		}
		if s.opts.Network.Trace {
			s.log.Trace("session frame in", "packet", vnet.Describe(msg.Data))
		}
		if err := s.bridge.Inject(msg.Data); err != nil {
			s.log.Debug("session inject failed", "err", err)
		}
	default:
		s.log.Debug("session unknown hidden message", "bytes", len(raw))
	}
}

// enterREPL tells the front-end that the agent is ready. argv selects
// one-shot mode when non-empty.
func (s *Server) enterREPL(argv []string) {
	if !s.helloPending {
		return
	}
	s.helloPending = false
	s.send(frame.EnterREPL, frame.EncodeArgv(argv))
}

func (s *Server) flushOutbound() {
	if !s.agentREPL {
		return
	}
	s.outbound.Drain(func(f []byte) {
		if s.opts.Network.Trace {
			s.log.Trace("session frame out", "packet", vnet.Describe(f))
		}
		s.sendAgent(termchan.EncodeBinary(f))
	})
}

func (s *Server) handleClientFrame(ctx context.Context, f frame.Frame) {
	switch f.Type {
	case frame.TTYData:
		if _, err := s.toPTY.Write(f.Payload); err != nil {
			s.log.Debug("session pty write dropped", "err", err)
		}
	case frame.WinResize:
		var ws frame.WinSize
		if err := ws.UnmarshalBinary(f.Payload); err != nil {
			s.log.Warn("session bad resize", "err", err)
			return
		}
		if err := s.opts.Terminal.Resize(ws); err != nil {
			s.log.Debug("session resize failed", "err", err)
		}
	case frame.ExitREPL:
		s.agentREPL = false
		s.helloPending = false
		s.sendAgent(termchan.Token(termchan.TokenExit))
	case frame.Ping:
		if s.agentREPL {
			s.sendAgent(termchan.Token(termchan.TokenPing))
		}
	case frame.FileExchange:
		var req frame.FileExchangeRequest
		if err := req.UnmarshalBinary(f.Payload); err != nil {
			s.log.Warn("session bad file exchange", "err", err)
			return
		}
		s.startFileExchange(ctx, req)
	case frame.PortForward:
		var req frame.PortForwardRequest
		if err := req.UnmarshalBinary(f.Payload); err != nil {
			s.log.Warn("session bad port forward", "err", err)
			return
		}
		s.startForward(ctx, req)
	case frame.TaskCount:
		s.send(frame.TaskCount, frame.EncodeCount(s.opts.Tasks.Running()))
	default:
		s.log.Warn("session unknown client frame", "type", int64(f.Type))
	}
}
