package session

import (
	"context"
	"fmt"
	"net"

	"pkt.systems/termtunnel/internal/frame"
	"pkt.systems/termtunnel/internal/logx"
	"pkt.systems/termtunnel/internal/tunnel"
	"pkt.systems/termtunnel/internal/vnet"
)

// startBridge brings up the server end of the virtual link and its
// services. A repeated handshake keeps the existing link.
func (s *Server) startBridge(ctx context.Context) error {
	if s.bridge != nil {
		return nil
	}
	cfg := s.opts.Network
	cfg.Logger = s.log
	bridge, err := vnet.New(cfg, s.outbound.Put)
	if err != nil {
		return err
	}
	bctx, cancel := context.WithCancel(ctx)
	s.bridge = bridge
	s.bridgeCancel = cancel

	ports := s.opts.Ports
	proxy := &tunnel.ProxyServer{Dialer: s.opts.Dialer, Username: s.opts.ProxyUser, Password: s.opts.ProxyPassword}
	services := []struct {
		name  string
		port  uint16
		serve func(context.Context, net.Listener) error
	}{
		{"forward", ports.Forward, func(ctx context.Context, ln net.Listener) error {
			return tunnel.ServeForward(ctx, ln, s.opts.Dialer)
		}},
		{"proxy", ports.Proxy, proxy.Serve},
		{"remote_call", ports.RemoteCall, func(ctx context.Context, ln net.Listener) error {
			return tunnel.ServeRemoteCall(ctx, ln, map[tunnel.Method]tunnel.CallHandler{
				tunnel.MethodHello: s.onHello,
			})
		}},
	}
	for _, svc := range services {
		ln, err := bridge.Listen(svc.port)
		if err != nil {
			s.closeBridge()
			return fmt.Errorf("session: listen %s on %d: %w", svc.name, svc.port, err)
		}
		log := logx.WithConn(s.log, svc.name, ln.Addr().String(), "")
		serve := svc.serve
		go func() {
			if err := serve(bctx, ln); err != nil && bctx.Err() == nil {
				log.Error("session service stopped", "err", err)
			}
		}()
	}
	s.log.Info("session bridge up", "addr", bridge.LocalAddr().String(), "peer", bridge.PeerAddr().String())
	return nil
}

// onHello runs on a service goroutine.
func (s *Server) onHello(ctx context.Context, payload string) error {
	argv := tunnel.DecodeArgv(payload)
	select {
	case s.hello <- argv:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) closeBridge() {
	if s.bridge == nil {
		return
	}
	s.bridgeCancel()
	if err := s.bridge.Close(); err != nil {
		s.log.Debug("session bridge close", "err", err)
	}
	s.bridge = nil
}

func (s *Server) startFileExchange(ctx context.Context, req frame.FileExchangeRequest) {
	if s.bridge == nil {
		s.reply(replyNotConnected)
		return
	}
	bridge := s.bridge
	ports := s.opts.Ports
	done := s.opts.Tasks.Start()
	log := s.log.With("src", req.Src, "dst", req.Dst, "mode", req.Mode.String())
	go func() {
		defer done()
		var (
			n    int64
			err  error
			verb string
		)
		switch req.Mode {
		case frame.SendFile:
			verb = "upload"
			n, err = tunnel.SendFile(ctx, bridge, ports.FileReceiver, req.Src, req.Dst)
		case frame.RecvFile:
			verb = "download"
			n, err = tunnel.ReceiveFile(ctx, bridge, ports.FileSender, req.Src, req.Dst)
		default:
			err = fmt.Errorf("unsupported transfer mode %s", req.Mode)
		}
		if err != nil {
			log.Error("session file exchange failed", "err", err)
			s.reply(fmt.Sprintf("%s %s failed: %v\n", verb, req.Src, err))
			return
		}
		log.Info("session file exchange done", "bytes", n)
		s.reply(fmt.Sprintf("%s %s -> %s done (%d bytes)\n", verb, req.Src, req.Dst, n))
	}()
}

func (s *Server) startForward(ctx context.Context, req frame.PortForwardRequest) {
	spec := tunnel.ForwardSpec{SrcHost: req.SrcHost, SrcPort: req.SrcPort, DstHost: req.DstHost, DstPort: req.DstPort}
	log := logx.WithForward(s.log, spec.String()).With("mode", req.Mode.String())
	if s.bridge == nil {
		s.reply(replyNotConnected)
		return
	}
	switch req.Mode {
	case frame.ForwardStatic:
		if _, err := tunnel.StaticForward(ctx, spec, s.bridge, s.opts.Ports); err != nil {
			log.Error("session forward bind failed", "err", err)
			s.reply(tunnel.ReplyBindError)
			return
		}
		s.reply(tunnel.ReplyBindDone)
	case frame.ForwardRemoteListen:
		bridge := s.bridge
		port := s.opts.Ports.RemoteCall
		go func() {
			if err := tunnel.Call(ctx, bridge, port, tunnel.MethodBindForward, spec.String()); err != nil {
				log.Error("session remote bind call failed", "err", err)
			}
		}()
		s.reply(replyRemoteBind)
	default:
		log.Warn("session forward mode unsupported")
		s.reply(replyDynamicForward)
	}
}
