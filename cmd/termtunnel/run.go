package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"pkt.systems/pslog"

	"pkt.systems/termtunnel/internal/client"
	"pkt.systems/termtunnel/internal/frame"
	"pkt.systems/termtunnel/internal/ptyproc"
	"pkt.systems/termtunnel/internal/session"
	"pkt.systems/termtunnel/internal/vnet"
)

// runLocal starts the command in a pseudo-terminal and wires the session
// server to the front-end over an in-process frame pipe.
func runLocal(cmd *cobra.Command, flags *globalFlags, args []string) error {
	cfg := flags.cfg
	logger := pslog.Ctx(cmd.Context())
	netCfg, err := networkConfig(cfg, vnet.RoleServer)
	if err != nil {
		return err
	}
	netCfg.Trace = flags.verbosity >= traceVerbosity
	if len(args) == 0 {
		args = ptyproc.DefaultCommand()
	}

	inFd := int(os.Stdin.Fd())
	outFd := int(os.Stdout.Fd())
	proc, err := ptyproc.Start(args, ptyproc.TerminalSize(outFd))
	if err != nil {
		return err
	}
	defer proc.Close()
	logger.Info("child started", "argv", args)

	if term.IsTerminal(inFd) {
		state, err := term.MakeRaw(inFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(inFd, state) }()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	resize := watchResize(ctx, outFd)

	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	server := session.New(session.Options{
		Terminal:      proc,
		ClientIn:      toServerR,
		ClientOut:     toClientW,
		Network:       netCfg,
		Ports:         portsConfig(cfg),
		ProxyUser:     cfg.Proxy.Username,
		ProxyPassword: cfg.Proxy.Password,
		Watermark:     cfg.Session.Watermark,
		Tick:          millis(cfg.Session.TickMillis),
		HelloTimeout:  millis(cfg.Session.HelloTimeoutMillis),
		ChunkSize:     cfg.Session.ChunkSize,
	})
	serverErr := make(chan error, 1)
	go func() {
		_, err := server.Run(ctx)
		_ = toClientW.Close()
		serverErr <- err
	}()

	front := client.New(client.Options{
		In:          os.Stdin,
		Out:         os.Stdout,
		Frames:      toClientR,
		Commands:    toServerW,
		Resize:      resize,
		Prompt:      cfg.REPL.Prompt,
		HistoryFile: cfg.REPL.HistoryFile,
	})
	code, err := front.Run(ctx)
	cancel()
	_ = toServerW.Close()
	_ = toClientR.Close()
	if sErr := <-serverErr; sErr != nil && !errors.Is(sErr, context.Canceled) && !errors.Is(sErr, session.ErrClientClosed) {
		logger.Warn("session server ended", "err", sErr)
	}
	if err != nil {
		return err
	}
	logger.Info("child exited", "code", code)
	if code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

// watchResize reports the terminal size on every SIGWINCH. Only the most
// recent size is kept.
func watchResize(ctx context.Context, fd int) <-chan frame.WinSize {
	out := make(chan frame.WinSize, 1)
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	go func() {
		defer signal.Stop(winch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
			}
			size := ptyproc.TerminalSize(fd)
			select {
			case <-out:
			default:
			}
			out <- size
		}
	}()
	return out
}
