// Package ptyproc runs the wrapped command on a pseudo-terminal.
package ptyproc

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"pkt.systems/termtunnel/internal/frame"
)

// fallbackSize is used when the controlling terminal cannot be queried.
var fallbackSize = frame.WinSize{Rows: 20, Cols: 20}

// Process is a child attached to a pty master.
type Process struct {
	cmd *exec.Cmd
	tty *os.File

	done chan struct{}
	once sync.Once
	code int
}

// DefaultCommand returns the user's shell.
func DefaultCommand() []string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return []string{sh}
	}
	return []string{"/bin/sh"}
}

// TerminalSize returns the window size of fd, or 20x20 when fd is not a
// terminal.
func TerminalSize(fd int) frame.WinSize {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil || ws.Row == 0 || ws.Col == 0 {
		return fallbackSize
	}
	return frame.WinSize{Rows: ws.Row, Cols: ws.Col, X: ws.Xpixel, Y: ws.Ypixel}
}

// Start runs argv in a new session with the pty as controlling terminal.
func Start(argv []string, size frame.WinSize) (*Process, error) {
	if len(argv) == 0 {
		argv = DefaultCommand()
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	tty, err := pty.StartWithSize(cmd, winsize(size))
	if err != nil {
		return nil, err
	}
	p := &Process{cmd: cmd, tty: tty, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.once.Do(func() {
		p.code = exitCode(err)
		close(p.done)
	})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 255
		}
		return ee.ExitCode()
	}
	return 255
}

// Read reads child output. The pty reports EIO once the child side is gone;
// that is returned as io.EOF.
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.tty.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

// Write sends input to the child.
func (p *Process) Write(b []byte) (int, error) {
	return p.tty.Write(b)
}

// Resize updates the pty window size.
func (p *Process) Resize(size frame.WinSize) error {
	return pty.Setsize(p.tty, winsize(size))
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.done
}

// ExitCode is valid after Exited is closed. A child killed by a signal
// reports 255.
func (p *Process) ExitCode() int {
	<-p.done
	return p.code
}

// Close kills the child if it is still running and releases the pty.
func (p *Process) Close() error {
	select {
	case <-p.done:
	default:
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
	return p.tty.Close()
}

func winsize(size frame.WinSize) *pty.Winsize {
	if size.Rows == 0 || size.Cols == 0 {
		size = fallbackSize
	}
	return &pty.Winsize{Rows: size.Rows, Cols: size.Cols, X: size.X, Y: size.Y}
}
