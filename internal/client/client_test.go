package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/termtunnel/internal/frame"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	keys     *io.PipeWriter
	out      *syncBuffer
	toClient *frame.Writer
	frames   *io.PipeWriter
	fromCli  chan frame.Frame
	resize   chan frame.WinSize
	done     chan result
	cancel   context.CancelFunc
}

type result struct {
	code int
	err  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keysR, keysW := io.Pipe()
	framesR, framesW := io.Pipe()
	cmdR, cmdW := io.Pipe()
	h := &harness{
		keys:     keysW,
		out:      &syncBuffer{},
		toClient: frame.NewWriter(framesW),
		frames:   framesW,
		fromCli:  make(chan frame.Frame, 32),
		resize:   make(chan frame.WinSize, 1),
		done:     make(chan result, 1),
	}
	go func() {
		r := frame.NewReader(cmdR)
		for {
			f, err := r.Next()
			if err != nil {
				return
			}
			h.fromCli <- f
		}
	}()
	c := New(Options{
		In:           keysR,
		Out:          h.out,
		Frames:       framesR,
		Commands:     cmdW,
		Resize:       h.resize,
		ReplyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		code, err := c.Run(ctx)
		h.done <- result{code, err}
	}()
	t.Cleanup(func() {
		cancel()
		keysW.Close()
		framesW.Close()
		cmdR.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, typ frame.Type, payload []byte) {
	t.Helper()
	if err := h.toClient.WriteFrame(typ, payload); err != nil {
		t.Fatalf("write %s frame: %v", typ, err)
	}
}

func (h *harness) typeKeys(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(h.keys, s); err != nil {
		t.Fatalf("type %q: %v", s, err)
	}
}

func (h *harness) expect(t *testing.T, typ frame.Type) frame.Frame {
	t.Helper()
	select {
	case f := <-h.fromCli:
		if f.Type != typ {
			t.Fatalf("expected %s frame, got %s (%q)", typ, f.Type, f.Payload)
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s frame", typ)
	}
	return frame.Frame{}
}

func (h *harness) waitOutput(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(h.out.String(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output never contained %q, got %q", substr, h.out.String())
}

func (h *harness) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-h.done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("client did not return")
	}
	return result{}
}

func TestPassthroughAndExit(t *testing.T) {
	h := newHarness(t)

	h.typeKeys(t, "ls\r")
	if f := h.expect(t, frame.TTYData); string(f.Payload) != "ls\r" {
		t.Fatalf("unexpected keystrokes %q", f.Payload)
	}

	h.send(t, frame.TTYData, []byte("file.txt\r\n"))
	h.waitOutput(t, "file.txt\r\n")

	h.resize <- frame.WinSize{Rows: 40, Cols: 120}
	var ws frame.WinSize
	if err := ws.UnmarshalBinary(h.expect(t, frame.WinResize).Payload); err != nil {
		t.Fatalf("resize payload: %v", err)
	}
	if ws.Rows != 40 || ws.Cols != 120 {
		t.Fatalf("unexpected size %+v", ws)
	}

	h.send(t, frame.Exit, frame.EncodeExitCode(3))
	r := h.wait(t)
	if r.err != nil || r.code != 3 {
		t.Fatalf("expected code 3, got %d, %v", r.code, r.err)
	}
}

func TestREPLCommands(t *testing.T) {
	h := newHarness(t)
	h.send(t, frame.EnterREPL, nil)
	h.waitOutput(t, "agent connected")

	h.typeKeys(t, "ping\r")
	h.expect(t, frame.Ping)
	h.send(t, frame.Ping, nil)
	h.waitOutput(t, "pong: ")

	h.typeKeys(t, "upload /tmp/a.txt b.txt\r")
	var fx frame.FileExchangeRequest
	if err := fx.UnmarshalBinary(h.expect(t, frame.FileExchange).Payload); err != nil {
		t.Fatalf("file exchange payload: %v", err)
	}
	if fx.Mode != frame.SendFile || fx.Src != "/tmp/a.txt" || fx.Dst != "b.txt" {
		t.Fatalf("unexpected file exchange %+v", fx)
	}
	h.send(t, frame.Return, []byte("upload /tmp/a.txt -> b.txt done (3 bytes)\n"))
	h.waitOutput(t, "done (3 bytes)\r\n")

	h.typeKeys(t, "sz /etc/hosts\r")
	if err := fx.UnmarshalBinary(h.expect(t, frame.FileExchange).Payload); err != nil {
		t.Fatalf("file exchange payload: %v", err)
	}
	if fx.Mode != frame.RecvFile || fx.Dst != "hosts" {
		t.Fatalf("unexpected download %+v", fx)
	}

	h.typeKeys(t, "local_listen 127.0.0.1 8080 10.0.0.5 80\r")
	var pf frame.PortForwardRequest
	if err := pf.UnmarshalBinary(h.expect(t, frame.PortForward).Payload); err != nil {
		t.Fatalf("port forward payload: %v", err)
	}
	if pf.Mode != frame.ForwardStatic || pf.SrcPort != 8080 || pf.DstHost != "10.0.0.5" || pf.DstPort != 80 {
		t.Fatalf("unexpected forward %+v", pf)
	}

	h.typeKeys(t, "remote_listen 0.0.0.0 9000 127.0.0.1 22\r")
	if err := pf.UnmarshalBinary(h.expect(t, frame.PortForward).Payload); err != nil {
		t.Fatalf("port forward payload: %v", err)
	}
	if pf.Mode != frame.ForwardRemoteListen || pf.SrcPort != 9000 {
		t.Fatalf("unexpected remote forward %+v", pf)
	}

	h.typeKeys(t, "bogus\r")
	h.waitOutput(t, "unknown command")

	h.typeKeys(t, "exit\r")
	h.expect(t, frame.TaskCount)
	h.send(t, frame.TaskCount, frame.EncodeCount(1))
	h.waitOutput(t, "1 task(s) still running")

	h.typeKeys(t, "exit -f\r")
	h.expect(t, frame.ExitREPL)

	// Back in passthrough, keys reach the shell again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.typeKeys(t, "x")
		select {
		case f := <-h.fromCli:
			if f.Type != frame.TTYData {
				t.Fatalf("expected TTYData after leaving the REPL, got %s", f.Type)
			}
			h.send(t, frame.Exit, frame.EncodeExitCode(0))
			if r := h.wait(t); r.err != nil || r.code != 0 {
				t.Fatalf("unexpected result %+v", r)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatalf("keystrokes never reached the shell after exit")
		}
	}
}

func TestOneShotWaitsForTasks(t *testing.T) {
	h := newHarness(t)
	h.send(t, frame.EnterREPL, frame.EncodeArgv([]string{"upload", "a.bin"}))

	var fx frame.FileExchangeRequest
	if err := fx.UnmarshalBinary(h.expect(t, frame.FileExchange).Payload); err != nil {
		t.Fatalf("file exchange payload: %v", err)
	}
	if fx.Src != "a.bin" || fx.Dst != "a.bin" {
		t.Fatalf("unexpected file exchange %+v", fx)
	}

	h.expect(t, frame.TaskCount)
	h.send(t, frame.TaskCount, frame.EncodeCount(1))
	h.expect(t, frame.TaskCount)
	h.send(t, frame.TaskCount, frame.EncodeCount(0))
	h.expect(t, frame.ExitREPL)
}

func TestOneShotUsageError(t *testing.T) {
	h := newHarness(t)
	h.send(t, frame.EnterREPL, frame.EncodeArgv([]string{"upload"}))
	h.waitOutput(t, "usage: upload")
	h.expect(t, frame.ExitREPL)
}

func TestServerClosed(t *testing.T) {
	h := newHarness(t)
	h.frames.Close()
	r := h.wait(t)
	if !errors.Is(r.err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", r.err)
	}
}
