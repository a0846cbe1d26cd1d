package agent_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"pkt.systems/termtunnel/internal/agent"
	"pkt.systems/termtunnel/internal/frame"
	"pkt.systems/termtunnel/internal/session"
	"pkt.systems/termtunnel/internal/tunnel"
)

// wire stands in for the terminal between the session server and the agent:
// whatever the server types arrives on the agent's stdin and the agent's
// stdout is what the server reads back.
type wire struct {
	fromAgent *io.PipeReader
	agentOut  *io.PipeWriter
	toAgent   *io.PipeWriter
	agentIn   *io.PipeReader

	exited chan struct{}
	once   sync.Once
}

func newWire() *wire {
	fromAgent, agentOut := io.Pipe()
	agentIn, toAgent := io.Pipe()
	return &wire{fromAgent: fromAgent, agentOut: agentOut, toAgent: toAgent, agentIn: agentIn, exited: make(chan struct{})}
}

func (w *wire) Read(p []byte) (int, error)  { return w.fromAgent.Read(p) }
func (w *wire) Write(p []byte) (int, error) { return w.toAgent.Write(p) }
func (w *wire) Resize(frame.WinSize) error  { return nil }
func (w *wire) Exited() <-chan struct{}     { return w.exited }
func (w *wire) ExitCode() int               { return 0 }
func (w *wire) exit()                       { w.once.Do(func() { _ = w.agentOut.Close(); close(w.exited) }) }

type e2e struct {
	client    *frame.Writer
	frames    chan frame.Frame
	agentDone chan error
}

func startE2E(t *testing.T, argv []string) *e2e {
	t.Helper()
	w := newWire()
	clientInR, clientInW := io.Pipe()
	clientOutR, clientOutW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	srv := session.New(session.Options{
		Terminal:     w,
		ClientIn:     clientInR,
		ClientOut:    clientOutW,
		Tick:         10 * time.Millisecond,
		HelloTimeout: 10 * time.Second,
	})
	ag := agent.New(agent.Options{Stdin: w.agentIn, Stdout: w.agentOut, Argv: argv})

	h := &e2e{
		client:    frame.NewWriter(clientInW),
		frames:    make(chan frame.Frame, 128),
		agentDone: make(chan error, 1),
	}
	go func() { _, _ = srv.Run(ctx) }()
	go func() { h.agentDone <- ag.Run(ctx) }()
	go func() {
		r := frame.NewReader(clientOutR)
		for {
			f, err := r.Next()
			if err != nil {
				close(h.frames)
				return
			}
			h.frames <- f
		}
	}()
	t.Cleanup(func() {
		cancel()
		w.exit()
		_ = clientInW.Close()
		_ = clientOutR.Close()
		_ = w.agentIn.Close()
	})
	return h
}

func (h *e2e) next(t *testing.T, want frame.Type) frame.Frame {
	t.Helper()
	deadline := time.After(20 * time.Second)
	for {
		select {
		case f, ok := <-h.frames:
			if !ok {
				t.Fatalf("client pipe closed waiting for %s", want)
			}
			if f.Type == want {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (h *e2e) send(t *testing.T, typ frame.Type, payload []byte) {
	t.Helper()
	if err := h.client.WriteFrame(typ, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (h *e2e) forward(t *testing.T, mode frame.ForwardMode, srcPort, dstPort uint16) string {
	t.Helper()
	req := frame.PortForwardRequest{Mode: mode, SrcHost: "127.0.0.1", SrcPort: srcPort, DstHost: "127.0.0.1", DstPort: dstPort}
	payload, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal forward: %v", err)
	}
	h.send(t, frame.PortForward, payload)
	return string(h.next(t, frame.Return).Payload)
}

func (h *e2e) exchange(t *testing.T, mode frame.TransMode, src, dst string) string {
	t.Helper()
	req := frame.FileExchangeRequest{Src: src, Dst: dst, Mode: mode}
	payload, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal exchange: %v", err)
	}
	h.send(t, frame.FileExchange, payload)
	return string(h.next(t, frame.Return).Payload)
}

func startEcho(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()
	return port
}

func roundTrip(t *testing.T, conn net.Conn, size int) {
	t.Helper()
	defer conn.Close()
	payload := bytes.Repeat([]byte("termtunnel"), size/10)
	go func() { _, _ = conn.Write(payload) }()
	got := make([]byte, len(payload))
	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo payload differs")
	}
}

func waitForFile(t *testing.T, path string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := os.ReadFile(path)
		if err == nil && bytes.Equal(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("file %s not delivered: %v (%d bytes)", path, err, len(got))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSessionWithAgent(t *testing.T) {
	h := startE2E(t, nil)

	enter := h.next(t, frame.EnterREPL)
	if len(enter.Payload) != 0 {
		t.Fatalf("expected interactive REPL, got %q", enter.Payload)
	}

	h.send(t, frame.Ping, nil)
	h.next(t, frame.Ping)

	dir := t.TempDir()
	content := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	local := filepath.Join(dir, "local.bin")
	if err := os.WriteFile(local, content, 0o600); err != nil {
		t.Fatalf("write local: %v", err)
	}
	remote := filepath.Join(dir, "remote.bin")
	if reply := h.exchange(t, frame.SendFile, local, remote); !strings.Contains(reply, "done") {
		t.Fatalf("upload failed: %q", reply)
	}
	waitForFile(t, remote, content)

	back := filepath.Join(dir, "back.bin")
	if reply := h.exchange(t, frame.RecvFile, remote, back); !strings.Contains(reply, "done") {
		t.Fatalf("download failed: %q", reply)
	}
	waitForFile(t, back, content)

	echo := startEcho(t)
	local1 := freePort(t)
	if reply := h.forward(t, frame.ForwardStatic, local1, echo); reply != tunnel.ReplyBindDone {
		t.Fatalf("unexpected static forward reply %q", reply)
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(local1))), 5*time.Second)
	if err != nil {
		t.Fatalf("dial static forward: %v", err)
	}
	roundTrip(t, conn, 20000)

	socksPort := freePort(t)
	if reply := h.forward(t, frame.ForwardStatic, socksPort, 0); reply != tunnel.ReplyBindDone {
		t.Fatalf("unexpected proxy forward reply %q", reply)
	}
	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(socksPort))), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("socks dialer: %v", err)
	}
	conn, err = dialer.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(echo))))
	if err != nil {
		t.Fatalf("dial through socks: %v", err)
	}
	roundTrip(t, conn, 2000)

	remote1 := freePort(t)
	if reply := h.forward(t, frame.ForwardRemoteListen, remote1, echo); reply != "bind done (guess)\n" {
		t.Fatalf("unexpected remote forward reply %q", reply)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(remote1))), time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("remote forward never bound: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	roundTrip(t, conn, 2000)

	h.send(t, frame.ExitREPL, nil)
	select {
	case err := <-h.agentDone:
		if err != nil {
			t.Fatalf("agent exit: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("agent did not exit")
	}
}

func TestOneShotArgvReachesClient(t *testing.T) {
	h := startE2E(t, []string{"upload", "my file.txt"})
	enter := h.next(t, frame.EnterREPL)
	got := frame.DecodeArgv(enter.Payload)
	if len(got) != 2 || got[0] != "upload" || got[1] != "my file.txt" {
		t.Fatalf("unexpected argv %q", got)
	}
}
