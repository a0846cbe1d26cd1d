package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
)

// loopNetwork stands in for the virtual link with loopback TCP: each
// well-known port maps to an ephemeral local listener.
type loopNetwork struct {
	mu    sync.Mutex
	addrs map[uint16]string
}

func newLoopNetwork() *loopNetwork {
	return &loopNetwork{addrs: map[uint16]string{}}
}

func (n *loopNetwork) Listen(port uint16) (net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.addrs[port] = ln.Addr().String()
	n.mu.Unlock()
	return ln, nil
}

func (n *loopNetwork) Dial(ctx context.Context, port uint16) (net.Conn, error) {
	n.mu.Lock()
	addr, ok := n.addrs[port]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener on virtual port %d", port)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// startEcho runs a loopback echo server and returns its address.
func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
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
	return ln.Addr().(*net.TCPAddr)
}

// recordingDialer sends every dial to a fixed address and remembers the
// requested target.
type recordingDialer struct {
	mu      sync.Mutex
	addr    string
	targets []string
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, address)
	d.mu.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.addr)
}

func (d *recordingDialer) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.targets) == 0 {
		return ""
	}
	return d.targets[len(d.targets)-1]
}

func startProxy(t *testing.T, p *ProxyServer) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.Serve(ctx, ln) }()
	return ln.Addr().String()
}

func echoRoundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("expected %q, got %q", msg, buf)
	}
}
