package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestStaticForwardCarriesConnection(t *testing.T) {
	echo := startEcho(t)
	network := newLoopNetwork()
	ports := DefaultPorts()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := network.Listen(ports.Forward)
	if err != nil {
		t.Fatalf("listen forward service: %v", err)
	}
	go func() { _ = ServeForward(ctx, ln, &net.Dialer{}) }()

	spec := ForwardSpec{SrcHost: "127.0.0.1", SrcPort: 0, DstHost: "127.0.0.1", DstPort: uint16(echo.Port)}
	addr, err := StaticForward(ctx, spec, network, ports)
	if err != nil {
		t.Fatalf("static forward: %v", err)
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	echoRoundTrip(t, conn, "forwarded bytes")
}

func TestStaticForwardZeroPortUsesProxy(t *testing.T) {
	echo := startEcho(t)
	network := newLoopNetwork()
	ports := DefaultPorts()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := network.Listen(ports.Proxy)
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}
	dialer := &recordingDialer{addr: echo.String()}
	go func() { _ = (&ProxyServer{Dialer: dialer}).Serve(ctx, ln) }()

	addr, err := StaticForward(ctx, ForwardSpec{SrcHost: "127.0.0.1"}, network, ports)
	if err != nil {
		t.Fatalf("static forward: %v", err)
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	// A SOCKS4 CONNECT proves the connection landed on the proxy service.
	if _, err := conn.Write([]byte{0x04, 0x01, 0x00, 0x16, 10, 1, 2, 3, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply[1] != 0x5a {
		t.Fatalf("expected grant, got %x", reply)
	}
	if got := dialer.last(); got != "10.1.2.3:22" {
		t.Fatalf("unexpected proxy target %q", got)
	}
}

func TestStaticForwardBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	spec := ForwardSpec{SrcHost: "127.0.0.1", SrcPort: uint16(port), DstHost: "example", DstPort: 80}
	_, err = StaticForward(context.Background(), spec, newLoopNetwork(), DefaultPorts())
	if !errors.Is(err, ErrBind) {
		t.Fatalf("expected ErrBind, got %v", err)
	}
}

func TestParseForwardSpec(t *testing.T) {
	spec, err := ParseForwardSpec("0.0.0.0:2222:db.internal:5432")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := ForwardSpec{SrcHost: "0.0.0.0", SrcPort: 2222, DstHost: "db.internal", DstPort: 5432}
	if spec != want {
		t.Fatalf("expected %+v, got %+v", want, spec)
	}
	if spec.String() != "0.0.0.0:2222:db.internal:5432" {
		t.Fatalf("unexpected string %q", spec.String())
	}
	for _, bad := range []string{"", "a:1:b", "a:x:b:1", "a:1:b:70000"} {
		if _, err := ParseForwardSpec(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRemoteCallDispatch(t *testing.T) {
	network := newLoopNetwork()
	ports := DefaultPorts()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := network.Listen(ports.RemoteCall)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	got := make(chan []string, 1)
	handlers := map[Method]CallHandler{
		MethodHello: func(_ context.Context, payload string) error {
			got <- DecodeArgv(payload)
			return nil
		},
	}
	go func() { _ = ServeRemoteCall(ctx, ln, handlers) }()

	argv := []string{"upload", "report final.pdf"}
	if err := Call(ctx, network, ports.RemoteCall, MethodHello, EncodeArgv(argv)); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case args := <-got:
		if len(args) != 2 || args[1] != "report final.pdf" {
			t.Fatalf("unexpected argv %q", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	if err := Call(ctx, network, ports.RemoteCall, MethodBindForward, "a\x00b"); err == nil {
		t.Fatalf("expected NUL payload to be rejected")
	}
	if DecodeArgv("") != nil {
		t.Fatalf("expected no arguments for empty payload")
	}
}

func TestTaskCounter(t *testing.T) {
	var c TaskCounter
	done1 := c.Start()
	done2 := c.Start()
	if c.Running() != 2 {
		t.Fatalf("expected 2 running, got %d", c.Running())
	}
	done1()
	done1()
	if c.Running() != 1 {
		t.Fatalf("expected done to be idempotent, got %d", c.Running())
	}
	done2()
	if c.Running() != 0 {
		t.Fatalf("expected 0 running, got %d", c.Running())
	}
	var nilCounter *TaskCounter
	if nilCounter.Running() != 0 {
		t.Fatalf("expected nil counter to report 0")
	}
}
