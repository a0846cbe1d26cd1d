// Package vnet exposes a two-party virtual Ethernet link backed by the gVisor
// user-space TCP/IP stack. Raw frames enter through Inject and leave through
// the transmit callback, so the link can ride on any byte channel.
package vnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"

	"pkt.systems/pslog"
)

const (
	nicID = tcpip.NICID(1)
	// outboundQueue is the channel endpoint's buffered frame count.
	outboundQueue = 512
	// DefaultMTU keeps a base64 encoded frame comfortably inside one hidden
	// terminal message.
	DefaultMTU = 800
)

// Role selects the local identity on the link.
type Role int

const (
	RoleServer Role = iota
	RoleAgent
)

func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "server"
}

// Config describes one end of the link.
type Config struct {
	Role       Role
	MTU        int
	ServerAddr netip.Addr
	AgentAddr  netip.Addr
	PrefixLen  int
	Logger     pslog.Logger
	// Trace logs a decoded summary of every frame crossing the link.
	Trace bool
}

// DefaultConfig returns the addressing both ends agree on by default.
func DefaultConfig(role Role) Config {
	return Config{
		Role:       role,
		MTU:        DefaultMTU,
		ServerAddr: netip.MustParseAddr("10.77.0.1"),
		AgentAddr:  netip.MustParseAddr("10.77.0.2"),
		PrefixLen:  24,
	}
}

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("vnet: bridge closed")

// Bridge is one end of the virtual link.
type Bridge struct {
	cfg   Config
	log   pslog.Logger
	stack *stack.Stack
	ep    *channel.Endpoint
	local tcpip.Address
	peer  tcpip.Address

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// New builds the stack and starts delivering outbound frames to transmit.
// transmit is called from a single goroutine owned by the bridge and must
// not block for long.
func New(cfg Config, transmit func(frame []byte)) (*Bridge, error) {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if !cfg.ServerAddr.Is4() || !cfg.AgentAddr.Is4() {
		return nil, fmt.Errorf("vnet: addresses must be IPv4")
	}
	if cfg.ServerAddr == cfg.AgentAddr {
		return nil, fmt.Errorf("vnet: server and agent addresses must differ")
	}
	if cfg.PrefixLen <= 0 || cfg.PrefixLen > 30 {
		cfg.PrefixLen = 24
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log = log.With("role", cfg.Role.String())

	localAddr, peerAddr := cfg.ServerAddr, cfg.AgentAddr
	if cfg.Role == RoleAgent {
		localAddr, peerAddr = peerAddr, localAddr
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	ep := channel.New(outboundQueue, uint32(cfg.MTU+header.EthernetMinimumSize), linkAddress(cfg.Role))
	if err := s.CreateNIC(nicID, ethernet.New(ep)); err != nil {
		s.Close()
		return nil, fmt.Errorf("vnet: create nic: %s", err)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(localAddr.As4()),
			PrefixLen: cfg.PrefixLen,
		},
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		s.Close()
		return nil, fmt.Errorf("vnet: add address %s: %s", localAddr, err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: protoAddr.AddressWithPrefix.Subnet(), NIC: nicID}})

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:    cfg,
		log:    log,
		stack:  s,
		ep:     ep,
		local:  protoAddr.AddressWithPrefix.Address,
		peer:   tcpip.AddrFrom4(peerAddr.As4()),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.transmitLoop(ctx, transmit)
	log.Info("vnet bridge up", "local", localAddr.String(), "peer", peerAddr.String(), "mtu", cfg.MTU)
	return b, nil
}

func (b *Bridge) transmitLoop(ctx context.Context, transmit func([]byte)) {
	defer close(b.done)
	for {
		pkt := b.ep.ReadContext(ctx)
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		frame := make([]byte, view.Size())
		copy(frame, view.AsSlice())
		view.Release()
		pkt.DecRef()
		if b.cfg.Trace {
			b.log.Trace("vnet transmit", "frame", Describe(frame))
		}
		transmit(frame)
	}
}

// Inject hands a received Ethernet frame to the stack. Frames that are not
// IPv4 or ARP are dropped.
func (b *Bridge) Inject(frame []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	proto, ok := classify(frame)
	if !ok {
		b.log.Debug("vnet drop frame", "len", len(frame))
		return nil
	}
	if b.cfg.Trace {
		b.log.Trace("vnet inject", "frame", Describe(frame))
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	b.ep.InjectInbound(proto, pkt)
	pkt.DecRef()
	return nil
}

// Listen accepts TCP connections on the local address.
func (b *Bridge) Listen(port uint16) (net.Listener, error) {
	ln, err := gonet.ListenTCP(b.stack, tcpip.FullAddress{NIC: nicID, Addr: b.local, Port: port}, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("vnet: listen %d: %w", port, err)
	}
	return ln, nil
}

// Dial connects to a port on the peer.
func (b *Bridge) Dial(ctx context.Context, port uint16) (net.Conn, error) {
	conn, err := gonet.DialContextTCP(ctx, b.stack, tcpip.FullAddress{NIC: nicID, Addr: b.peer, Port: port}, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("vnet: dial peer %d: %w", port, err)
	}
	return conn, nil
}

// LocalAddr returns the bridge's own address.
func (b *Bridge) LocalAddr() netip.Addr {
	return netip.AddrFrom4(b.local.As4())
}

// PeerAddr returns the address of the other end.
func (b *Bridge) PeerAddr() netip.Addr {
	return netip.AddrFrom4(b.peer.As4())
}

// Close tears the stack down and stops the transmit goroutine.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	<-b.done
	b.stack.Close()
	b.stack.Wait()
	return nil
}

// linkAddress gives each role a unicast, locally administered MAC that
// differs from the other role in one octet.
func linkAddress(role Role) tcpip.LinkAddress {
	mac := []byte{0x02, 0x02, 0x03, 0x04, 0x05, 0x07}
	if role == RoleAgent {
		mac[3] = 0x01
	}
	return tcpip.LinkAddress(mac)
}
