package tunnel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	"pkt.systems/pslog"
)

const (
	socks4Version = 0x04
	socks5Version = 0x05

	socksCmdConnect = 0x01

	socks5MethodNoAuth   = 0x00
	socks5MethodUserPass = 0x02
	socks5MethodNone     = 0xff

	socks5AddrIPv4   = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6   = 0x04

	socks5ReplySucceeded       = 0x00
	socks5ReplyFailure         = 0x01
	socks5ReplyHostUnreachable = 0x04
	socks5ReplyCmdUnsupported  = 0x07
	socks5ReplyAddrUnsupported = 0x08

	socks4ReplyGranted  = 0x5a
	socks4ReplyRejected = 0x5b

	userPassVersion = 0x01
)

var ErrUnsupportedVersion = errors.New("tunnel: unsupported socks version")

// ProxyServer answers SOCKS4, SOCKS4a and SOCKS5 CONNECT requests and
// falls back to an HTTP proxy when the first bytes are not a SOCKS version.
type ProxyServer struct {
	Dialer Dialer
	// Username and Password enable SOCKS5 user/password authentication.
	// Clients offering no-auth are still accepted when Username is empty.
	Username string
	Password string
}

// Serve accepts proxy clients on ln until ctx ends.
func (p *ProxyServer) Serve(ctx context.Context, ln net.Listener) error {
	return serve(ctx, ln, "proxy", func(ctx context.Context, conn net.Conn) {
		if err := p.ServeConn(ctx, conn); err != nil {
			pslog.Ctx(ctx).Debug("tunnel proxy connection ended", "remote", conn.RemoteAddr().String(), "err", err)
		}
	})
}

// ServeConn handles one client connection and closes it.
func (p *ProxyServer) ServeConn(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)
	head, err := r.Peek(2)
	if err != nil {
		_ = conn.Close()
		return err
	}
	switch head[0] {
	case socks5Version:
		return p.serveSOCKS5(ctx, conn, r)
	case socks4Version:
		return p.serveSOCKS4(ctx, conn, r)
	default:
		return p.serveHTTP(ctx, conn, r)
	}
}

func (p *ProxyServer) serveSOCKS5(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		_ = conn.Close()
		return err
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		_ = conn.Close()
		return err
	}
	method := p.chooseMethod(methods)
	if _, err := conn.Write([]byte{socks5Version, method}); err != nil {
		_ = conn.Close()
		return err
	}
	switch method {
	case socks5MethodNone:
		_ = conn.Close()
		return fmt.Errorf("socks5: no acceptable auth method in %x", methods)
	case socks5MethodUserPass:
		if err := p.authenticate(conn, r); err != nil {
			_ = conn.Close()
			return err
		}
	}

	var req [4]byte
	if _, err := io.ReadFull(r, req[:]); err != nil {
		_ = conn.Close()
		return err
	}
	if req[0] != socks5Version {
		_ = conn.Close()
		return fmt.Errorf("%w: request version %d", ErrUnsupportedVersion, req[0])
	}
	host, addrField, err := readSOCKS5Addr(r, req[3])
	if err != nil {
		_ = writeSOCKS5Reply(conn, socks5ReplyAddrUnsupported, nil)
		_ = conn.Close()
		return err
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		_ = conn.Close()
		return err
	}
	if req[1] != socksCmdConnect {
		_ = writeSOCKS5Reply(conn, socks5ReplyCmdUnsupported, nil)
		_ = conn.Close()
		return fmt.Errorf("socks5: unsupported command %d", req[1])
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf[:]))))
	upstream, err := p.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		_ = writeSOCKS5Reply(conn, socks5ReplyHostUnreachable, nil)
		_ = conn.Close()
		return fmt.Errorf("socks5: dial %s: %w", target, err)
	}
	// The reply echoes the requested address rather than the bound one.
	reply := append([]byte{req[3]}, addrField...)
	reply = append(reply, portBuf[:]...)
	if err := writeSOCKS5Reply(conn, socks5ReplySucceeded, reply); err != nil {
		_ = conn.Close()
		_ = upstream.Close()
		return err
	}
	pslog.Ctx(ctx).Debug("tunnel socks5 connected", "target", target)
	return Pipe(ctx, &bufferedConn{Conn: conn, r: r}, upstream)
}

func (p *ProxyServer) chooseMethod(methods []byte) byte {
	want := byte(socks5MethodNoAuth)
	if p.Username != "" {
		want = socks5MethodUserPass
	}
	for _, m := range methods {
		if m == want {
			return want
		}
	}
	return socks5MethodNone
}

func (p *ProxyServer) authenticate(conn net.Conn, r *bufio.Reader) error {
	ver, err := r.ReadByte()
	if err != nil {
		return err
	}
	if ver != userPassVersion {
		return fmt.Errorf("socks5: auth version %d", ver)
	}
	user, err := readLengthPrefixed(r)
	if err != nil {
		return err
	}
	pass, err := readLengthPrefixed(r)
	if err != nil {
		return err
	}
	if user != p.Username || pass != p.Password {
		_, _ = conn.Write([]byte{userPassVersion, 0xff})
		return fmt.Errorf("socks5: authentication failed for %q", user)
	}
	_, err = conn.Write([]byte{userPassVersion, 0x00})
	return err
}

func readLengthPrefixed(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readSOCKS5Addr returns the host to dial and the raw address field for the
// reply.
func readSOCKS5Addr(r *bufio.Reader, atyp byte) (string, []byte, error) {
	switch atyp {
	case socks5AddrIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return "", nil, err
		}
		return netip.AddrFrom4(ip).String(), ip[:], nil
	case socks5AddrIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return "", nil, err
		}
		return netip.AddrFrom16(ip).String(), ip[:], nil
	case socks5AddrDomain:
		n, err := r.ReadByte()
		if err != nil {
			return "", nil, err
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return "", nil, err
		}
		return string(name), append([]byte{n}, name...), nil
	default:
		return "", nil, fmt.Errorf("socks5: address type %d", atyp)
	}
}

func writeSOCKS5Reply(conn net.Conn, code byte, addr []byte) error {
	if addr == nil {
		addr = []byte{socks5AddrIPv4, 0, 0, 0, 0, 0, 0}
	}
	out := append([]byte{socks5Version, code, 0x00}, addr...)
	_, err := conn.Write(out)
	return err
}

func (p *ProxyServer) serveSOCKS4(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	var req [8]byte
	if _, err := io.ReadFull(r, req[:]); err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := readCString(r, 255); err != nil {
		_ = conn.Close()
		return fmt.Errorf("socks4: ident: %w", err)
	}
	port := binary.BigEndian.Uint16(req[2:4])
	ip := [4]byte{req[4], req[5], req[6], req[7]}
	host := netip.AddrFrom4(ip).String()
	// SOCKS4a: 0.0.0.x with x != 0 means a domain name follows.
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		domain, err := readCString(r, 255)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("socks4a: domain: %w", err)
		}
		host = domain
	}
	reply := func(code byte) error {
		out := []byte{0x00, code, req[2], req[3], req[4], req[5], req[6], req[7]}
		_, err := conn.Write(out)
		return err
	}
	if req[1] != socksCmdConnect {
		_ = reply(socks4ReplyRejected)
		_ = conn.Close()
		return fmt.Errorf("socks4: unsupported command %d", req[1])
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	upstream, err := p.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		_ = reply(socks4ReplyRejected)
		_ = conn.Close()
		return fmt.Errorf("socks4: dial %s: %w", target, err)
	}
	if err := reply(socks4ReplyGranted); err != nil {
		_ = conn.Close()
		_ = upstream.Close()
		return err
	}
	pslog.Ctx(ctx).Debug("tunnel socks4 connected", "target", target)
	return Pipe(ctx, &bufferedConn{Conn: conn, r: r}, upstream)
}
