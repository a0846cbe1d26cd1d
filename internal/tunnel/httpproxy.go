package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"

	"pkt.systems/pslog"
)

const httpConnectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// serveHTTP treats the connection as an HTTP proxy client. The bytes that
// were peeked while looking for a SOCKS version are still in r.
func (p *ProxyServer) serveHTTP(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	req, err := http.ReadRequest(r)
	if err != nil {
		_ = writeHTTPError(conn, "malformed request")
		_ = conn.Close()
		return fmt.Errorf("http proxy: read request: %w", err)
	}
	switch req.Method {
	case http.MethodConnect:
		target := hostWithPort(req.Host, "443")
		upstream, err := p.Dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			_ = writeHTTPError(conn, "connect "+target+" failed")
			_ = conn.Close()
			return fmt.Errorf("http proxy: dial %s: %w", target, err)
		}
		if _, err := conn.Write([]byte(httpConnectEstablished)); err != nil {
			_ = conn.Close()
			_ = upstream.Close()
			return err
		}
		pslog.Ctx(ctx).Debug("tunnel http connect", "target", target)
		return Pipe(ctx, &bufferedConn{Conn: conn, r: r}, upstream)
	case http.MethodGet, http.MethodPost:
		host := req.URL.Host
		if host == "" {
			host = req.Host
		}
		target := hostWithPort(host, "80")
		upstream, err := p.Dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			_ = writeHTTPError(conn, "connect "+target+" failed")
			_ = conn.Close()
			return fmt.Errorf("http proxy: dial %s: %w", target, err)
		}
		// Write sends the request in origin form with its body.
		req.Header.Del("Proxy-Connection")
		if err := req.Write(upstream); err != nil {
			_ = conn.Close()
			_ = upstream.Close()
			return fmt.Errorf("http proxy: forward request: %w", err)
		}
		pslog.Ctx(ctx).Debug("tunnel http forward", "method", req.Method, "target", target)
		return Pipe(ctx, &bufferedConn{Conn: conn, r: r}, upstream)
	default:
		_ = writeHTTPError(conn, "unsupported method "+req.Method)
		_ = conn.Close()
		return fmt.Errorf("http proxy: unsupported method %s", req.Method)
	}
}

func writeHTTPError(conn net.Conn, msg string) error {
	_, err := fmt.Fprintf(conn, "HTTP/1.1 500 Internal Server Error %s\r\n\r\n", msg)
	return err
}

func hostWithPort(host, defaultPort string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}
