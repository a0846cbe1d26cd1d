package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"pkt.systems/pslog"
)

// maxPathLen matches the path field of the file-exchange descriptor.
const maxPathLen = 4095

// ServeFileReceiver stores uploads: each connection names the destination
// path, NUL terminated, then streams the content until EOF.
func ServeFileReceiver(ctx context.Context, ln net.Listener, tasks *TaskCounter) error {
	return serve(ctx, ln, "file_receiver", func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		log := pslog.Ctx(ctx)
		r := bufio.NewReader(conn)
		path, err := readCString(r, maxPathLen)
		if err != nil {
			log.Info("tunnel file receiver header", "err", err)
			return
		}
		done := tasks.Start()
		defer done()
		n, err := receiveInto(path, r)
		if err != nil {
			log.Error("tunnel file receive failed", "path", path, "err", err)
			return
		}
		log.Info("tunnel file received", "path", path, "bytes", n)
	})
}

// ServeFileSender serves downloads: each connection names the source path,
// NUL terminated, and receives its content followed by EOF.
func ServeFileSender(ctx context.Context, ln net.Listener, tasks *TaskCounter) error {
	return serve(ctx, ln, "file_sender", func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		log := pslog.Ctx(ctx)
		path, err := readCString(bufio.NewReader(conn), maxPathLen)
		if err != nil {
			log.Info("tunnel file sender header", "err", err)
			return
		}
		done := tasks.Start()
		defer done()
		n, err := sendFrom(path, conn)
		if err != nil {
			log.Error("tunnel file send failed", "path", path, "err", err)
			return
		}
		log.Info("tunnel file sent", "path", path, "bytes", n)
	})
}

// SendFile uploads the local file src to dst on the peer.
func SendFile(ctx context.Context, network Network, port uint16, src, dst string) (int64, error) {
	if len(dst) > maxPathLen {
		return 0, fmt.Errorf("%w: destination path", errFieldTooLong)
	}
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	conn, err := network.Dial(ctx, port)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if _, err := conn.Write(appendCString(nil, dst)); err != nil {
		return 0, fmt.Errorf("send header: %w", err)
	}
	n, err := io.Copy(conn, f)
	if err != nil {
		return n, fmt.Errorf("send %s: %w", src, err)
	}
	return n, nil
}

// ReceiveFile downloads src from the peer into the local file dst.
func ReceiveFile(ctx context.Context, network Network, port uint16, src, dst string) (int64, error) {
	if len(src) > maxPathLen {
		return 0, fmt.Errorf("%w: source path", errFieldTooLong)
	}
	conn, err := network.Dial(ctx, port)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if _, err := conn.Write(appendCString(nil, src)); err != nil {
		return 0, fmt.Errorf("send header: %w", err)
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	return receiveInto(dst, conn)
}

func receiveInto(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func sendFrom(path string, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
