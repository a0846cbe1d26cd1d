package logx

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"pkt.systems/pslog"
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// New builds a structured logger for verbosity 0 (off) through 9 (trace).
// Verbosity 0 discards everything.
func New(w io.Writer, verbosity int) pslog.Logger {
	opts := pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.ErrorLevel,
	}
	switch {
	case verbosity <= 0:
		w = io.Discard
	case verbosity >= 9:
		opts.MinLevel = pslog.TraceLevel
	case verbosity >= 6:
		opts.MinLevel = pslog.DebugLevel
	case verbosity >= 3:
		opts.MinLevel = pslog.InfoLevel
	}
	return pslog.NewWithOptions(w, opts)
}

// Open appends to the log file at path when verbosity is enabled. The
// returned close function is always safe to call.
func Open(path string, verbosity int) (pslog.Logger, func() error, error) {
	if verbosity <= 0 || path == "" {
		return New(io.Discard, 0), func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return New(f, verbosity), f.Close, nil
}

// WithRole annotates the logger with the tunnel end (server or agent).
func WithRole(log pslog.Logger, role string) pslog.Logger {
	if role == "" {
		return log
	}
	return log.With("role", role)
}

// WithConn annotates the logger with the endpoints of a tunneled connection.
func WithConn(log pslog.Logger, service string, local, remote string) pslog.Logger {
	log = log.With("service", service)
	if local != "" {
		log = log.With("local", local)
	}
	if remote != "" {
		log = log.With("remote", remote)
	}
	return log
}

// WithForward annotates the logger with a forward rule.
func WithForward(log pslog.Logger, rule string) pslog.Logger {
	if rule == "" {
		return log
	}
	return log.With("forward", rule)
}

// WithFrame annotates the logger with a frame type and payload size.
func WithFrame(log pslog.Logger, kind string, size int) pslog.Logger {
	return log.With("frame", kind, "bytes", size)
}
