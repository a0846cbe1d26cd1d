package evloop

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("evloop: writer closed")

// AsyncWriter queues writes for a single background goroutine so the event
// loop never blocks on a slow consumer. Every queued buffer counts against
// the gate until it has been written.
type AsyncWriter struct {
	w     io.Writer
	gate  *Gate
	queue *Queue[[]byte]

	mu     sync.Mutex
	closed bool
	err    error
}

// NewAsyncWriter returns a writer feeding w. gate may be nil.
func NewAsyncWriter(w io.Writer, gate *Gate) *AsyncWriter {
	return &AsyncWriter{w: w, gate: gate, queue: NewQueue[[]byte]()}
}

// Write copies p and queues it. It fails once the writer is closed or the
// underlying writer has failed.
func (a *AsyncWriter) Write(p []byte) (int, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrWriterClosed
	}
	if a.err != nil {
		err := a.err
		a.mu.Unlock()
		return 0, err
	}
	a.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	if a.gate != nil {
		a.gate.Add()
	}
	a.queue.Put(buf)
	return len(p), nil
}

// Close stops accepting writes. Run returns after the queue is flushed.
func (a *AsyncWriter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.queue.Put(nil)
	return nil
}

// Run writes queued buffers in order until Close has been called and the
// queue is empty, a write fails, or ctx ends.
func (a *AsyncWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.queue.Wake():
		}
		var stop bool
		a.queue.Drain(func(buf []byte) {
			if buf == nil {
				stop = true
				return
			}
			a.write(buf)
		})
		a.mu.Lock()
		err := a.err
		a.mu.Unlock()
		if stop || err != nil {
			return err
		}
	}
}

func (a *AsyncWriter) write(buf []byte) {
	if a.gate != nil {
		defer a.gate.Done()
	}
	a.mu.Lock()
	failed := a.err != nil
	a.mu.Unlock()
	if failed {
		return
	}
	if _, err := a.w.Write(buf); err != nil {
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
	}
}
