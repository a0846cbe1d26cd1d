package evloop

import (
	"context"
	"sync"
)

// Gate suspends a reader while too many writes are in flight. Once pending
// writes exceed the watermark the gate closes, and it only reopens when the
// count drops back to zero.
type Gate struct {
	mu        sync.Mutex
	watermark int
	pending   int
	open      chan struct{}
}

// NewGate returns an open gate.
func NewGate(watermark int) *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{watermark: watermark, open: open}
}

// Add records a write being issued.
func (g *Gate) Add() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending++
	if g.pending > g.watermark && g.isOpen() {
		g.open = make(chan struct{})
	}
}

// Done records a write completion.
func (g *Gate) Done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending > 0 {
		g.pending--
	}
	if g.pending == 0 && !g.isOpen() {
		close(g.open)
	}
}

// Wait blocks while the gate is closed.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Paused reports whether readers are currently suspended.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.isOpen()
}

// Pending reports the number of writes in flight.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

func (g *Gate) isOpen() bool {
	select {
	case <-g.open:
		return true
	default:
		return false
	}
}
