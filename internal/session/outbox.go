// Package session binds one client connection to the shared dispatcher and the
// group registry, and owns the connection's bounded outbound queue.
package session

import (
	"errors"
	"sync"
)

// ErrOutboxClosed is returned by Push after Close.
var ErrOutboxClosed = errors.New("outbox closed")

// DefaultQueueSize is used when a non-positive size is requested.
const DefaultQueueSize = 256

// Outbox is a bounded FIFO of outbound frames. When full, Push evicts the
// oldest queued frame instead of blocking the caller.
type Outbox struct {
	mu      sync.Mutex
	frames  chan string
	closed  bool
	dropped uint64
}

// NewOutbox creates an open Outbox holding at most size frames.
//
// Postcondition: Returns an Outbox with an open frames channel.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Outbox{frames: make(chan string, size)}
}

// Push enqueues msg without blocking.
//
// Postcondition: msg is queued, possibly after evicting the oldest frame, or
// ErrOutboxClosed is returned.
func (o *Outbox) Push(msg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	for {
		select {
		case o.frames <- msg:
			return nil
		default:
		}
		select {
		case <-o.frames:
			o.dropped++
		default:
		}
	}
}

// Frames returns the channel the writer drains. It is closed by Close.
func (o *Outbox) Frames() <-chan string {
	return o.frames
}

// Close stops accepting frames. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Dropped returns how many frames were evicted because the queue was full.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
