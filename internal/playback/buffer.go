// Package playback reassembles detection records into a paced, annotated
// video feed.
package playback

import (
	"fmt"
	"image"
	"sync"
	"time"

	"motionpipe/config"
)

// Frame is an annotated frame waiting for release
type Frame struct {
	Number   uint64
	Path     string
	Image    *image.RGBA
	Received time.Time
}

// Buffer is the queue shared by the receive and drain loops
type Buffer struct {
	mu       sync.Mutex
	items    []Frame
	capacity int
	policy   string
	open     bool
	wake     chan struct{}
}

// NewBuffer creates a buffer for one of the config policies
func NewBuffer(capacity int, policy string) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	switch policy {
	case config.PolicyGateThenDrain, config.PolicyBoundedDrop:
	case "":
		policy = config.PolicyGateThenDrain
	default:
		return nil, fmt.Errorf("unknown buffer policy %q", policy)
	}
	return &Buffer{
		items:    make([]Frame, 0, capacity),
		capacity: capacity,
		policy:   policy,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Push appends f. With the bounded-drop policy a full buffer evicts its
// oldest frame and reports true.
func (b *Buffer) Push(f Frame) (evicted bool) {
	b.mu.Lock()
	if b.policy == config.PolicyBoundedDrop && len(b.items) >= b.capacity {
		b.items[0] = Frame{}
		b.items = b.items[1:]
		evicted = true
	}
	b.items = append(b.items, f)
	if len(b.items) >= b.capacity {
		b.open = true
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes the front frame if the policy allows a release now
func (b *Buffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		b.open = false
		return Frame{}, false
	}
	if b.policy == config.PolicyGateThenDrain && !b.open {
		return Frame{}, false
	}

	f := b.items[0]
	b.items[0] = Frame{}
	b.items = b.items[1:]
	if len(b.items) == 0 {
		b.open = false
	}
	return f, true
}

// Len returns the number of buffered frames
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Capacity returns the configured capacity
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Policy returns the buffer policy name
func (b *Buffer) Policy() string {
	return b.policy
}

// Wake is signalled after every Push
func (b *Buffer) Wake() <-chan struct{} {
	return b.wake
}
