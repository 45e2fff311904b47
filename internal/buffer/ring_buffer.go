// Package buffer provides bounded frame buffers for event replay.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer of frames. When the buffer is
// full, the oldest frame is discarded to make room for the new one.
//
// This is used to keep recent agent events so a client that reconnects can
// be sent what it missed.
type RingBuffer struct {
	frames   [][]byte
	start    int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRingBuffer creates a new RingBuffer holding up to capacity frames.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		frames:   make([][]byte, capacity),
		capacity: capacity,
	}
}

// Push appends a copy of frame, evicting the oldest frame when full.
// Empty frames are ignored.
func (rb *RingBuffer) Push(frame []byte) {
	if len(frame) == 0 {
		return
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < rb.capacity {
		rb.frames[(rb.start+rb.size)%rb.capacity] = cp
		rb.size++
		return
	}

	rb.frames[rb.start] = cp
	rb.start = (rb.start + 1) % rb.capacity
}

// Snapshot returns the buffered frames, oldest first.
// The returned slices are safe to use without holding the lock.
func (rb *RingBuffer) Snapshot() [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	out := make([][]byte, rb.size)
	for i := 0; i < rb.size; i++ {
		frame := rb.frames[(rb.start+i)%rb.capacity]
		out[i] = make([]byte, len(frame))
		copy(out[i], frame)
	}
	return out
}

// Clear removes all frames from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.frames {
		rb.frames[i] = nil
	}
	rb.start = 0
	rb.size = 0
}

// Len returns the current number of frames in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}
