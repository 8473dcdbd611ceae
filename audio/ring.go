package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring for staging audio data between the
// caller's producing context and the chunker. Unlike a fixed ring it grows
// when full, so caller audio is never silently dropped.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified initial size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data to the ring buffer, growing it as needed.
// Always writes len(data) bytes.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for len(data) > rb.space() {
		rb.grow()
	}

	for i := 0; i < len(data); i++ {
		rb.buffer[rb.write] = data[i]
		rb.write = (rb.write + 1) % rb.size
	}
	return len(data)
}

// Read reads up to len(data) bytes from the ring buffer.
// Returns the number of bytes read.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := 0; i < len(data); i++ {
		if rb.read == rb.write {
			break // Buffer empty
		}
		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}
	return read
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// space returns writable bytes; one slot is reserved to keep full and empty
// states distinguishable
func (rb *RingBuffer) space() int {
	return rb.size - rb.available() - 1
}

// grow doubles the backing array, compacting pending bytes to the front
func (rb *RingBuffer) grow() {
	pending := rb.available()
	next := make([]byte, rb.size*2)
	for i := 0; i < pending; i++ {
		next[i] = rb.buffer[(rb.read+i)%rb.size]
	}
	rb.buffer = next
	rb.size = len(next)
	rb.read = 0
	rb.write = pending
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}
