package audio

import (
	"fmt"
	"sync"
)

// DefaultChunkSize is the default maximum chunk size in bytes
const DefaultChunkSize = 8192

// Format describes the raw audio the chunker slices
type Format struct {
	SampleRate int // Samples per second
	BitDepth   int // Bits per sample (PCM)
	Channels   int // Interleaved channel count
}

// DefaultFormat is 16 kHz 16-bit mono PCM, the format the recognition
// service consumes
var DefaultFormat = Format{SampleRate: 16000, BitDepth: 16, Channels: 1}

// Alignment returns the size in bytes of one full sample frame
func (f Format) Alignment() int {
	return f.BitDepth / 8 * f.Channels
}

// Chunk is one unit of outbound audio. End marks the explicit end-of-audio
// marker emitted once after Close; a marker chunk carries no data.
type Chunk struct {
	Data []byte
	End  bool
}

// Chunker slices an incoming audio byte stream of arbitrary boundaries into
// bounded chunks sized for transmission. Chunk boundaries always align to
// the audio format's sample size, so a sample frame is never split across
// two chunks.
type Chunker struct {
	mu         sync.Mutex
	ring       *RingBuffer
	align      int
	maxChunk   int
	closed     bool
	endEmitted bool
}

// NewChunker creates a chunker for the given format. maxChunk bounds the
// chunk size in bytes; pass 0 for DefaultChunkSize.
func NewChunker(format Format, maxChunk int) (*Chunker, error) {
	align := format.Alignment()
	if align <= 0 {
		return nil, fmt.Errorf("invalid audio format: alignment %d", align)
	}
	if maxChunk <= 0 {
		maxChunk = DefaultChunkSize
	}
	if maxChunk < align {
		return nil, fmt.Errorf("max chunk size %d smaller than sample frame %d", maxChunk, align)
	}
	// Chunks themselves must be aligned
	maxChunk -= maxChunk % align

	return &Chunker{
		ring:     NewRingBuffer(maxChunk * 2),
		align:    align,
		maxChunk: maxChunk,
	}, nil
}

// Write appends caller audio. Byte order is preserved across chunks.
// Fails once the chunker has been closed.
func (c *Chunker) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("chunker is closed")
	}
	return c.ring.Write(p), nil
}

// Next returns the next chunk and true, or false when no chunk is ready.
// While open, a chunk is ready once at least one full sample frame is
// buffered. After Close, remaining aligned bytes drain first and then the
// end-of-audio marker is returned exactly once.
func (c *Chunker) Next() (Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	usable := c.ring.Available()
	usable -= usable % c.align
	if usable > c.maxChunk {
		usable = c.maxChunk
	}

	if usable > 0 {
		data := make([]byte, usable)
		c.ring.Read(data)
		return Chunk{Data: data}, true
	}

	if c.closed && !c.endEmitted {
		// A trailing partial sample frame can never be emitted; drop it
		c.ring.Clear()
		c.endEmitted = true
		return Chunk{End: true}, true
	}
	return Chunk{}, false
}

// Close signals that no more audio will be written. The next drain of the
// chunker ends with the end-of-audio marker.
func (c *Chunker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed reports whether Close has been called
func (c *Chunker) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Reset restarts the chunker for a new session, discarding buffered audio
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring.Clear()
	c.closed = false
	c.endEmitted = false
}
