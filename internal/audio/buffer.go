package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for audio data
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding at most size-1 bytes
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write copies as much of data as fits and returns the number of bytes written
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for _, b := range data {
		if (rb.write+1)%rb.size == rb.read {
			break
		}
		rb.buffer[rb.write] = b
		rb.write = (rb.write + 1) % rb.size
		written++
	}
	return written
}

// Read fills data from the buffer and returns the number of bytes read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := range data {
		if rb.read == rb.write {
			break
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

// Space returns the number of bytes that can still be written
func (rb *RingBuffer) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size - rb.available() - 1
}

// Clear discards buffered data
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

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return (rb.write+1)%rb.size == rb.read
}

// Chunker accumulates PCM and cuts it into fixed-size chunks.
// It is owned by a single pipeline goroutine.
type Chunker struct {
	ring      *RingBuffer
	chunkSize int
}

// NewChunker returns a chunker emitting chunkSize-byte chunks.
func NewChunker(chunkSize int) *Chunker {
	if chunkSize%2 != 0 {
		chunkSize++
	}
	return &Chunker{
		ring:      NewRingBuffer(chunkSize*2 + 1),
		chunkSize: chunkSize,
	}
}

// Write buffers pcm and returns every complete chunk it produced.
func (c *Chunker) Write(pcm []byte) [][]byte {
	var chunks [][]byte
	for len(pcm) > 0 {
		n := c.ring.Write(pcm)
		pcm = pcm[n:]
		for c.ring.Available() >= c.chunkSize {
			chunk := make([]byte, c.chunkSize)
			c.ring.Read(chunk)
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// Flush returns the buffered partial chunk, or nil when nothing is pending.
func (c *Chunker) Flush() []byte {
	n := c.ring.Available()
	if n == 0 {
		return nil
	}
	tail := make([]byte, n)
	c.ring.Read(tail)
	return tail
}

// Pending returns the number of buffered bytes not yet emitted.
func (c *Chunker) Pending() int {
	return c.ring.Available()
}
