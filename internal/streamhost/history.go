// Package streamhost serves subject output streams over websockets: it owns
// the terminal sessions, retains a bounded history of each subject's output,
// and replays history so viewers can attach late or resume after a
// disconnect without losing bytes.
package streamhost

import "sync"

const defaultHistoryCapacity = 262144 // 256 KB

// History is a fixed-capacity ring over one subject's output that tracks
// absolute byte offsets. Offset zero is the first byte the subject ever
// produced; once the ring wraps, the oldest retained offset moves forward.
// Safe for concurrent use.
type History struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	writePos int
	total    uint64
}

// NewHistory allocates a history ring with the given capacity in bytes.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &History{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends output, overwriting the oldest bytes when full.
// Implements io.Writer.
func (h *History) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(p)

	// Oversized writes keep only the trailing capacity bytes.
	if n >= h.capacity {
		copy(h.buf, p[n-h.capacity:])
		h.writePos = 0
		h.total += uint64(n)
		return n, nil
	}

	firstChunk := h.capacity - h.writePos
	if firstChunk >= n {
		copy(h.buf[h.writePos:], p)
	} else {
		copy(h.buf[h.writePos:], p[:firstChunk])
		copy(h.buf, p[firstChunk:])
	}

	h.writePos = (h.writePos + n) % h.capacity
	h.total += uint64(n)
	return n, nil
}

// CurrentOffset returns the offset one past the last byte written, i.e. the
// total number of bytes the subject has ever produced.
func (h *History) CurrentOffset() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// OldestOffset returns the offset of the oldest byte still retained.
func (h *History) OldestOffset() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.oldestLocked()
}

func (h *History) oldestLocked() uint64 {
	if h.total <= uint64(h.capacity) {
		return 0
	}
	return h.total - uint64(h.capacity)
}

// ReadFrom returns a copy of the retained bytes starting at offset, along
// with the offset the copy actually starts at. When offset predates the
// retained window the copy starts at the oldest retained byte; when offset
// is at or past the current offset the copy is empty and starts at the
// current offset.
func (h *History) ReadFrom(offset uint64) ([]byte, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldest := h.oldestLocked()
	if offset < oldest {
		offset = oldest
	}
	if offset >= h.total {
		return nil, h.total
	}

	length := int(h.total - offset)
	result := make([]byte, length)

	// Position of `offset` inside the ring.
	start := h.writePos - int(h.total-offset)
	if start < 0 {
		start += h.capacity
	}

	tail := h.capacity - start
	if tail >= length {
		copy(result, h.buf[start:start+length])
	} else {
		copy(result, h.buf[start:])
		copy(result[tail:], h.buf[:length-tail])
	}
	return result, offset
}
