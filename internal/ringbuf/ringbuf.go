// Package ringbuf provides a fixed-capacity line buffer for session output.
// Writes overwrite the oldest line once the buffer is full.
package ringbuf

import "sync"

// DefaultCapacity is the per-session line capacity used when none is configured.
const DefaultCapacity = 10000

// Buffer is a fixed-capacity append-only sequence of lines.
// Safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	lines []string
	cap   int
	start int // index of the oldest line
	count int
}

// New creates a buffer with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Push appends a line, evicting the oldest line when at capacity.
func (b *Buffer) Push(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < b.cap {
		b.lines[(b.start+b.count)%b.cap] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.cap
}

// PushAll appends lines in order.
func (b *Buffer) PushAll(lines []string) {
	for _, line := range lines {
		b.Push(line)
	}
}

// LastN returns the last n lines in append order. If n exceeds the stored
// count, all stored lines are returned.
func (b *Buffer) LastN(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]string, n)
	first := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+first+i)%b.cap]
	}
	return out
}

// Len returns the number of stored lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return b.cap
}
