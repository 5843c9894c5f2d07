package session

import (
	"strings"
	"sync"
)

// ringBuffer keeps the most recent output lines within a byte budget.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
	max   int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

// WriteLine appends a line, evicting the oldest lines past the budget.
func (b *ringBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.size += len(line) + 1

	for b.size > b.max && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

// String returns the buffered lines joined by newlines.
func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
