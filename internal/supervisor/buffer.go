package supervisor

import "sync"

// CircularBuffer keeps the last N lines of subprocess output.
type CircularBuffer struct {
	lines []string
	size  int
	pos   int
	count int
	mu    sync.Mutex
}

// NewCircularBuffer creates a buffer holding at most size lines.
func NewCircularBuffer(size int) *CircularBuffer {
	return &CircularBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

// Write adds a line, evicting the oldest once full.
func (b *CircularBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.pos] = line
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Lines returns the buffered lines oldest first.
func (b *CircularBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]string, 0, b.count)
	if b.count < b.size {
		result = append(result, b.lines[:b.count]...)
	} else {
		result = append(result, b.lines[b.pos:]...)
		result = append(result, b.lines[:b.pos]...)
	}
	return result
}

// Reset clears the buffer.
func (b *CircularBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos = 0
	b.count = 0
}
