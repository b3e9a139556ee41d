package core

import (
	"sync"
	"unicode/utf8"
)

// OutputBuffer accumulates captured output up to a byte cap. Bytes past the
// cap are counted but dropped; truncation never splits a UTF-8 sequence.
type OutputBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	total     int
	truncated bool
}

// NewOutputBuffer returns a buffer capped at max bytes. max <= 0 disables the cap.
func NewOutputBuffer(max int) *OutputBuffer {
	return &OutputBuffer{max: max}
}

// Write appends p. It never fails; overflow is truncated.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += len(p)
	if b.truncated {
		return len(p), nil
	}
	if b.max <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if len(p) <= remaining {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	cut := remaining
	for cut > 0 && !utf8.RuneStart(p[cut]) {
		cut--
	}
	b.buf = append(b.buf, p[:cut]...)
	b.truncated = true
	return len(p), nil
}

// String returns the captured text.
func (b *OutputBuffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Len returns the number of bytes kept.
func (b *OutputBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// OriginalLength returns the number of bytes written, including dropped ones.
func (b *OutputBuffer) OriginalLength() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Truncated reports whether any bytes were dropped.
func (b *OutputBuffer) Truncated() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
