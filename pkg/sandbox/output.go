package sandbox

import (
	"bytes"
	"sync"
)

// DefaultOutputLimit bounds how much unread background output is retained.
const DefaultOutputLimit = 1 << 20

// OutputBuffer accumulates a background command's output between reads.
// When more than maxSize unread bytes pile up, the oldest are discarded.
type OutputBuffer struct {
	mu      sync.Mutex
	buffer  bytes.Buffer
	maxSize int
}

// NewOutputBuffer creates a buffer; maxSize 0 means unbounded.
func NewOutputBuffer(maxSize int) *OutputBuffer {
	return &OutputBuffer{maxSize: maxSize}
}

// Write implements io.Writer.
func (o *OutputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(p)
	if o.maxSize > 0 && o.buffer.Len()+len(p) > o.maxSize {
		overflow := o.buffer.Len() + len(p) - o.maxSize
		if overflow >= o.buffer.Len() {
			o.buffer.Reset()
			if len(p) > o.maxSize {
				p = p[len(p)-o.maxSize:]
			}
		} else {
			o.buffer.Next(overflow)
		}
	}
	o.buffer.Write(p)
	return n, nil
}

// Drain returns everything written since the previous Drain and empties the buffer.
func (o *OutputBuffer) Drain() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.buffer.String()
	o.buffer.Reset()
	return s
}

// Len returns the number of unread bytes.
func (o *OutputBuffer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buffer.Len()
}
