package engine

import "sync"

const defaultTailSize = 64 * 1024

// tailBuffer keeps the last size bytes written to it. Engines can print
// without bound, so only the tail of their output is retained.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	head int
	full bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = defaultTailSize
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. Older bytes are overwritten once full.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.size {
		copy(b.buf, p[n-b.size:])
		b.head = 0
		b.full = true
		return n, nil
	}
	written := copy(b.buf[b.head:], p)
	if written < n {
		copy(b.buf, p[written:])
		b.full = true
	}
	if b.head+n >= b.size {
		b.full = true
	}
	b.head = (b.head + n) % b.size
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return string(b.buf[:b.head])
	}
	return string(b.buf[b.head:]) + string(b.buf[:b.head])
}
