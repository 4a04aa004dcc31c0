package executor

import (
	"bytes"
	"sync"
)

const defaultMaxOutputSize = 256 * 1024 // 256KB

// limitedBuffer is a ring buffer that retains the last N bytes written.
// Stdout and stderr are copied from separate goroutines, so writes lock.
type limitedBuffer struct {
	mu           sync.Mutex
	data         []byte
	head         int   // write index
	totalWritten int64 // total bytes written
}

func newLimitedBuffer(limit int) *limitedBuffer {
	if limit <= 0 {
		limit = defaultMaxOutputSize
	}
	return &limitedBuffer{data: make([]byte, limit)}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	totalLen := len(p)
	if totalLen > len(l.data) {
		p = p[totalLen-len(l.data):]
	}

	for len(p) > 0 {
		toWrite := min(len(p), len(l.data)-l.head)
		copy(l.data[l.head:], p[:toWrite])

		l.head += toWrite
		if l.head >= len(l.data) {
			l.head = 0
		}
		p = p[toWrite:]
	}

	l.totalWritten += int64(totalLen)
	return totalLen, nil
}

// Truncated reports whether older output was dropped.
func (l *limitedBuffer) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalWritten > int64(len(l.data))
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := int64(len(l.data))
	if l.totalWritten <= limit {
		return string(l.data[:l.totalWritten])
	}

	// head points at the oldest byte once the ring has wrapped
	var buf bytes.Buffer
	prefix := "... output truncated ...\n"
	buf.Grow(len(prefix) + len(l.data))

	buf.WriteString(prefix)
	buf.Write(l.data[l.head:])
	buf.Write(l.data[:l.head])

	return buf.String()
}
