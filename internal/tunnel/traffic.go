package tunnel

import (
	"io"
	"sync/atomic"
)

// countingReader wraps an io.Reader and atomically accumulates bytes
// read into count. Safe to read count from another goroutine.
type countingReader struct {
	r     io.Reader
	count *atomic.Uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.count.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and atomically accumulates bytes
// accepted by the underlying writer into count.
type countingWriter struct {
	w     io.Writer
	count *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.count.Add(uint64(n))
	}
	return n, err
}

// countReader decorates r so every successful Read adds to count.
func countReader(r io.Reader, count *atomic.Uint64) io.Reader {
	return &countingReader{r: r, count: count}
}

// countWriter decorates w so every successful Write adds to count.
func countWriter(w io.Writer, count *atomic.Uint64) io.Writer {
	return &countingWriter{w: w, count: count}
}
