package sandbox

import (
	"bytes"
	"sync"
)

const defaultMaxOutputBytes = 1 << 20

// cappedBuffer keeps the first limit bytes written to it and records
// whether anything was dropped. Writes never fail so the producing
// process is not disturbed by the cap.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	return &cappedBuffer{remaining: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	if c.remaining <= 0 {
		if n > 0 {
			c.truncated = true
		}
		return n, nil
	}
	if len(p) > c.remaining {
		p = p[:c.remaining]
		c.truncated = true
	}
	w, _ := c.buf.Write(p)
	c.remaining -= w
	return n, nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
