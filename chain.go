package asynctcp

// DefaultSegmentSize matches a typical TCP MSS.
const DefaultSegmentSize = 1460

// segmentChain is a FIFO of fixed-capacity byte segments. Writes fill the
// tail and allocate new tails; reads drain the head, which is dropped once
// empty and followed by another segment. A budget bounds the total bytes
// queued, standing in for a heap check on small devices.
type segmentChain struct {
	segSize int
	budget  int
	segs    []*segment
	queued  int
}

type segment struct {
	buf  []byte
	head int
}

func (s *segment) available() int { return len(s.buf) - s.head }
func (s *segment) room() int      { return cap(s.buf) - len(s.buf) }

func newSegmentChain(segSize, budget int) *segmentChain {
	if segSize <= 0 {
		segSize = DefaultSegmentSize
	}
	return &segmentChain{segSize: segSize, budget: budget}
}

// write appends as much of p as the budget allows and returns the count.
func (c *segmentChain) write(p []byte) int {
	n := 0
	for n < len(p) {
		if c.budget > 0 && c.queued >= c.budget {
			break
		}
		tail := c.tail()
		if tail == nil || tail.room() == 0 {
			tail = &segment{buf: make([]byte, 0, c.segSize)}
			c.segs = append(c.segs, tail)
		}
		chunk := min(len(p)-n, tail.room())
		if c.budget > 0 {
			chunk = min(chunk, c.budget-c.queued)
		}
		tail.buf = append(tail.buf, p[n:n+chunk]...)
		n += chunk
		c.queued += chunk
	}
	return n
}

func (c *segmentChain) tail() *segment {
	if len(c.segs) == 0 {
		return nil
	}
	return c.segs[len(c.segs)-1]
}

// peek returns up to n bytes from the head segment without consuming them.
func (c *segmentChain) peek(n int) []byte {
	if len(c.segs) == 0 || n <= 0 {
		return nil
	}
	h := c.segs[0]
	return h.buf[h.head : h.head+min(n, h.available())]
}

// remove consumes n bytes from the front, crossing segments as needed.
func (c *segmentChain) remove(n int) {
	for n > 0 && len(c.segs) > 0 {
		h := c.segs[0]
		k := min(n, h.available())
		h.head += k
		n -= k
		c.queued -= k
		if h.available() == 0 {
			if len(c.segs) > 1 {
				c.segs[0] = nil
				c.segs = c.segs[1:]
			} else {
				h.buf = h.buf[:0]
				h.head = 0
			}
		}
	}
}

// read copies and consumes up to len(p) bytes.
func (c *segmentChain) read(p []byte) int {
	n := 0
	for n < len(p) && c.queued > 0 {
		chunk := c.peek(len(p) - n)
		copy(p[n:], chunk)
		n += len(chunk)
		c.remove(len(chunk))
	}
	return n
}

func (c *segmentChain) available() int { return c.queued }
func (c *segmentChain) segments() int  { return len(c.segs) }

func (c *segmentChain) reset() {
	c.segs = nil
	c.queued = 0
}

// drain hands queued bytes to client until it stops accepting them and
// returns how many bytes were sent.
func (c *segmentChain) drain(client *Client) int {
	sent := 0
	for c.available() > 0 && client.CanSend() {
		chunk := c.peek(client.Space())
		if len(chunk) == 0 {
			break
		}
		n := client.Write(chunk)
		if n == 0 {
			break
		}
		c.remove(n)
		sent += n
	}
	return sent
}
