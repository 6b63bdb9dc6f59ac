package session

import (
	"sync"
	"time"
)

// MaxOutstandingRequests is the size of the one-byte tag space.
const MaxOutstandingRequests = 256

type pending struct {
	tag  byte
	resp chan []byte
}

// correlator maps request tags to waiters. A tag whose request timed out is
// quarantined for one timeout window so a late response cannot be matched
// to a newer request; clean tags are always preferred.
type correlator struct {
	mu         sync.Mutex
	slots      [MaxOutstandingRequests]*pending
	quarantine [MaxOutstandingRequests]time.Time
	window     time.Duration
	closed     bool
	now        func() time.Time
}

func newCorrelator(window time.Duration) *correlator {
	return &correlator{window: window, now: time.Now}
}

// acquire reserves the lowest clean tag, falling back to the quarantined
// tag whose window ends soonest.
func (c *correlator) acquire() (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	now := c.now()
	fallback := -1
	for i := range c.slots {
		if c.slots[i] != nil {
			continue
		}
		q := c.quarantine[i]
		if q.IsZero() || !now.Before(q) {
			return c.take(i), nil
		}
		if fallback < 0 || q.Before(c.quarantine[fallback]) {
			fallback = i
		}
	}
	if fallback >= 0 {
		return c.take(fallback), nil
	}
	return nil, ErrTooManyOutstandingRequests
}

func (c *correlator) take(i int) *pending {
	p := &pending{tag: byte(i), resp: make(chan []byte, 1)}
	c.slots[i] = p
	c.quarantine[i] = time.Time{}
	return p
}

// release frees p's tag. abandoned marks a request that gave up waiting.
func (c *correlator) release(p *pending, abandoned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[p.tag] != p {
		return
	}
	c.slots[p.tag] = nil
	if abandoned {
		c.quarantine[p.tag] = c.now().Add(c.window)
	}
}

// resolve hands payload to the waiter for tag. Returns false when nobody is
// waiting; a late response also ends the tag's quarantine.
func (c *correlator) resolve(tag byte, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.slots[tag]
	if p == nil {
		c.quarantine[tag] = time.Time{}
		return false
	}
	c.slots[tag] = nil
	p.resp <- payload
	return true
}

// outstanding counts reserved tags.
func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.slots {
		if p != nil {
			n++
		}
	}
	return n
}

// close refuses further requests; waiters observe the connection's done channel.
func (c *correlator) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for i := range c.slots {
		c.slots[i] = nil
	}
}
