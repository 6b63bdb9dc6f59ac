package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestCorrelator(window time.Duration) (*correlator, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newCorrelator(window)
	c.now = clk.now
	return c, clk
}

func TestCorrelatorLowestFreeTag(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)
	p0, err := c.acquire()
	require.NoError(t, err)
	p1, err := c.acquire()
	require.NoError(t, err)
	assert.Equal(t, byte(0), p0.tag)
	assert.Equal(t, byte(1), p1.tag)

	c.release(p0, false)
	p, err := c.acquire()
	require.NoError(t, err)
	assert.Equal(t, byte(0), p.tag)
}

func TestCorrelatorFull(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)
	for i := 0; i < MaxOutstandingRequests; i++ {
		_, err := c.acquire()
		require.NoError(t, err)
	}
	assert.Equal(t, MaxOutstandingRequests, c.outstanding())
	_, err := c.acquire()
	assert.ErrorIs(t, err, ErrTooManyOutstandingRequests)
}

func TestCorrelatorResolve(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)
	p, _ := c.acquire()
	assert.True(t, c.resolve(p.tag, []byte("ok")))
	assert.Equal(t, []byte("ok"), <-p.resp)
	assert.False(t, c.resolve(p.tag, []byte("again")))
	assert.Zero(t, c.outstanding())
}

func TestCorrelatorQuarantine(t *testing.T) {
	c, clk := newTestCorrelator(time.Second)
	p0, _ := c.acquire()
	c.release(p0, true)

	// Tag 0 is quarantined; the next request must not reuse it.
	p1, _ := c.acquire()
	assert.Equal(t, byte(1), p1.tag)

	// A late response for tag 0 is dropped, not delivered to p1.
	assert.False(t, c.resolve(0, []byte("late")))
	select {
	case <-p1.resp:
		t.Fatal("late response delivered to newer request")
	default:
	}

	// The late response ended the quarantine.
	p, _ := c.acquire()
	assert.Equal(t, byte(0), p.tag)
	c.release(p, true)

	clk.t = clk.t.Add(2 * time.Second)
	p, _ = c.acquire()
	assert.Equal(t, byte(0), p.tag, "quarantine expires after the window")
}

func TestCorrelatorQuarantineFallback(t *testing.T) {
	c, clk := newTestCorrelator(time.Minute)
	all := make([]*pending, 0, MaxOutstandingRequests)
	for i := 0; i < MaxOutstandingRequests; i++ {
		p, err := c.acquire()
		require.NoError(t, err)
		all = append(all, p)
	}
	c.release(all[9], true)
	clk.t = clk.t.Add(time.Second)
	c.release(all[4], true)

	p, err := c.acquire()
	require.NoError(t, err)
	assert.Equal(t, byte(9), p.tag, "oldest quarantined tag is reused first")
	p, err = c.acquire()
	require.NoError(t, err)
	assert.Equal(t, byte(4), p.tag)
}

func TestCorrelatorStaleRelease(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)
	p, _ := c.acquire()
	require.True(t, c.resolve(p.tag, nil))
	q, _ := c.acquire()
	require.Equal(t, p.tag, q.tag)
	c.release(p, true) // must not free q's slot
	assert.Equal(t, 1, c.outstanding())
}

func TestCorrelatorClose(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)
	_, _ = c.acquire()
	c.close()
	assert.Zero(t, c.outstanding())
	_, err := c.acquire()
	assert.ErrorIs(t, err, ErrClosed)
}
