package reqpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer and fakeClock give the test full control over "now" and let it
// fire timers deterministically instead of racing real time.
type fakeTimer struct {
	c       *fakeClockImpl
	fireAt  time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}
func (t *fakeTimer) Reset(d time.Duration) bool {
	t.stopped = false
	t.fireAt = t.c.now.Add(d)
	return true
}

type fakeClockImpl struct {
	mu    sync.Mutex
	now   time.Time
	timer *fakeTimer
}

func (c *fakeClockImpl) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClockImpl) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, fireAt: c.now.Add(d), f: f}
	c.timer = t
	return t
}

// Advance moves the fake clock forward and synchronously fires the current
// timer if its deadline has passed.
func (c *fakeClockImpl) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	t := c.timer
	now := c.now
	c.mu.Unlock()

	if t != nil && !t.stopped && !t.fireAt.After(now) {
		t.f()
	}
}

func TestAddAndGet(t *testing.T) {
	clk := &fakeClockImpl{now: time.Unix(0, 0)}
	p := New(nil, clk)

	e := &Entry{ID: 1, TimeoutAt: clk.now.Add(time.Second)}
	p.Add(e)

	got, ok := p.Get(1)
	require.True(t, ok)
	assert.Equal(t, e, got)
	assert.Equal(t, 1, p.Size())
}

func TestRemoveCancelsTimeout(t *testing.T) {
	clk := &fakeClockImpl{now: time.Unix(0, 0)}
	var fired []uint64
	p := New(func(ids []uint64) { fired = append(fired, ids...) }, clk)

	p.Add(&Entry{ID: 1, TimeoutAt: clk.now.Add(time.Second)})
	p.Remove(1)

	clk.Advance(2 * time.Second)
	assert.Empty(t, fired)
	assert.Equal(t, 0, p.Size())
}

func TestTimeoutFiresBatchedOnce(t *testing.T) {
	clk := &fakeClockImpl{now: time.Unix(0, 0)}
	var calls [][]uint64
	p := New(func(ids []uint64) { calls = append(calls, append([]uint64{}, ids...)) }, clk)

	p.Add(&Entry{ID: 1, TimeoutAt: clk.now.Add(time.Second)})
	p.Add(&Entry{ID: 2, TimeoutAt: clk.now.Add(time.Second)})
	p.Add(&Entry{ID: 3, TimeoutAt: clk.now.Add(5 * time.Second)})

	clk.Advance(time.Second)

	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []uint64{1, 2}, calls[0])
	assert.Equal(t, 1, p.Size())

	clk.Advance(4 * time.Second)
	require.Len(t, calls, 2)
	assert.Equal(t, []uint64{3}, calls[1])
	assert.Equal(t, 0, p.Size())
}
