// Package reqpool implements the PendingRequestPool (spec C6 / §4.4): a
// collection of outstanding async requests indexed by serviceRequestId, with
// a secondary time ordering by timeout deadline. A background timer fires a
// timeout callback, batched by due-time, exactly once per request.
//
// Grounded on ap.configd/expiration.go's container/heap-based expiration
// queue: pnodeQueue's Less/Swap/Push/Pop become reqHeap's, and
// expirationHandler's "pop everything due, reset the timer to the next due
// time" loop is reused structurally.
package reqpool

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is one outstanding request tracked by the pool.
type Entry struct {
	ID         uint64
	TimeoutAt  time.Time // monotonic uptime deadline, not wall-clock
	index      int       // heap bookkeeping; -1 when not in the heap
}

type reqHeap []*Entry

func (h reqHeap) Len() int { return len(h) }
func (h reqHeap) Less(i, j int) bool {
	return h[i].TimeoutAt.Before(h[j].TimeoutAt)
}
func (h reqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *reqHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *reqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	e.index = -1
	*h = old[:n-1]
	return e
}

// Clock abstracts the monotonic source of "now" the pool uses to schedule
// timeouts, so tests can drive it without real sleeps. Must be monotonic:
// the timer is uptime-based, not wall-clock, so a suspended process doesn't
// spuriously time out in-flight requests (spec §4.4).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of time.Timer the pool needs; lets tests substitute a
// fake.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Pool is a time-ordered collection of outstanding async requests.
type Pool struct {
	mu      sync.Mutex
	byID    map[uint64]*Entry
	heap    reqHeap
	clock   Clock
	timer   Timer
	onTimeout func(ids []uint64)
}

// New returns an empty pool that will invoke onTimeout, batched, whenever
// one or more tracked entries' deadlines elapse. clock may be nil to use
// the real clock (time.Now and time.AfterFunc).
func New(onTimeout func(ids []uint64), clock Clock) *Pool {
	if clock == nil {
		clock = realClock{}
	}
	return &Pool{
		byID:      make(map[uint64]*Entry),
		heap:      make(reqHeap, 0),
		clock:     clock,
		onTimeout: onTimeout,
	}
}

// Add inserts one or more entries and (re)arms the timer for the earliest
// deadline across the whole pool.
func (p *Pool) Add(entries ...*Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range entries {
		p.byID[e.ID] = e
		heap.Push(&p.heap, e)
	}
	p.rearmLocked()
}

// Remove deletes id from the pool, cancelling its pending timeout fire. It
// is a no-op if id is not present.
func (p *Pool) Remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return
	}
	delete(p.byID, id)
	if e.index >= 0 {
		heap.Remove(&p.heap, e.index)
	}
	p.rearmLocked()
}

// Get returns the entry for id, if present.
func (p *Pool) Get(id uint64) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	return e, ok
}

// Size returns the number of tracked entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// rearmLocked must be called with mu held. It stops any existing timer and,
// if the pool is non-empty, schedules firing at the earliest deadline.
func (p *Pool) rearmLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if len(p.heap) == 0 {
		return
	}
	delay := p.heap[0].TimeoutAt.Sub(p.clock.Now())
	if delay < 0 {
		delay = 0
	}
	p.timer = p.clock.AfterFunc(delay, p.fire)
}

// fire pops every entry whose deadline has elapsed, removes it from the
// pool, and invokes onTimeout once with the batch -- mirroring
// ap.configd/expiration.go's expirationHandler loop.
func (p *Pool) fire() {
	p.mu.Lock()
	now := p.clock.Now()
	var due []uint64
	for len(p.heap) > 0 && !p.heap[0].TimeoutAt.After(now) {
		e := heap.Pop(&p.heap).(*Entry)
		delete(p.byID, e.ID)
		due = append(due, e.ID)
	}
	p.rearmLocked()
	p.mu.Unlock()

	if len(due) > 0 && p.onTimeout != nil {
		p.onTimeout(due)
	}
}
