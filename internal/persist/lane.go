package persist

import (
	"sync"
	"time"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

type opKind int

const (
	opAppend opKind = iota
	opTag
)

func (k opKind) String() string {
	if k == opAppend {
		return "append"
	}
	return "update_tag"
}

type op struct {
	kind       opKind
	machineID  string
	rec        models.StatusRecord
	status     models.Liveness
	observedAt time.Time
}

// lane is an ordered FIFO of pending ops owned by one worker. Ops for a
// given machine always land in the same lane, so they are written in the
// order they were enqueued.
type lane struct {
	mu     sync.Mutex
	ready  *sync.Cond
	ops    []op
	limit  int
	closed bool
	// space is closed and replaced whenever the worker frees slots.
	space chan struct{}
}

func newLane(limit int) *lane {
	l := &lane{limit: limit, space: make(chan struct{})}
	l.ready = sync.NewCond(&l.mu)
	return l
}

// tryPush appends o if there is room. When the lane is full it returns a
// channel that is closed once space may have become available.
func (l *lane) tryPush(o op) (ok bool, wait <-chan struct{}, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, nil, true
	}
	if len(l.ops) >= l.limit {
		return false, l.space, false
	}
	l.ops = append(l.ops, o)
	l.ready.Signal()
	return true, nil, false
}

// coalesceTag rewrites the newest pending tag update for the machine in
// place. The scan stops at that machine's newest pending append, so an
// update never moves ahead of a row it refers to.
func (l *lane) coalesceTag(o op) (coalesced, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, true
	}
	for i := len(l.ops) - 1; i >= 0; i-- {
		p := &l.ops[i]
		if p.machineID != o.machineID {
			continue
		}
		if p.kind == opAppend {
			return false, false
		}
		p.status = o.status
		p.observedAt = o.observedAt
		return true, false
	}
	return false, false
}

// take blocks until ops are pending and removes up to batchSize of them. It
// returns false once the lane is closed and empty.
func (l *lane) take(batchSize int) ([]op, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.ops) == 0 && !l.closed {
		l.ready.Wait()
	}
	if len(l.ops) == 0 {
		return nil, false
	}
	n := min(batchSize, len(l.ops))
	batch := make([]op, n)
	copy(batch, l.ops)
	l.ops = append(l.ops[:0], l.ops[n:]...)

	close(l.space)
	l.space = make(chan struct{})
	return batch, true
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.ready.Broadcast()
	close(l.space)
	l.space = make(chan struct{})
	l.mu.Unlock()
}

func (l *lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}
