// Package async runs blocking driver calls off the protocol goroutine and
// feeds their outcomes back through a completion queue with a single
// readiness signal, so responses are only ever written by the protocol
// goroutine.
package async

import (
	"encoding/json"
	"sync"
)

// Kind selects the driver call a worker performs.
type Kind int

const (
	KindPage Kind = iota
	KindStatement
)

// Status is the lifecycle state of an async query. Terminal states are
// sticky: once set they never change.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
	StatusError
)

// Query is one deferred request. Created by the dispatcher, executed by a
// worker, destroyed by the response writer after it serializes the
// terminal state. Ownership passes to the writer at Pop.
type Query struct {
	Kind   Kind
	ConnID int64

	// Page read inputs.
	Table   string
	Offset  int64
	Limit   int64
	OrderBy string

	// Raw statement input.
	Statement string

	// RequestID is a deep copy of the JSON-RPC id as supplied by the
	// client, or nil for notifications.
	RequestID json.RawMessage

	// Terminal output: exactly one of Result / (ErrCode, ErrMsg) is set.
	Result  any
	ErrCode int
	ErrMsg  string

	status          Status
	cancelRequested bool
}

// Queue is the completion FIFO plus the active list used for cancellation
// lookup. One mutex guards both; it is held only for pointer manipulation.
// The notify channel is the wake-up signal: it carries at most one pending
// token, so coalesced wake-ups are expected and Pop must be drained in a
// loop after every wake.
type Queue struct {
	mu     sync.Mutex
	fifo   []*Query
	active []*Query
	notify chan struct{}
}

// NewQueue creates an empty completion queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Notify returns the readiness channel the protocol loop selects on.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Track links a freshly created query onto the active list so cancellation
// by connection id can find it before and while it runs.
func (q *Queue) Track(item *Query) {
	q.mu.Lock()
	item.status = StatusPending
	q.active = append(q.active, item)
	q.mu.Unlock()
}

// MarkRunning transitions a pending query to running. No-op once terminal.
func (q *Queue) MarkRunning(item *Query) {
	q.mu.Lock()
	if item.status == StatusPending {
		item.status = StatusRunning
	}
	q.mu.Unlock()
}

// RequestCancel flags the first pending or running query on connID for
// cancellation and reports whether one was found. The worker observes the
// flag after its driver call returns and overrides the outcome.
func (q *Queue) RequestCancel(connID int64) (*Query, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.active {
		if item.ConnID == connID && (item.status == StatusPending || item.status == StatusRunning) {
			item.cancelRequested = true
			return item, true
		}
	}
	return nil, false
}

// CancelRequested reports whether the query was flagged for cancellation.
func (q *Queue) CancelRequested(item *Query) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return item.cancelRequested
}

// Status returns the current lifecycle state of a query.
func (q *Queue) Status(item *Query) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return item.status
}

// Complete moves a query to a terminal state, unlinks it from the active
// list, appends it to the FIFO, and signals readiness. Push ordering is the
// order of terminal transitions. Calling Complete on an already-terminal
// query is a no-op.
func (q *Queue) Complete(item *Query, status Status) {
	q.mu.Lock()
	if item.status == StatusCompleted || item.status == StatusCancelled || item.status == StatusError {
		q.mu.Unlock()
		return
	}
	item.status = status
	for i, a := range q.active {
		if a == item {
			q.active = append(q.active[:i], q.active[i+1:]...)
			break
		}
	}
	q.fifo = append(q.fifo, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest completed query, or nil when the FIFO
// is empty. Never blocks.
func (q *Queue) Pop() *Query {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return nil
	}
	item := q.fifo[0]
	q.fifo = q.fifo[1:]
	return item
}

// Drain consumes any pending readiness token without blocking. Draining
// loses no completion: Pop still returns every already-pushed record.
func (q *Queue) Drain() {
	select {
	case <-q.notify:
	default:
	}
}

// Len returns the number of completions awaiting Pop.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// ActiveCount returns the number of tracked, not-yet-terminal queries.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}
