package async

import (
	"testing"
)

func TestCompleteDeliversInTerminalOrder(t *testing.T) {
	q := NewQueue()

	a := &Query{ConnID: 1}
	b := &Query{ConnID: 2}
	c := &Query{ConnID: 3}
	q.Track(a)
	q.Track(b)
	q.Track(c)

	// Terminal transitions out of tracking order.
	q.Complete(b, StatusCompleted)
	q.Complete(c, StatusError)
	q.Complete(a, StatusCompleted)

	got := []*Query{q.Pop(), q.Pop(), q.Pop()}
	want := []*Query{b, c, a}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop %d: got conn %d, want conn %d", i, got[i].ConnID, want[i].ConnID)
		}
	}
	if q.Pop() != nil {
		t.Fatal("expected empty queue after three pops")
	}
}

func TestNotifyCoalescesButLosesNothing(t *testing.T) {
	q := NewQueue()

	for i := int64(1); i <= 5; i++ {
		item := &Query{ConnID: i}
		q.Track(item)
		q.Complete(item, StatusCompleted)
	}

	// Five completions, at most one readiness token.
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a pending readiness token")
	}
	select {
	case <-q.Notify():
		t.Fatal("readiness token was not coalesced")
	default:
	}

	// Draining the token never drops a completion.
	q.Drain()
	popped := 0
	for q.Pop() != nil {
		popped++
	}
	if popped != 5 {
		t.Fatalf("popped %d completions, want 5", popped)
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	q := NewQueue()
	item := &Query{ConnID: 7}
	q.Track(item)
	q.MarkRunning(item)
	q.Complete(item, StatusCancelled)

	// A late Complete must not resurrect or re-queue the record.
	q.Complete(item, StatusCompleted)
	if s := q.Status(item); s != StatusCancelled {
		t.Fatalf("status = %v, want %v", s, StatusCancelled)
	}
	if q.Pop() != item {
		t.Fatal("expected exactly one queued completion")
	}
	if q.Pop() != nil {
		t.Fatal("terminal query was queued twice")
	}
}

func TestMarkRunningIgnoredOnceTerminal(t *testing.T) {
	q := NewQueue()
	item := &Query{}
	q.Track(item)
	q.Complete(item, StatusError)
	q.MarkRunning(item)
	if s := q.Status(item); s != StatusError {
		t.Fatalf("status = %v, want %v", s, StatusError)
	}
}

func TestRequestCancelMatchesActiveOnly(t *testing.T) {
	q := NewQueue()

	running := &Query{ConnID: 3}
	done := &Query{ConnID: 4}
	q.Track(running)
	q.Track(done)
	q.MarkRunning(running)
	q.Complete(done, StatusCompleted)

	if _, found := q.RequestCancel(99); found {
		t.Fatal("cancel matched a connection with no query")
	}
	if _, found := q.RequestCancel(4); found {
		t.Fatal("cancel matched an already-terminal query")
	}
	item, found := q.RequestCancel(3)
	if !found || item != running {
		t.Fatal("cancel did not match the running query")
	}
	if !q.CancelRequested(running) {
		t.Fatal("cancel flag not set")
	}
}

func TestActiveCountTracksLifecycle(t *testing.T) {
	q := NewQueue()
	if q.ActiveCount() != 0 {
		t.Fatal("new queue has active queries")
	}
	item := &Query{}
	q.Track(item)
	if q.ActiveCount() != 1 {
		t.Fatal("tracked query not counted")
	}
	q.MarkRunning(item)
	if q.ActiveCount() != 1 {
		t.Fatal("running query not counted")
	}
	q.Complete(item, StatusCompleted)
	if q.ActiveCount() != 0 {
		t.Fatal("terminal query still counted as active")
	}
	if q.Len() != 1 {
		t.Fatal("completion not queued")
	}
}
