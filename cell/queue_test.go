package cell

import "testing"

func TestQueueAppendPopOrder(t *testing.T) {
	p := NewPool()
	var q Queue

	for i := 0; i < 3; i++ {
		c := NewFixedCell(uint32(i+1), CmdRelay)
		q.AppendCopyOf(p, c)
	}
	if q.Len() != 3 {
		t.Fatalf("expected len 3, got %d", q.Len())
	}

	for i := 0; i < 3; i++ {
		popped := q.PopHead()
		if popped == nil {
			t.Fatal("unexpected nil pop")
		}
		if popped.Body[3] != byte(i+1) {
			t.Fatalf("FIFO order violated at index %d", i)
		}
		p.Release(popped)
	}
	if q.Len() != 0 {
		t.Fatal("expected empty queue")
	}
	if q.PopHead() != nil {
		t.Fatal("pop on empty queue must return nil")
	}
}

func TestQueueInvariants(t *testing.T) {
	p := NewPool()
	var q Queue
	if q.head != nil || q.tail != nil {
		t.Fatal("new queue must have nil head/tail")
	}
	q.AppendCopyOf(p, NewFixedCell(1, CmdRelay))
	if q.tail.next != nil {
		t.Fatal("tail.next must always be nil")
	}
	q.PopHead()
	if q.head != nil || q.tail != nil {
		t.Fatal("head/tail must both be nil once empty")
	}
}

func TestQueueClearReleasesAll(t *testing.T) {
	p := NewPool()
	var q Queue
	for i := 0; i < 5; i++ {
		q.AppendCopyOf(p, NewFixedCell(uint32(i), CmdRelay))
	}
	before := p.TotalAllocated()
	q.Clear(p)
	if q.Len() != 0 {
		t.Fatal("Clear must empty the queue")
	}
	// All 5 cells should now be back on the free list, reusable without growth.
	for i := 0; i < 5; i++ {
		p.Alloc()
	}
	if p.TotalAllocated() != before {
		t.Fatal("Clear should have returned cells to the free list for reuse")
	}
}
