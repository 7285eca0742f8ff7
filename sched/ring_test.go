package sched

import (
	"bytes"
	"testing"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/circuit"
	"github.com/cvsouth/tor-go/link"
)

func newTestCircuit(circID uint32) circuit.Any {
	hop := circuit.NewHop(nil, nil, nil, nil)
	nc := circuit.NewNonOriginCircuit(nil, circID, hop)
	return circuit.OfNonOrigin(nc)
}

func TestMakeActiveIdempotent(t *testing.T) {
	c := NewConn()
	circ := newTestCircuit(1)

	c.MakeActive(circ, DirNext)
	c.MakeActive(circ, DirNext)

	if !c.Active(circ) {
		t.Fatal("expected circuit to be active")
	}
	if c.head.next != c.head {
		t.Fatal("ring should contain exactly one node for a single circuit")
	}
}

func TestMakeInactiveRemovesFromRing(t *testing.T) {
	c := NewConn()
	a := newTestCircuit(1)
	b := newTestCircuit(2)

	c.MakeActive(a, DirNext)
	c.MakeActive(b, DirNext)
	c.MakeInactive(a)

	if c.Active(a) {
		t.Fatal("a should no longer be active")
	}
	if !c.Active(b) {
		t.Fatal("b should still be active")
	}
	if c.head.circ != b {
		t.Fatal("head should now be b")
	}
	if c.head.next != c.head {
		t.Fatal("ring should be a single-node cycle after removing a")
	}
}

func TestMakeInactiveOnEmptyRingIsNoop(t *testing.T) {
	c := NewConn()
	circ := newTestCircuit(1)
	c.MakeInactive(circ) // must not panic
	if c.head != nil {
		t.Fatal("expected empty ring to remain empty")
	}
}

type fakeWriter struct {
	written []cell.Cell
}

func (w *fakeWriter) WriteCell(c cell.Cell) error {
	cp := append(cell.Cell(nil), c...)
	w.written = append(w.written, cp)
	return nil
}

func TestAppendActivatesAndFlushDrains(t *testing.T) {
	pool := cell.NewPool()
	c := NewConn()
	circ := newTestCircuit(1)
	nc := circ.NonOrigin

	cl := cell.NewFixedCell(1, cell.CmdRelay)
	c.Append(pool, circ, DirNext, cl, 4, nil)

	if !c.Active(circ) {
		t.Fatal("appending to an empty queue should activate the circuit")
	}
	if nc.Next.Queue.Len() != 1 {
		t.Fatalf("expected 1 queued cell, got %d", nc.Next.Queue.Len())
	}

	w := &fakeWriter{}
	n, err := c.Flush(w, 10, nil)
	if err != nil {
		t.Fatalf("flush error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cell flushed, got %d", n)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected writer to receive 1 cell, got %d", len(w.written))
	}
	if c.Active(circ) {
		t.Fatal("circuit should go inactive once its queue drains")
	}
}

func TestFlushRespectsMaxAndRoundRobins(t *testing.T) {
	pool := cell.NewPool()
	c := NewConn()
	a := newTestCircuit(1)
	b := newTestCircuit(2)

	for i := 0; i < 3; i++ {
		c.Append(pool, a, DirNext, cell.NewFixedCell(1, cell.CmdRelay), 4, nil)
	}
	for i := 0; i < 3; i++ {
		c.Append(pool, b, DirNext, cell.NewFixedCell(2, cell.CmdRelay), 4, nil)
	}

	w := &fakeWriter{}
	n, err := c.Flush(w, 4, nil)
	if err != nil {
		t.Fatalf("flush error: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected exactly 4 cells flushed (max), got %d", n)
	}

	// One cell from each circuit's queue should have alternated rather than
	// draining one circuit fully before the other, since MakeActive/Flush
	// round-robins the ring instead of single-circuit draining.
	firstCircID := w.written[0].CircID()
	secondCircID := w.written[1].CircID()
	if firstCircID == secondCircID {
		t.Fatalf("expected round-robin across circuits, got two cells from circID %d in a row", firstCircID)
	}
}

func TestFlushUnblocksAtLowwater(t *testing.T) {
	pool := cell.NewPool()
	c := NewConn()
	circ := newTestCircuit(1)
	nc := circ.NonOrigin

	for i := 0; i < CellQueueHighwaterSize+1; i++ {
		c.Append(pool, circ, DirNext, cell.NewFixedCell(1, cell.CmdRelay), 4, nil)
	}
	if !nc.Next.StreamsBlocked {
		t.Fatal("expected streams to be blocked after crossing highwater")
	}

	var unblockedDir Direction
	unblockedCalled := false
	unblock := func(got circuit.Any, dir Direction) {
		unblockedCalled = true
		unblockedDir = dir
	}

	w := &fakeWriter{}
	toDrain := CellQueueHighwaterSize + 1 - CellQueueLowwaterSize
	if _, err := c.Flush(w, toDrain, unblock); err != nil {
		t.Fatalf("flush error: %v", err)
	}

	if !unblockedCalled {
		t.Fatal("expected unblock callback once queue dropped to lowwater")
	}
	if unblockedDir != DirNext {
		t.Fatalf("expected unblock for DirNext, got %v", unblockedDir)
	}
	if nc.Next.StreamsBlocked {
		t.Fatal("StreamsBlocked should be cleared after unblock")
	}
}

func TestAppendBlocksStreamsAtHighwater(t *testing.T) {
	pool := cell.NewPool()
	c := NewConn()
	circ := newTestCircuit(1)
	nc := circ.NonOrigin

	var blockedCalls int
	block := func(got circuit.Any, dir Direction) {
		blockedCalls++
	}

	for i := 0; i < CellQueueHighwaterSize; i++ {
		c.Append(pool, circ, DirPrev, cell.NewFixedCell(1, cell.CmdRelay), 4, block)
	}
	if nc.Prev.StreamsBlocked {
		t.Fatal("should not block at exactly the highwater mark")
	}
	if blockedCalls != 0 {
		t.Fatalf("expected no block callbacks yet, got %d", blockedCalls)
	}

	c.Append(pool, circ, DirPrev, cell.NewFixedCell(1, cell.CmdRelay), 4, block)
	if !nc.Prev.StreamsBlocked {
		t.Fatal("expected StreamsBlocked once past highwater")
	}
	if blockedCalls != 1 {
		t.Fatalf("expected exactly 1 block callback, got %d", blockedCalls)
	}

	// Further appends while already blocked must not call block again.
	c.Append(pool, circ, DirPrev, cell.NewFixedCell(1, cell.CmdRelay), 4, block)
	if blockedCalls != 1 {
		t.Fatalf("expected block callback to fire only once, got %d", blockedCalls)
	}
}

func TestAppendPrimesEmptyOutbufImmediately(t *testing.T) {
	pool := cell.NewPool()
	c := NewConn()
	circ := newTestCircuit(1)
	nc := circ.NonOrigin

	var buf bytes.Buffer
	nc.SetNext(&link.Link{Writer: cell.NewWriter(&buf)}, 2)

	cl := cell.NewFixedCell(1, cell.CmdRelay)
	c.Append(pool, circ, DirNext, cl, 4, nil)

	if buf.Len() != cell.FixedCellLen {
		t.Fatalf("expected the cell to be written straight to the transport, got %d bytes", buf.Len())
	}
	if nc.Next.Queue.Len() != 0 {
		t.Fatalf("expected queue to be drained by the priming write, got %d", nc.Next.Queue.Len())
	}
	if c.Active(circ) {
		t.Fatal("circuit should not be left active once the priming write drains the queue")
	}
}

func TestAppendDowngradesRelayEarlyOnOldLinkVersion(t *testing.T) {
	pool := cell.NewPool()
	c := NewConn()
	circ := newTestCircuit(1)
	nc := circ.NonOrigin

	early := cell.NewFixedCell(1, cell.CmdRelayEarly)
	c.Append(pool, circ, DirNext, early, 1, nil)

	pc := nc.Next.Queue.PopHead()
	if cell.Cell(pc.Body[:]).Command() != cell.CmdRelay {
		t.Fatal("expected RELAY_EARLY to be downgraded to RELAY on link version < 2")
	}
}

func TestAppendKeepsRelayEarlyOnNewLinkVersion(t *testing.T) {
	pool := cell.NewPool()
	c := NewConn()
	circ := newTestCircuit(1)
	nc := circ.NonOrigin

	early := cell.NewFixedCell(1, cell.CmdRelayEarly)
	c.Append(pool, circ, DirNext, early, 4, nil)

	pc := nc.Next.Queue.PopHead()
	if cell.Cell(pc.Body[:]).Command() != cell.CmdRelayEarly {
		t.Fatal("expected RELAY_EARLY to be preserved on link version >= 2")
	}
}

func TestAssertActiveCircuitsOKOnHealthyRing(t *testing.T) {
	c := NewConn()
	a := newTestCircuit(1)
	b := newTestCircuit(2)
	c.MakeActive(a, DirNext)
	c.MakeActive(b, DirPrev)

	if err := c.AssertActiveCircuitsOK(); err != nil {
		t.Fatalf("expected healthy ring to pass assertion, got: %v", err)
	}

	c.MakeInactive(a)
	c.MakeInactive(b)
	if err := c.AssertActiveCircuitsOK(); err != nil {
		t.Fatalf("expected empty ring to pass assertion, got: %v", err)
	}
}

func TestAssertPackageWindowNonNegative(t *testing.T) {
	if err := AssertPackageWindowNonNegative(0); err != nil {
		t.Fatalf("expected 0 to be valid, got: %v", err)
	}
	if err := AssertPackageWindowNonNegative(-1); err == nil {
		t.Fatal("expected negative window to fail assertion")
	}
}
