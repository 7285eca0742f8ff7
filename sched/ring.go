// Package sched implements the per-connection active-circuit ring and
// queue backpressure of spec.md §4.8, grounded on the original Tor
// source's make_circuit_active_on_conn/make_circuit_inactive_on_conn/
// connection_or_flush_from_first_active_circuit/append_cell_to_circuit_queue/
// set_streams_blocked_on_circ (relay.c).
package sched

import (
	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/circuit"
)

// CellQueueHighwaterSize and CellQueueLowwaterSize are the backpressure
// thresholds of spec.md §4.8.
const (
	CellQueueHighwaterSize = 256
	CellQueueLowwaterSize  = 64
)

// Direction identifies which side of a non-origin circuit a Ring entry
// concerns, since spec.md §4.8 indexes the (next, prev) pointer pair by
// whether the connection is the circuit's "next" or "previous" side.
type Direction int

const (
	DirPrev Direction = iota
	DirNext
)

// node is one circuit's membership in a connection's active ring.
type node struct {
	circ      circuit.Any
	dir       Direction
	next, prev *node
}

// Conn is the scheduler's view of a transport connection: the head of its
// active-circuit ring and the index from each active circuit to its ring node.
type Conn struct {
	head     *node
	byCircuit map[circuit.Any]*node
}

// NewConn returns an empty ring.
func NewConn() *Conn {
	return &Conn{byCircuit: make(map[circuit.Any]*node)}
}

// MakeActive idempotently inserts circ at the tail of the ring for
// direction dir on this connection.
func (c *Conn) MakeActive(circ circuit.Any, dir Direction) {
	if _, ok := c.byCircuit[circ]; ok {
		return
	}
	n := &node{circ: circ, dir: dir}
	c.byCircuit[circ] = n
	if c.head == nil {
		n.next, n.prev = n, n
		c.head = n
		return
	}
	tail := c.head.prev
	tail.next = n
	n.prev = tail
	n.next = c.head
	c.head.prev = n
}

// MakeInactive idempotently removes circ from the ring, advancing head to
// its successor if circ was the head.
func (c *Conn) MakeInactive(circ circuit.Any) {
	n, ok := c.byCircuit[circ]
	if !ok {
		return
	}
	delete(c.byCircuit, circ)

	if n.next == n {
		c.head = nil
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	if c.head == n {
		c.head = n.next
	}
}

// Active reports whether circ currently has a ring entry on this connection.
func (c *Conn) Active(circ circuit.Any) bool {
	_, ok := c.byCircuit[circ]
	return ok
}

// sideQueue returns the PackedCell queue for n's direction.
func sideQueue(n *node) *cell.Queue {
	nc := n.circ.NonOrigin
	if nc == nil {
		return nil
	}
	if n.dir == DirPrev {
		return &nc.Prev.Queue
	}
	return &nc.Next.Queue
}

// sideStreamsBlocked reports/sets the blocked flag for n's direction.
func sideStreamsBlocked(n *node) *bool {
	nc := n.circ.NonOrigin
	if n.dir == DirPrev {
		return &nc.Prev.StreamsBlocked
	}
	return &nc.Next.StreamsBlocked
}

// Writer is the transport-connection collaborator Flush writes cells to
// (spec.md §6's write_bytes); *cell.Writer (such as a link.Link's Writer
// field) and *link.TransportAdapter satisfy it.
type Writer interface {
	WriteCell(c cell.Cell) error
}

// Flush writes up to max cells in total to w, popping one cell at a time
// from the head circuit's queue and advancing the ring head to its
// successor after each cell for round-robin fairness (spec.md §4.8's
// flush); a circuit whose queue empties leaves the ring. unblock is called once per circuit whose
// queue drops to or below CellQueueLowwaterSize while streams were
// blocked, so the caller can resume reading on the edge streams.
func (c *Conn) Flush(w Writer, max int, unblock func(circuit.Any, Direction)) (n int, err error) {
	for n < max && c.head != nil {
		head := c.head
		q := sideQueue(head)
		if q == nil || q.Len() == 0 {
			c.MakeInactive(head.circ)
			continue
		}
		pc := q.PopHead()
		if err := w.WriteCell(cell.Cell(pc.Body[:])); err != nil {
			return n, err
		}
		n++

		if q.Len() <= CellQueueLowwaterSize {
			if blocked := sideStreamsBlocked(head); *blocked {
				*blocked = false
				if unblock != nil {
					unblock(head.circ, head.dir)
				}
			}
		}
		if q.Len() == 0 {
			c.MakeInactive(head.circ)
		} else {
			c.head = head.next
		}
	}
	return n, nil
}

// Append implements spec.md §4.8's append: downgrade RELAY_EARLY to RELAY
// if the connection's negotiated link version doesn't support it, append a
// copy of cl to circ's queue for direction dir, block streams on
// highwater, and activate the circuit if this was its first queued cell.
func (c *Conn) Append(pool *cell.Pool, circ circuit.Any, dir Direction, cl cell.Cell, linkVersion uint16, block func(circuit.Any, Direction)) {
	if cl.Command() == cell.CmdRelayEarly && linkVersion < 2 {
		cl = downgradeRelayEarly(cl)
	}

	nc := circ.NonOrigin
	flag := sideStreamsBlockedPtr(nc, dir)
	var q *cell.Queue
	if dir == DirPrev {
		q = &nc.Prev.Queue
	} else {
		q = &nc.Next.Queue
	}

	wasEmpty := q.Len() == 0
	q.AppendCopyOf(pool, cl)

	if q.Len() > CellQueueHighwaterSize && !*flag {
		*flag = true
		if block != nil {
			block(circ, dir)
		}
	}

	if wasEmpty {
		// The transport's outbuf was empty (spec.md §4.8's last Append
		// bullet): nothing else drives Flush for this connection on its
		// own, so prime it by writing the cell we just queued immediately
		// instead of leaving it parked until some other caller happens to
		// call Flush.
		primed := false
		if w := sideConn(nc, dir); w != nil {
			if pc := q.PopHead(); pc != nil {
				if err := w.WriteCell(cell.Cell(pc.Body[:])); err == nil {
					pool.Release(pc)
					primed = true
				} else {
					// Write failed — leave the cell queued so a later
					// Flush can retry rather than losing it.
					q.Append(pc)
				}
			}
		}
		if !primed || q.Len() > 0 {
			c.MakeActive(circ, dir)
		}
	}
}

// sideConn returns the cell.Writer for dir's transport connection, or nil
// if that side has none yet.
func sideConn(nc *circuit.NonOriginCircuit, dir Direction) *cell.Writer {
	if dir == DirPrev {
		if nc.Prev.Conn == nil {
			return nil
		}
		return nc.Prev.Conn.Writer
	}
	if nc.Next.Conn == nil {
		return nil
	}
	return nc.Next.Conn.Writer
}

func sideStreamsBlockedPtr(nc *circuit.NonOriginCircuit, dir Direction) *bool {
	if dir == DirPrev {
		return &nc.Prev.StreamsBlocked
	}
	return &nc.Next.StreamsBlocked
}

// downgradeRelayEarly rewrites a RELAY_EARLY cell's command byte to RELAY
// for links that negotiated a protocol version before RELAY_EARLY existed.
func downgradeRelayEarly(cl cell.Cell) cell.Cell {
	out := append(cell.Cell(nil), cl...)
	out[4] = cell.CmdRelay
	return out
}
