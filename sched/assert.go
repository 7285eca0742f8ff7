package sched

import "fmt"

// AssertActiveCircuitsOK walks the ring and checks the invariants of
// spec.md §3.5 ("An active circuit appears exactly once in a transport
// connection's ring; the ring is doubly-linked and circular"), grounded on
// the teacher source's assert_active_circuits_ok. Intended for use in
// tests and debug builds, not the hot path.
func (c *Conn) AssertActiveCircuitsOK() error {
	if c.head == nil {
		if len(c.byCircuit) != 0 {
			return fmt.Errorf("sched: empty ring but byCircuit has %d entries", len(c.byCircuit))
		}
		return nil
	}

	seen := make(map[*node]bool, len(c.byCircuit))
	n := c.head
	for {
		if seen[n] {
			return fmt.Errorf("sched: ring node visited twice, not circular/acyclic as expected")
		}
		seen[n] = true

		if n.next.prev != n {
			return fmt.Errorf("sched: ring broken at node (circ=%v dir=%v): next.prev != self", n.circ, n.dir)
		}
		if n.prev.next != n {
			return fmt.Errorf("sched: ring broken at node (circ=%v dir=%v): prev.next != self", n.circ, n.dir)
		}
		if tracked := c.byCircuit[n.circ]; tracked != n {
			return fmt.Errorf("sched: ring node for circuit %v not indexed in byCircuit", n.circ)
		}

		n = n.next
		if n == c.head {
			break
		}
	}

	if len(seen) != len(c.byCircuit) {
		return fmt.Errorf("sched: ring has %d nodes but byCircuit tracks %d", len(seen), len(c.byCircuit))
	}
	return nil
}

// AssertPackageWindowNonNegative checks spec.md §3.5's
// "package_window ≥ 0 always".
func AssertPackageWindowNonNegative(window int) error {
	if window < 0 {
		return fmt.Errorf("sched: package window went negative: %d", window)
	}
	return nil
}
