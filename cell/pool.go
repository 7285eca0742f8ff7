package cell

// PackedCell is a pool-owned on-wire cell buffer plus the link pointer used
// when the cell is threaded onto a Queue (cell/queue.go). A PackedCell must
// never be linked onto more than one queue at a time.
type PackedCell struct {
	Body [FixedCellLen]byte
	next *PackedCell
}

// batchSize mirrors the teacher's mp_pool_new slab granularity: cells are
// carved out of the free list in batches rather than one syscall per alloc.
const batchSize = 256

// Pool is a fixed-size slab allocator for PackedCell buffers. It is not
// safe for concurrent use; per spec.md §5 the engine is single-threaded.
type Pool struct {
	free           *PackedCell
	totalAllocated int
}

// NewPool returns an empty pool; the first Alloc grows it.
func NewPool() *Pool {
	return &Pool{}
}

// Alloc returns a PackedCell from the free list, growing the pool by one
// batch if the free list is empty.
func (p *Pool) Alloc() *PackedCell {
	if p.free == nil {
		p.grow(batchSize)
	}
	c := p.free
	p.free = c.next
	c.next = nil
	return c
}

// grow links n freshly allocated PackedCells onto the free list.
func (p *Pool) grow(n int) {
	for i := 0; i < n; i++ {
		c := &PackedCell{}
		c.next = p.free
		p.free = c
		p.totalAllocated++
	}
}

// Release returns a PackedCell to the pool. Callers must not touch the
// cell (or any alias of it) afterward.
func (p *Pool) Release(c *PackedCell) {
	if c == nil {
		return
	}
	c.next = p.free
	p.free = c
}

// CopyFrom allocates a PackedCell and copies an on-wire Cell's bytes into
// it. The source Cell must be exactly FixedCellLen bytes (a fixed-length
// RELAY/RELAY_EARLY/DESTROY cell); variable-length cells never ride the
// per-circuit queues described in spec.md §4.2.
func (p *Pool) CopyFrom(c Cell) *PackedCell {
	pc := p.Alloc()
	copy(pc.Body[:], c)
	return pc
}

// Clean releases excess free-list capacity back to the allocator.
// A non-positive aggressiveness makes Clean a no-op; any positive value
// trims the free list to at most batchSize entries (the amount does not
// scale with aggressiveness). Callers can treat it as a periodic
// housekeeping call the way the teacher's original mp_pool_clean was.
func (p *Pool) Clean(aggressiveness int) {
	if aggressiveness <= 0 {
		return
	}
	// Trim the free list back to one batch's worth of slack.
	kept := 0
	cur := p.free
	var prev *PackedCell
	for cur != nil && kept < batchSize {
		prev = cur
		cur = cur.next
		kept++
	}
	if prev != nil {
		prev.next = nil
	}
}

// Stats reports pool-wide accounting. liveCells is the sum of every queue's
// length at the moment of the call (cell/queue.go's Len); the difference is
// the leak counter described in spec.md §4.1 — advisory only, never
// enforced.
type Stats struct {
	TotalAllocated int
	Leaked         int
}

func (p *Pool) TotalAllocated() int {
	return p.totalAllocated
}

func (p *Pool) StatsFor(liveCells int) Stats {
	return Stats{
		TotalAllocated: p.totalAllocated,
		Leaked:         p.totalAllocated - liveCells,
	}
}
