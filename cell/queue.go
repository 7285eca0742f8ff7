package cell

// Queue is a singly-linked FIFO of pool-backed packed cells, per spec.md
// §4.2. The invariant head == nil iff tail == nil iff len == 0 holds at the
// end of every method below, and tail.next is always nil.
type Queue struct {
	head, tail *PackedCell
	n          int
}

// Len returns the number of cells currently queued.
func (q *Queue) Len() int {
	return q.n
}

// Append adds an already-allocated packed cell to the tail of the queue.
func (q *Queue) Append(c *PackedCell) {
	c.next = nil
	if q.tail != nil {
		q.tail.next = c
	} else {
		q.head = c
	}
	q.tail = c
	q.n++
}

// AppendCopyOf allocates a fresh PackedCell from pool, copies cl into it,
// and appends it to the queue.
func (q *Queue) AppendCopyOf(pool *Pool, cl Cell) {
	q.Append(pool.CopyFrom(cl))
}

// PopHead removes and returns the head cell, or nil if the queue is empty.
func (q *Queue) PopHead() *PackedCell {
	c := q.head
	if c == nil {
		return nil
	}
	q.head = c.next
	if q.head == nil {
		q.tail = nil
	}
	q.n--
	c.next = nil
	return c
}

// Clear releases every queued cell back to pool and empties the queue.
func (q *Queue) Clear(pool *Pool) {
	c := q.head
	for c != nil {
		next := c.next
		pool.Release(c)
		c = next
	}
	q.head, q.tail, q.n = nil, nil, 0
}
