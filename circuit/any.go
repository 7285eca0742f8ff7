package circuit

// Any is the tagged sum of spec.md §3's two circuit variants: exactly one
// of Origin or NonOrigin is set. Package sched and package dispatch hold
// circuits as Any so a single ring/queue implementation serves both
// variants without field-punning them into one struct (spec.md §9).
type Any struct {
	Origin    *Circuit
	NonOrigin *NonOriginCircuit
}

// OfOrigin wraps an origin circuit.
func OfOrigin(c *Circuit) Any { return Any{Origin: c} }

// OfNonOrigin wraps a non-origin circuit.
func OfNonOrigin(c *NonOriginCircuit) Any { return Any{NonOrigin: c} }

// IsOrigin reports which variant is set.
func (a Any) IsOrigin() bool { return a.Origin != nil }

// Closed reports whether the wrapped circuit has been marked for close.
func (a Any) Closed() bool {
	if a.Origin != nil {
		return a.Origin.Closed()
	}
	return a.NonOrigin.Closed()
}

// MarkForClose marks the wrapped circuit closed.
func (a Any) MarkForClose() {
	if a.Origin != nil {
		a.Origin.MarkForClose()
		return
	}
	a.NonOrigin.MarkForClose()
}
