package link

import "github.com/cvsouth/tor-go/cell"

// TransportAdapter wraps a Link to satisfy iface.Transport (declared in
// package iface, not imported here, to avoid a dependency from this
// low-level package back up to the dispatcher's collaborator interfaces).
// Reading on a Link is currently a single blocking loop per connection
// (ReadCell), so StartReading/StopReading/IsReading only track the flag a
// future multiplexed read loop would consult before calling ReadCell again;
// they do not yet interrupt an in-progress read. OutbufLen always reports 0
// since cell.Writer writes synchronously with no internal buffering.
type TransportAdapter struct {
	l *Link

	reading bool
}

// NewTransportAdapter wraps l for use as a sched/dispatch transport
// collaborator.
func NewTransportAdapter(l *Link) *TransportAdapter {
	return &TransportAdapter{l: l, reading: true}
}

func (t *TransportAdapter) WriteCell(c cell.Cell) error {
	return t.l.Writer.WriteCell(c)
}

func (t *TransportAdapter) OutbufLen() int {
	return 0
}

func (t *TransportAdapter) LinkProtoVersion() uint16 {
	return t.l.Version
}

func (t *TransportAdapter) StartReading() {
	t.reading = true
}

func (t *TransportAdapter) StopReading() {
	t.reading = false
}

func (t *TransportAdapter) IsReading() bool {
	return t.reading
}

// MarkForClose closes the underlying link. reason is accepted to satisfy
// iface.Transport's signature; DESTROY reason propagation happens at the
// circuit layer (circuit.Destroy), not the transport layer.
func (t *TransportAdapter) MarkForClose(reason uint8) {
	_ = t.l.Close()
}
