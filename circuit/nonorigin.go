package circuit

import (
	"fmt"
	"sync"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/iface"
	"github.com/cvsouth/tor-go/link"
	"github.com/cvsouth/tor-go/relay"
)

// Side is one transport-connection endpoint of a non-origin circuit: the
// connection it runs over and the circuit id it uses on that connection
// (spec.md §3: "a previous transport connection with its circuit id ... a
// next transport connection with its circuit id"). Only Prev carries key
// material — a relay negotiates exactly one layer of crypto with the
// client-facing side; Next is a plain forwarding link to whatever the next
// hop's own circuit turns out to be.
type Side struct {
	Conn   *link.Link
	CircID uint32

	Queue          cell.Queue
	StreamsBlocked bool
}

// NonOriginCircuit is the relay-side circuit variant of spec.md §3: a
// previous-side transport connection carrying the one key/digest pair this
// relay negotiated for this hop, a next-side transport connection with no
// keys of its own, per-direction windows, and an optional rendezvous
// splice. Kept as a sibling type to Circuit (the origin variant) rather
// than folded into one struct, per spec.md §9's "tagged sum, not field
// punning" guidance.
type NonOriginCircuit struct {
	mu sync.Mutex

	Prev Side
	Next Side
	Hop  *Hop

	DeliverWindow int
	PackageWindow int

	// Streams holds every exit stream currently attached to this circuit,
	// keyed by stream ID, mirroring Circuit.Streams's role on the origin
	// side (spec.md §4.5: "non-origin searches next-side and resolving-side
	// stream lists").
	Streams map[uint16]iface.EdgeStream

	// Splice, when non-nil, is the peer non-origin circuit this one is
	// rendezvous-spliced to (spec.md §3, §8 scenario 5): an outbound cell
	// on this circuit is re-injected as inbound on Splice without
	// modification beyond circ_id rewrite, and vice versa.
	Splice *NonOriginCircuit

	closed bool
}

// NewNonOriginCircuit constructs a non-origin circuit freshly created by a
// CREATE2/CREATED2 exchange: it has a previous-side connection and hop key
// material but no next-side connection yet (attached by a later EXTEND2).
func NewNonOriginCircuit(prevConn *link.Link, prevCircID uint32, hop *Hop) *NonOriginCircuit {
	return &NonOriginCircuit{
		Prev:          Side{Conn: prevConn, CircID: prevCircID},
		Hop:           hop,
		DeliverWindow: CircWindowStart,
		PackageWindow: CircWindowStart,
	}
}

// SetNext attaches the next-side connection after a successful EXTEND2.
func (nc *NonOriginCircuit) SetNext(nextConn *link.Link, nextCircID uint32) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.Next = Side{Conn: nextConn, CircID: nextCircID}
}

// HasNext reports whether EXTEND2 has completed.
func (nc *NonOriginCircuit) HasNext() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.Next.Conn != nil
}

// Attach registers an exit stream against this circuit's lookup table.
func (nc *NonOriginCircuit) Attach(s iface.EdgeStream) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.Streams == nil {
		nc.Streams = make(map[uint16]iface.EdgeStream)
	}
	nc.Streams[s.StreamID()] = s
}

// Detach removes a stream from the lookup table.
func (nc *NonOriginCircuit) Detach(streamID uint16) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	delete(nc.Streams, streamID)
}

// Lookup finds an attached exit stream by stream ID.
func (nc *NonOriginCircuit) Lookup(streamID uint16) (iface.EdgeStream, bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	s, ok := nc.Streams[streamID]
	return s, ok
}

// MarkForClose idempotently marks the circuit closed.
func (nc *NonOriginCircuit) MarkForClose() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.closed = true
}

// Closed reports whether MarkForClose has been called.
func (nc *NonOriginCircuit) Closed() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.closed
}

// RelayInbound implements spec.md §4.4's inbound-at-non-origin branch for a
// cell this circuit is purely forwarding (arrived already peeled from Next,
// travelling toward Prev/the client): single-layer encrypt with the
// previous-side cipher, never recognized, digest left untouched since this
// hop did not originate the cell's content.
func (nc *NonOriginCircuit) RelayInbound(payload []byte) {
	relay.EncryptInboundNonOrigin(streamCipher{nc.Hop.kb}, payload)
}

// PackageInbound implements spec.md §4.6's non-origin send path for a cell
// this circuit originates itself (e.g. a SENDME or CONNECTED this relay
// constructs): set the previous-side digest, then single-layer encrypt
// with the previous-side cipher.
func (nc *NonOriginCircuit) PackageInbound(payload []byte) {
	relay.EncryptInboundNonOriginPackage(streamCipher{nc.Hop.kb}, hashDigest{nc.Hop.db}, payload)
}

// DecryptOutbound implements spec.md §4.4's outbound-at-non-origin branch:
// decrypt the one layer this relay negotiated with the client and attempt
// recognition against that layer's digest using the tentative-commit rule.
// recognized == true means this hop is the cell's destination: deliver
// locally instead of forwarding the decrypted bytes on toward Next.
func (nc *NonOriginCircuit) DecryptOutbound(payload []byte) (recognized bool, err error) {
	if nc.Hop == nil {
		return false, fmt.Errorf("non-origin circuit has no hop key material")
	}
	recognized = relay.DecryptOutboundNonOrigin(streamCipher{nc.Hop.kf}, hashDigest{nc.Hop.df}, payload)
	return recognized, nil
}
