package dispatch

import (
	"fmt"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/circuit"
	"github.com/cvsouth/tor-go/relay"
	"github.com/cvsouth/tor-go/sched"
)

// StreamSource is the local-socket collaborator an edge connection reads
// from before packaging a RELAY_DATA cell, grounded on spec.md §4.6's
// connection_edge_package_raw_inbuf reading from conn->inbuf. hasMore
// reports whether the source has additional buffered bytes beyond what was
// returned (used to honor allowPartial).
type StreamSource interface {
	ReadInbuf(max int) (data []byte, hasMore bool, err error)
}

// PackageRawInbuf implements spec.md §4.6's send (package) path for one
// stream, independent of which side of the circuit it runs on: stop
// whenever either window is exhausted, read up to RELAY_PAYLOAD_SIZE bytes
// at a time, and loop while the source has more buffered data and windows
// allow. send performs the side-specific relay_set_digest + encrypt +
// enqueue step (SendFromNonOrigin on this side, circuit.SendRelay on the
// origin side).
func PackageRawInbuf(circWindow, streamWindow *int, source StreamSource, allowPartial bool, send func(data []byte) error) error {
	for {
		if *circWindow <= 0 || *streamWindow <= 0 {
			return nil
		}

		data, hasMore, err := source.ReadInbuf(relay.MaxDataLen)
		if err != nil {
			return fmt.Errorf("dispatch: read inbuf: %w", err)
		}
		if len(data) == 0 {
			return nil
		}
		if !allowPartial && len(data) < relay.MaxDataLen && hasMore {
			return nil
		}

		if err := send(data); err != nil {
			return fmt.Errorf("dispatch: send RELAY_DATA: %w", err)
		}
		*circWindow--
		*streamWindow--

		if !hasMore {
			return nil
		}
	}
}

// SendFromNonOrigin implements spec.md §4.6's inbound-at-non-origin send
// path for a cell this relay originates itself (SENDME, CONNECTED, END):
// assemble the relay header, set the previous-side digest, single-layer
// encrypt, and enqueue toward Prev.
func SendFromNonOrigin(nc *circuit.NonOriginCircuit, ring *sched.Conn, pool *cell.Pool, linkVersion uint16, relayCmd uint8, streamID uint16, data []byte) error {
	if len(data) > relay.MaxDataLen {
		return fmt.Errorf("dispatch: relay data too long: %d > %d", len(data), relay.MaxDataLen)
	}

	h := relay.Header{Command: relayCmd, StreamID: streamID, Length: uint16(len(data))}
	var buf [relay.PayloadSize]byte
	if err := relay.Pack(&h, buf[:]); err != nil {
		return fmt.Errorf("dispatch: pack relay header: %w", err)
	}
	copy(buf[relay.HeaderLen:], data)

	nc.PackageInbound(buf[:])

	out := cell.NewFixedCell(nc.Prev.CircID, cell.CmdRelay)
	copy(out.Payload(), buf[:])
	ring.Append(pool, circuit.OfNonOrigin(nc), sched.DirPrev, out, linkVersion, nil)
	return nil
}
