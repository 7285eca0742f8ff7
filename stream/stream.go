package stream

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/cvsouth/tor-go/circuit"
	"github.com/cvsouth/tor-go/iface"
	"github.com/cvsouth/tor-go/relay"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// nextStreamID is a global atomic counter for stream ID allocation.
var nextStreamID atomic.Uint32

func init() {
	nextStreamID.Store(1)
}

const (
	relayEndReasonDone = 6
)

// Stream represents a Tor stream over a circuit.
type Stream struct {
	ID                  uint16
	Circuit             *circuit.Circuit
	HopIdx              int // index into Circuit.Hops this stream is attached to
	CircWindow          int // Circuit-level send package window (init 1000)
	StreamWindow        int // Stream-level send package window (init 500)
	StreamDeliverWindow int // Stream-level receive deliver window (init 500)
	buf                 []byte
	closed              bool
	eof                 bool

	// ConnectedAddr/ConnectedTTL hold the optional address+TTL payload
	// from the RELAY_CONNECTED that opened this stream (spec.md §4.5).
	ConnectedAddr string
	ConnectedTTL  uint32

	// beginSent records that RELAY_BEGIN was sent and hasEnded that Close
	// sent RELAY_END; the retry policy in retry.go does not read them.
	beginSent bool
	hasEnded  bool
}

// StreamID implements circuit.AttachedStream.
func (s *Stream) StreamID() uint16 { return s.ID }

// HopIndex implements circuit.AttachedStream.
func (s *Stream) HopIndex() int { return s.HopIdx }

// Begin opens a new stream to the given target (host:port) through the
// circuit. It sends RELAY_BEGIN and waits for RELAY_CONNECTED.
//
// policy is an optional iface.Policy collaborator (spec.md §6): when given,
// it enforces the internal-address policy against a RELAY_CONNECTED answer
// and records the result in the client-side address map, the way
// EndBeforeOpen already expects a caller to have done for RESOLVEFAILED/
// EXITPOLICY retries.
func Begin(circ *circuit.Circuit, target string, policy ...iface.Policy) (*Stream, error) {
	var id uint16
	for {
		raw := nextStreamID.Add(1) - 1
		id = uint16(raw)
		if id != 0 {
			break
		}
		// Prevent infinite loop on overflow — 65535 streams is the uint16 limit
		if raw > 0xFFFF {
			return nil, fmt.Errorf("stream ID space exhausted")
		}
	}

	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, all zero)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	// null terminator and flags are already zero

	if err := circ.SendRelay(circuit.RelayBegin, id, payload); err != nil {
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	var pol iface.Policy
	if len(policy) > 0 {
		pol = policy[0]
	}

	// Wait for RELAY_CONNECTED (or RELAY_END on failure)
	for {
		hopIdx, relayCmd, respStreamID, data, err := circ.ReceiveRelay()
		if err != nil {
			return nil, fmt.Errorf("receive relay response: %w", err)
		}

		// RELAY_TRUNCATED is circuit-wide (streamID 0), never addressed to
		// this or any other individual stream: collapse the path as soon
		// as it arrives, regardless of which stream we're waiting for.
		if relayCmd == circuit.RelayTruncated && respStreamID == 0 {
			circ.Truncate(hopIdx)
			return nil, fmt.Errorf("circuit truncated to hop %d while opening stream", hopIdx)
		}

		// Ignore cells for other streams
		if respStreamID != id {
			continue
		}

		switch relayCmd {
		case circuit.RelayConnected:
			addr, ttl, connErr := decodeConnected(data, target, pol)
			if connErr != nil {
				_ = circ.SendRelay(circuit.RelayEnd, id, []byte{ReasonTorProtocol})
				return nil, connErr
			}
			s := &Stream{
				ID:                  id,
				Circuit:             circ,
				HopIdx:              len(circ.Hops) - 1,
				CircWindow:          circuit.CircWindowStart,
				StreamWindow:        circuit.StreamWindowStart,
				StreamDeliverWindow: circuit.StreamWindowStart,
				beginSent:           true,
				ConnectedAddr:       addr,
				ConnectedTTL:        ttl,
			}
			circ.Attach(s)
			return s, nil
		case circuit.RelayEnd:
			reason := uint8(0)
			if len(data) > 0 {
				reason = data[0]
			}
			return nil, &EndBeforeOpenError{Reason: reason}
		default:
			return nil, fmt.Errorf("unexpected relay command %d while waiting for CONNECTED", relayCmd)
		}
	}
}

// decodeConnected parses the optional address+TTL answer carried in a
// RELAY_CONNECTED cell (spec.md §4.5), enforces the internal-address
// policy when pol is non-nil, and records the result in the address map.
// An empty payload (no answer offered) is not an error.
func decodeConnected(data []byte, target string, pol iface.Policy) (addr string, ttl uint32, err error) {
	if len(data) == 0 {
		return "", 0, nil
	}
	a, rest, derr := relay.DecodeAddr(data)
	if derr != nil {
		return "", 0, fmt.Errorf("decode CONNECTED answer: %w", derr)
	}
	if a.Value == nil {
		return "", 0, nil
	}
	addr = a.Value.String()
	ttl, _ = relay.DecodeTTL(rest)

	if pol != nil {
		if pol.IsInternalIP(addr) {
			return "", 0, fmt.Errorf("CONNECTED reported internal address %s", addr)
		}
		host := target
		if h, _, splitErr := net.SplitHostPort(target); splitErr == nil {
			host = h
		}
		pol.SetAddressMap(host, addr, ttl)
	}
	return addr, ttl, nil
}

// Write sends data through the stream as RELAY_DATA cells.
// Data is split into chunks of up to 498 bytes (MaxRelayDataLen).
// Respects send-side flow control windows.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		// Check send windows — if exhausted, we'd need to wait for SENDME.
		// For now, error if windows are exhausted (proper blocking requires
		// a concurrent read loop which will be added with stream multiplexing).
		if s.CircWindow <= 0 || s.StreamWindow <= 0 {
			return total, fmt.Errorf("send window exhausted (circ=%d, stream=%d)", s.CircWindow, s.StreamWindow)
		}

		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		s.CircWindow--
		s.StreamWindow--
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read receives data from the stream.
// It reads RELAY_DATA cells and buffers their contents.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	// Return buffered data first
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	// Read cells until we get data for this stream
	for {
		hopIdx, relayCmd, streamID, data, err := s.Circuit.ReceiveRelay()
		if err != nil {
			return 0, fmt.Errorf("receive relay: %w", err)
		}

		// Handle circuit-level SENDME (streamID=0)
		if relayCmd == circuit.RelaySendMe && streamID == 0 {
			s.CircWindow += circuit.CircWindowIncrement
			continue
		}

		// RELAY_TRUNCATED is circuit-wide: collapse hops beyond hopIdx and,
		// if this stream was attached beyond the new end of the path, it
		// no longer has anywhere to go.
		if relayCmd == circuit.RelayTruncated && streamID == 0 {
			s.Circuit.Truncate(hopIdx)
			if s.HopIdx > hopIdx {
				s.eof = true
				return 0, io.EOF
			}
			continue
		}

		if streamID != s.ID {
			// Cell for a different stream — for now, discard
			// TODO: multiplex streams properly
			continue
		}

		switch relayCmd {
		case circuit.RelayData:
			if err := s.handleDataReceived(hopIdx); err != nil {
				return 0, err
			}
			n := copy(p, data)
			if n < len(data) {
				s.buf = append(s.buf, data[n:]...)
			}
			return n, nil
		case circuit.RelayEnd:
			s.eof = true
			return 0, io.EOF
		case circuit.RelaySendMe:
			// Stream-level SENDME — relay is ready for more data
			s.StreamWindow += circuit.StreamWindowIncrement
			continue
		case circuit.RelayResolved:
			// RELAY_RESOLVE answers arrive on the resolving stream just
			// like DATA/END do; the origin consumes the answer, enforces
			// policy, and closes the stream with "done" (spec.md §4.5).
			if err := s.handleResolved(data); err != nil {
				return 0, err
			}
			s.eof = true
			_ = s.Close()
			return 0, io.EOF
		default:
			return 0, fmt.Errorf("unexpected relay command %d on stream", relayCmd)
		}
	}
}

// handleResolved decodes a RELAY_RESOLVED answer and records it on the
// stream for the caller (e.g. the SOCKS layer) to consult.
func (s *Stream) handleResolved(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	addr, rest, err := relay.DecodeAddr(data)
	if err != nil {
		return fmt.Errorf("decode RESOLVED answer: %w", err)
	}
	if addr.Value != nil {
		s.ConnectedAddr = addr.Value.String()
		if ttl, ok := relay.DecodeTTL(rest); ok {
			s.ConnectedTTL = ttl
		}
	}
	return nil
}

// Close sends RELAY_END to close the stream.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.hasEnded = true
	s.Circuit.Detach(s.ID)
	return s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
}
