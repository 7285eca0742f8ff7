// Package iface declares the external collaborator interfaces the relay
// cell engine consumes (spec.md §6): transport I/O, circuit lifecycle
// hooks the extend/handshake layer implements, edge-side hooks the SOCKS
// and exit-connection layers implement, policy hooks, and observability
// hooks. Declaring them here, rather than importing the concrete
// collaborator packages directly from dispatch/sched, keeps those two
// packages testable against fakes without pulling in TLS, SOCKS, or DNS
// machinery.
package iface

import "github.com/cvsouth/tor-go/cell"

// Transport is the per-connection collaborator the core writes cells to
// and queries for backpressure, grounded on spec.md §6's
// write_bytes/outbuf_len/link_proto_version/is_reading.
type Transport interface {
	WriteCell(c cell.Cell) error
	OutbufLen() int
	LinkProtoVersion() uint16
	StartReading()
	StopReading()
	IsReading() bool
	MarkForClose(reason uint8)
}

// CircuitLifecycle is the handshake/extend collaborator, grounded on
// spec.md §6's circuit_mark_for_close/circuit_extend/
// circuit_finish_handshake/circuit_send_next_onion_skin/circuit_truncated.
// No type in this module implements it; package circuit's Create/extend
// machinery has no FinishHandshake or SendNextOnionSkin method.
type CircuitLifecycle interface {
	MarkForClose(reason uint8)
	Extend(extend2Payload []byte) error
	FinishHandshake(kind uint16, payload []byte) error
	SendNextOnionSkin() ([]byte, error)
	Truncated(hopIdx int, reason uint8) error
}

// EdgeStream is the minimal view the dispatcher needs of a stream attached
// to a circuit, matching circuit.AttachedStream plus the edge hooks of
// spec.md §6 (connection_edge_end, connection_mark_unattached_ap).
type EdgeStream interface {
	StreamID() uint16
	HopIndex() int
	End(reason uint8)
	MarkUnattached(reason uint8)

	// Write delivers a received RELAY_DATA body to the stream's local
	// socket outbuf, grounded on spec.md §4.5's DATA handling
	// (connection_edge_process_relay_cell writing to conn->outbuf).
	Write(data []byte) error

	// IncrementPackageWindow implements spec.md §4.5's SENDME handling for
	// a stream-level SENDME: bump the package window and resume reading.
	IncrementPackageWindow(n int)
}

// ExitSide is the exit-connection collaborator, grounded on spec.md §6's
// connection_exit_begin_conn/connection_exit_begin_resolve.
type ExitSide interface {
	BeginConn(streamID uint16, addr string, port uint16) (EdgeStream, error)
	BeginResolve(streamID uint16, addr string) (EdgeStream, error)
}

// AppSide is the SOCKS-facing collaborator, grounded on spec.md §6's
// connection_ap_detach_retriable/connection_ap_handshake_socks_reply/
// connection_ap_handshake_socks_resolved.
type AppSide interface {
	DetachRetriable(s EdgeStream, reason uint8)
	SocksReply(s EdgeStream, status uint8)
	SocksResolved(s EdgeStream, addrs []string, ttl uint32)
}

// Policy is the address-policy collaborator, grounded on spec.md §6's
// is_internal_ip/policies_set_router_exitpolicy_to_reject_all/
// client_dns_set_addressmap family.
type Policy interface {
	IsInternalIP(addr string) bool
	SetAddressMap(addr, resolved string, ttl uint32)
	IncrFailures(addr string)
	ClearFailures(addr string)
}

// Observability is the logging/control-port collaborator, grounded on
// spec.md §6's control_event_stream_status/control_event_bootstrap/
// log_heartbeat.
type Observability interface {
	StreamStatus(s EdgeStream, status string)
	Bootstrap(progress int, tag string)
	Heartbeat(stats HeartbeatStats)
}

// Extender is the non-origin EXTEND/EXTEND2 collaborator, grounded on
// spec.md §4.5's "forward to the extender": given the EXTEND2 payload off
// the wire, it drives the CREATE2/CREATED2 exchange toward the named next
// hop and, on success, attaches the new hop to the circuit (circuit.
// NonOriginCircuit.SetNext) before returning the CREATED2/EXTENDED2 body to
// send back toward Prev.
type Extender interface {
	Extend(nc any, streamID uint16, extend2Payload []byte) (extended2Payload []byte, err error)
}

// Rendezvous is the hidden-service collaborator, grounded on spec.md §4.5's
// ESTABLISH_INTRO/ESTABLISH_RENDEZVOUS/INTRODUCE/RENDEZVOUS family: each
// method handles one relay command's payload against the owning circuit and
// returns the reply payload (if any) to send back toward Prev.
type Rendezvous interface {
	EstablishIntro(nc any, payload []byte) (reply []byte, err error)
	EstablishRendezvous(nc any, payload []byte) (reply []byte, err error)
	Introduce1(nc any, payload []byte) error
	Introduce2(nc any, payload []byte) error
	Rendezvous1(nc any, payload []byte) error
	Rendezvous2(nc any, payload []byte) error
}

// HeartbeatStats is the periodic-summary payload passed through
// Observability.Heartbeat. Package stats builds its own stats.Heartbeat
// value and does not produce this type.
type HeartbeatStats struct {
	CellsRelayed   uint64
	CellsDelivered uint64
	CircuitsActive int
	PoolAllocated  int
	PoolLeaked     int
}
