// Package dispatch implements the receive and send entry points of
// spec.md §4.5/§4.6 for a non-origin (relay) circuit — the command switch
// that decides, for each recognized relay cell, what this hop does with it,
// and the forward-or-teardown decision for cells that are not recognized
// here. Grounded on original_source/src/or/relay.c's
// circuit_receive_relay_cell/connection_edge_process_relay_cell, which this
// teacher never had a non-origin counterpart for — the client-only
// cvsouth-tor-go only ever reads its own recognized cells directly in
// package stream's pull loop.
package dispatch

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/circuit"
	"github.com/cvsouth/tor-go/iface"
	"github.com/cvsouth/tor-go/relay"
	"github.com/cvsouth/tor-go/sched"
	"github.com/cvsouth/tor-go/stats"
)

// Action summarizes what ReceiveNonOrigin did with a cell, for callers that
// want to log or count outcomes without inspecting Result's error.
type Action int

const (
	ActionDeliveredLocally Action = iota
	ActionForwarded
	ActionDropped
	ActionTornDown
)

// Result is ReceiveNonOrigin's and its handlers' return value.
type Result struct {
	Action Action
	Err    error
}

// Deps bundles the external collaborators the non-origin dispatcher needs,
// grounded on spec.md §6 and declared against package iface so this package
// never imports the concrete exit/SOCKS/policy machinery.
type Deps struct {
	Ring            *sched.Conn
	Pool            *cell.Pool
	Exit            iface.ExitSide
	Obs             iface.Observability
	Extender        iface.Extender
	Rendezvous      iface.Rendezvous
	Stats           *stats.Counters
	NextLinkVersion uint16
}

// opposite returns the queue/connection direction a cell should be forwarded
// toward given the side it arrived from.
func opposite(from sched.Direction) sched.Direction {
	if from == sched.DirPrev {
		return sched.DirNext
	}
	return sched.DirPrev
}

// ReceiveNonOrigin implements spec.md §4.5's receive entry for a non-origin
// circuit. from identifies which connection the cell arrived on: DirPrev
// means it came from the client-facing side (relay_crypt direction
// "outbound"), DirNext means it came from the next hop (direction
// "inbound"). incoming is consumed: its circ_id may be rewritten in place
// before being queued for forwarding.
func ReceiveNonOrigin(nc *circuit.NonOriginCircuit, from sched.Direction, incoming cell.Cell, deps Deps) Result {
	if nc.Closed() {
		return Result{Action: ActionDropped}
	}

	payload := incoming.Payload()
	var recognized bool
	var err error
	switch from {
	case sched.DirPrev:
		recognized, err = nc.DecryptOutbound(payload)
	case sched.DirNext:
		nc.RelayInbound(payload)
	}
	if err != nil {
		nc.MarkForClose()
		return Result{Action: ActionTornDown, Err: fmt.Errorf("dispatch: relay_crypt: %w", err)}
	}

	var result Result
	if recognized {
		result = dispatchLocal(nc, payload, deps)
	} else {
		result = forward(nc, from, incoming, deps)
	}
	recordStats(deps, result)
	return result
}

// recordStats implements spec.md §2's statistics component: one cell either
// leaves this hop forwarded onward or is recognized and handed to a local
// stream/control path, never both, so Result.Action alone picks which
// counter relay.c's stats_n_relay_cells_relayed/_delivered would have bumped.
func recordStats(deps Deps, r Result) {
	if deps.Stats == nil {
		return
	}
	switch r.Action {
	case ActionForwarded:
		deps.Stats.RelayedOne()
	case ActionDeliveredLocally:
		deps.Stats.DeliveredOne()
	}
}

// forward implements spec.md §4.5 step 3: rewrite circ_id to the opposite
// side's id and enqueue, recurse into a rendezvous splice if the opposite
// connection is absent on the outbound side, or tear down as a protocol
// violation.
func forward(nc *circuit.NonOriginCircuit, from sched.Direction, incoming cell.Cell, deps Deps) Result {
	to := opposite(from)

	var side *circuit.Side
	if to == sched.DirPrev {
		side = &nc.Prev
	} else {
		side = &nc.Next
	}

	if side.Conn == nil {
		if to == sched.DirNext && nc.Splice != nil {
			return ReceiveNonOrigin(nc.Splice, sched.DirNext, incoming, deps)
		}
		nc.MarkForClose()
		return Result{Action: ActionTornDown, Err: fmt.Errorf("dispatch: protocol violation: no connection on %s side", sideName(to))}
	}

	rewriteCircID(incoming, side.CircID)
	deps.Ring.Append(deps.Pool, circuit.OfNonOrigin(nc), to, incoming, deps.NextLinkVersion, nil)
	return Result{Action: ActionForwarded}
}

func sideName(dir sched.Direction) string {
	if dir == sched.DirPrev {
		return "prev"
	}
	return "next"
}

func rewriteCircID(c cell.Cell, id uint32) {
	c[0] = byte(id >> 24)
	c[1] = byte(id >> 16)
	c[2] = byte(id >> 8)
	c[3] = byte(id)
}

// dispatchLocal implements spec.md §4.5 step 2's command switch for a cell
// recognized as addressed to this hop.
func dispatchLocal(nc *circuit.NonOriginCircuit, payload []byte, deps Deps) Result {
	h, err := relay.Unpack(payload)
	if err != nil {
		nc.MarkForClose()
		return Result{Action: ActionTornDown, Err: fmt.Errorf("dispatch: unpack relay header: %w", err)}
	}
	body := payload[relay.HeaderLen : relay.HeaderLen+int(h.Length)]

	switch h.Command {
	case relay.CmdBegin, relay.CmdBeginDir:
		return handleBegin(nc, h, body, deps)
	case relay.CmdData:
		return handleData(nc, h, body, deps)
	case relay.CmdEnd:
		return handleEnd(nc, h, body, deps)
	case relay.CmdSendMe:
		return handleSendMe(nc, h)
	case relay.CmdExtend, relay.CmdExtend2:
		return handleExtend(nc, h, body, deps)
	case relay.CmdTruncate:
		return handleTruncate(nc, deps)
	case relay.CmdDrop:
		return Result{Action: ActionDropped}
	case relay.CmdResolve:
		// Delegated to the external name-resolution collaborator.
		return Result{Action: ActionDeliveredLocally}
	case relay.CmdEstablishIntro:
		return handleRendezvous(nc, deps, relay.CmdIntroEstablished, func(r iface.Rendezvous) ([]byte, error) {
			return r.EstablishIntro(nc, body)
		})
	case relay.CmdEstablishRendezvous:
		return handleRendezvous(nc, deps, relay.CmdRendezvousEstablished, func(r iface.Rendezvous) ([]byte, error) {
			return r.EstablishRendezvous(nc, body)
		})
	case relay.CmdIntroduce1:
		return handleRendezvousNoReply(nc, deps, func(r iface.Rendezvous) error { return r.Introduce1(nc, body) })
	case relay.CmdIntroduce2:
		return handleRendezvousNoReply(nc, deps, func(r iface.Rendezvous) error { return r.Introduce2(nc, body) })
	case relay.CmdRendezvous1:
		return handleRendezvousNoReply(nc, deps, func(r iface.Rendezvous) error { return r.Rendezvous1(nc, body) })
	case relay.CmdRendezvous2:
		return handleRendezvousNoReply(nc, deps, func(r iface.Rendezvous) error { return r.Rendezvous2(nc, body) })
	case relay.CmdIntroEstablished, relay.CmdRendezvousEstablished, relay.CmdIntroduceAck:
		// Replies generated by the rendezvous collaborator itself and sent
		// directly; nothing further to do when one arrives here.
		return Result{Action: ActionDeliveredLocally}
	default:
		// Unknown command: drop for forward compatibility, never tear down.
		return Result{Action: ActionDropped}
	}
}

func handleBegin(nc *circuit.NonOriginCircuit, h relay.Header, body []byte, deps Deps) Result {
	if _, exists := nc.Lookup(h.StreamID); exists {
		return Result{Action: ActionDropped}
	}

	addr, port, perr := parseBeginPayload(body)
	if perr != nil {
		endNow(nc, deps, h.StreamID, streamReasonMisc)
		return Result{Action: ActionDeliveredLocally, Err: perr}
	}

	if deps.Exit == nil {
		endNow(nc, deps, h.StreamID, streamReasonMisc)
		return Result{Action: ActionDeliveredLocally}
	}

	var s iface.EdgeStream
	var err error
	if h.Command == relay.CmdBeginDir {
		s, err = deps.Exit.BeginConn(h.StreamID, addr, 0)
	} else {
		s, err = deps.Exit.BeginConn(h.StreamID, addr, port)
	}
	if err != nil {
		endNow(nc, deps, h.StreamID, streamReasonConnectRefused)
		return Result{Action: ActionDeliveredLocally}
	}

	nc.Attach(s)
	if err := SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, relay.CmdConnected, h.StreamID, nil); err != nil {
		return Result{Action: ActionTornDown, Err: err}
	}
	if deps.Obs != nil {
		deps.Obs.StreamStatus(s, "SUCCEEDED")
	}
	return Result{Action: ActionDeliveredLocally}
}

// parseBeginPayload splits a RELAY_BEGIN body into its "host:port\0" prefix,
// ignoring the trailing 4-byte flags field (spec.md §4.6 names the same
// layout for the mirror send side).
func parseBeginPayload(body []byte) (addr string, port uint16, err error) {
	idx := bytes.IndexByte(body, 0)
	if idx < 0 {
		return "", 0, fmt.Errorf("dispatch: BEGIN payload missing terminator")
	}
	host, portStr, err := net.SplitHostPort(string(body[:idx]))
	if err != nil {
		return "", 0, fmt.Errorf("dispatch: BEGIN payload: %w", err)
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("dispatch: BEGIN payload port: %w", err)
	}
	return host, uint16(p), nil
}

func handleData(nc *circuit.NonOriginCircuit, h relay.Header, body []byte, deps Deps) Result {
	nc.DeliverWindow--
	if nc.DeliverWindow < 0 {
		nc.MarkForClose()
		return Result{Action: ActionTornDown, Err: fmt.Errorf("dispatch: circuit deliver window exhausted")}
	}

	s, ok := nc.Lookup(h.StreamID)
	if !ok {
		return Result{Action: ActionDropped}
	}
	if err := s.Write(body); err != nil {
		return Result{Action: ActionTornDown, Err: fmt.Errorf("dispatch: write to exit stream: %w", err)}
	}

	err := circuit.ConsiderSendMe(&nc.DeliverWindow, func() error {
		return SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, relay.CmdSendMe, 0, nil)
	})
	if err != nil {
		return Result{Action: ActionTornDown, Err: err}
	}
	return Result{Action: ActionDeliveredLocally}
}

func handleEnd(nc *circuit.NonOriginCircuit, h relay.Header, body []byte, deps Deps) Result {
	s, ok := nc.Lookup(h.StreamID)
	if !ok {
		return Result{Action: ActionDropped}
	}
	reason := uint8(0)
	if len(body) > 0 {
		reason = body[0]
	}
	nc.Detach(h.StreamID)
	s.End(reason)
	if deps.Obs != nil {
		deps.Obs.StreamStatus(s, "CLOSED")
	}
	return Result{Action: ActionDeliveredLocally}
}

func handleSendMe(nc *circuit.NonOriginCircuit, h relay.Header) Result {
	if h.StreamID == 0 {
		nc.PackageWindow += circuit.CircWindowIncrement
		return Result{Action: ActionDeliveredLocally}
	}
	s, ok := nc.Lookup(h.StreamID)
	if !ok {
		return Result{Action: ActionDropped}
	}
	s.IncrementPackageWindow(circuit.StreamWindowIncrement)
	return Result{Action: ActionDeliveredLocally}
}

// handleExtend implements spec.md §4.5's "forward to the extender": the
// extender drives its own CREATE2/CREATED2 exchange toward the new next hop
// (and, on success, attaches it via nc.SetNext) and returns the EXTENDED2
// body to relay back toward Prev.
func handleExtend(nc *circuit.NonOriginCircuit, h relay.Header, body []byte, deps Deps) Result {
	if deps.Extender == nil {
		endNow(nc, deps, h.StreamID, streamReasonMisc)
		return Result{Action: ActionDeliveredLocally}
	}
	reply, err := deps.Extender.Extend(nc, h.StreamID, body)
	if err != nil {
		endNow(nc, deps, h.StreamID, streamReasonMisc)
		return Result{Action: ActionDeliveredLocally, Err: err}
	}
	if err := SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, relay.CmdExtended2, h.StreamID, reply); err != nil {
		return Result{Action: ActionTornDown, Err: err}
	}
	return Result{Action: ActionDeliveredLocally}
}

// handleRendezvous dispatches a hidden-service command that produces a
// reply payload (ESTABLISH_INTRO/ESTABLISH_RENDEZVOUS), sending the reply
// back toward Prev under replyCmd (INTRO_ESTABLISHED/RENDEZVOUS_ESTABLISHED).
func handleRendezvous(nc *circuit.NonOriginCircuit, deps Deps, replyCmd uint8, call func(iface.Rendezvous) ([]byte, error)) Result {
	if deps.Rendezvous == nil {
		return Result{Action: ActionDropped}
	}
	reply, err := call(deps.Rendezvous)
	if err != nil {
		return Result{Action: ActionDeliveredLocally, Err: err}
	}
	if reply == nil {
		return Result{Action: ActionDeliveredLocally}
	}
	if err := SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, replyCmd, 0, reply); err != nil {
		return Result{Action: ActionTornDown, Err: err}
	}
	return Result{Action: ActionDeliveredLocally}
}

// handleRendezvousNoReply dispatches a hidden-service command that never
// replies directly (INTRODUCE1/2, RENDEZVOUS1/2 are forwarded onward by the
// collaborator itself, e.g. toward an introduction or rendezvous point).
func handleRendezvousNoReply(nc *circuit.NonOriginCircuit, deps Deps, call func(iface.Rendezvous) error) Result {
	if deps.Rendezvous == nil {
		return Result{Action: ActionDropped}
	}
	if err := call(deps.Rendezvous); err != nil {
		return Result{Action: ActionDeliveredLocally, Err: err}
	}
	return Result{Action: ActionDeliveredLocally}
}

func handleTruncate(nc *circuit.NonOriginCircuit, deps Deps) Result {
	if nc.HasNext() {
		destroyCell := cell.NewFixedCell(nc.Next.CircID, cell.CmdDestroy)
		destroyCell.Payload()[0] = 0
		deps.Ring.Append(deps.Pool, circuit.OfNonOrigin(nc), sched.DirNext, destroyCell, deps.NextLinkVersion, nil)
	}
	if err := SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, relay.CmdTruncated, 0, []byte{0}); err != nil {
		return Result{Action: ActionTornDown, Err: err}
	}
	return Result{Action: ActionDeliveredLocally}
}

func endNow(nc *circuit.NonOriginCircuit, deps Deps, streamID uint16, reason uint8) {
	_ = SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, relay.CmdEnd, streamID, []byte{reason})
}

// End reason codes this package needs when it originates an END itself
// (tor-spec §6.4), kept local since only these two are ever synthesized
// here rather than relayed from elsewhere.
const (
	streamReasonMisc           uint8 = 1
	streamReasonConnectRefused uint8 = 3
)
