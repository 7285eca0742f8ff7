package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/tor-go/circuit"
)

const (
	// SENDME v1 version byte
	sendMeVersion = 1
)

// sendMeV1 builds a SENDME v1 payload with the given digest.
func sendMeV1(digest []byte) []byte {
	// Version(1) + DataLen(2) + Data(20)
	payload := make([]byte, 23)
	payload[0] = sendMeVersion
	binary.BigEndian.PutUint16(payload[1:3], 20) // digest length
	copy(payload[3:23], digest[:20])
	return payload
}

// handleDataReceived implements spec.md §4.5/§8's DATA-received flow
// control: decrement the deliver window for the hop the cell was recognized
// at, tearing the circuit down if it goes negative, then catch up with
// SENDMEs at both circuit and stream level the same way
// dispatch.handleData does on the non-origin side (circuit.ConsiderSendMe/
// circuit.ConsiderStreamSendMe against circuit/windows.go's shared catch-up
// loop). Call this after receiving each RELAY_DATA cell.
func (s *Stream) handleDataReceived(hopIdx int) error {
	deliverWindow := s.Circuit.DeliverWindowFor(hopIdx)
	*deliverWindow--
	if *deliverWindow < 0 {
		s.Circuit.MarkForClose()
		return fmt.Errorf("circuit deliver window exhausted")
	}
	if err := circuit.ConsiderSendMe(deliverWindow, func() error {
		digest := s.Circuit.BackwardDigest()
		return s.Circuit.SendRelay(circuit.RelaySendMe, 0, sendMeV1(digest))
	}); err != nil {
		return fmt.Errorf("send circuit SENDME: %w", err)
	}

	s.StreamDeliverWindow--
	if s.StreamDeliverWindow < 0 {
		s.Circuit.MarkForClose()
		return fmt.Errorf("stream deliver window exhausted")
	}
	if err := circuit.ConsiderStreamSendMe(&s.StreamDeliverWindow, func() error {
		digest := s.Circuit.BackwardDigest()
		return s.Circuit.SendRelay(circuit.RelaySendMe, s.ID, sendMeV1(digest))
	}); err != nil {
		return fmt.Errorf("send stream SENDME: %w", err)
	}

	return nil
}
