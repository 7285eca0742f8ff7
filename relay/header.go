// Package relay implements the relay-cell layer that sits on top of the
// raw cell package: the 11-byte relay header codec, the address TLV used
// by several relay commands, and the per-hop crypto pipeline.
package relay

import (
	"encoding/binary"
	"fmt"
)

// Relay command constants (tor-spec §6.1), kept alongside the header codec
// rather than duplicated per package.
const (
	CmdBegin                 uint8 = 1
	CmdData                  uint8 = 2
	CmdEnd                   uint8 = 3
	CmdConnected             uint8 = 4
	CmdSendMe                uint8 = 5
	CmdExtend                uint8 = 6
	CmdExtended              uint8 = 7
	CmdTruncate              uint8 = 8
	CmdTruncated             uint8 = 9
	CmdDrop                  uint8 = 10
	CmdResolve               uint8 = 11
	CmdResolved              uint8 = 12
	CmdBeginDir              uint8 = 13
	CmdExtend2               uint8 = 14
	CmdExtended2             uint8 = 15
	CmdEstablishIntro        uint8 = 32
	CmdEstablishRendezvous   uint8 = 33
	CmdIntroduce1            uint8 = 34
	CmdIntroduce2            uint8 = 35
	CmdRendezvous1           uint8 = 36
	CmdRendezvous2           uint8 = 37
	CmdIntroEstablished      uint8 = 38
	CmdRendezvousEstablished uint8 = 39
	CmdIntroduceAck          uint8 = 40
)

// HeaderLen is the size in bytes of the relay header at the front of every
// RELAY/RELAY_EARLY cell payload.
const HeaderLen = 11

// PayloadSize is the fixed size of a RELAY/RELAY_EARLY cell payload
// (cell.MaxPayloadLen). Declared independently of the cell package so this
// package has no import cycle; circuit/ checks the two stay in sync.
const PayloadSize = 509

// MaxDataLen is the maximum relay-command body that fits after the header
// (spec.md §4.9's RELAY_PAYLOAD_SIZE).
const MaxDataLen = PayloadSize - HeaderLen // 498

// Header is the unpacked form of the 11-byte relay header (spec.md §3).
// Recognized == 0 is necessary but not sufficient for "this cell is for
// us" — the digest check in crypto.go is the authoritative test.
type Header struct {
	Command    uint8
	Recognized uint16
	StreamID   uint16
	Integrity  [4]byte
	Length     uint16
}

// Pack writes h into dst[:HeaderLen] in network byte order. dst must have
// at least HeaderLen bytes; Pack performs no allocation.
func Pack(h *Header, dst []byte) error {
	if len(dst) < HeaderLen {
		return fmt.Errorf("relay: Pack destination too short: %d < %d", len(dst), HeaderLen)
	}
	dst[0] = h.Command
	binary.BigEndian.PutUint16(dst[1:3], h.Recognized)
	binary.BigEndian.PutUint16(dst[3:5], h.StreamID)
	copy(dst[5:9], h.Integrity[:])
	binary.BigEndian.PutUint16(dst[9:11], h.Length)
	return nil
}

// Unpack parses the first HeaderLen bytes of src. It rejects buffers
// shorter than HeaderLen and lengths exceeding MaxDataLen.
func Unpack(src []byte) (Header, error) {
	var h Header
	if len(src) < HeaderLen {
		return h, fmt.Errorf("relay: header buffer too short: %d < %d", len(src), HeaderLen)
	}
	h.Command = src[0]
	h.Recognized = binary.BigEndian.Uint16(src[1:3])
	h.StreamID = binary.BigEndian.Uint16(src[3:5])
	copy(h.Integrity[:], src[5:9])
	h.Length = binary.BigEndian.Uint16(src[9:11])
	if h.Length > MaxDataLen {
		return h, fmt.Errorf("relay: header length %d exceeds maximum %d", h.Length, MaxDataLen)
	}
	return h, nil
}

// ZeroIntegrity clears the 4-byte integrity field in place within a packed
// relay payload, as required before recomputing or verifying the digest.
func ZeroIntegrity(payload []byte) {
	payload[5] = 0
	payload[6] = 0
	payload[7] = 0
	payload[8] = 0
}
