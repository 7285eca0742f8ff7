package circuit

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding"
	"fmt"
	"hash"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/relay"
)

// Relay cell command constants (tor-spec §6.1), re-exported from package
// relay so existing callers (package stream, cmd/tor-client) keep working
// unchanged; package relay is the single source of truth for the values.
const (
	RelayBegin                 = relay.CmdBegin
	RelayData                  = relay.CmdData
	RelayEnd                   = relay.CmdEnd
	RelayConnected             = relay.CmdConnected
	RelaySendMe                = relay.CmdSendMe
	RelayBeginDir              = relay.CmdBeginDir
	RelayExtend2               = relay.CmdExtend2
	RelayExtended2             = relay.CmdExtended2
	RelayTruncate              = relay.CmdTruncate
	RelayTruncated             = relay.CmdTruncated
	RelayResolve               = relay.CmdResolve
	RelayResolved              = relay.CmdResolved
	RelayEstablishRendezvous   = relay.CmdEstablishRendezvous
	RelayIntroduce1            = relay.CmdIntroduce1
	RelayRendezvous2           = relay.CmdRendezvous2
	RelayRendezvousEstablished = relay.CmdRendezvousEstablished
	RelayIntroduceAck          = relay.CmdIntroduceAck
)

// RelayPayloadLen is the length of a relay cell payload (inside a fixed cell).
const RelayPayloadLen = cell.MaxPayloadLen // 509

// Relay header offsets within the 509-byte payload, mirroring package
// relay's Header layout; kept here (rather than qualifying every use with
// relay.HeaderLen etc.) because circuit_test.go/relay_test.go reference
// them directly as package-level names.
const (
	relayCommandOff    = 0  // 1 byte
	relayRecognizedOff = 1  // 2 bytes
	relayStreamIDOff   = 3  // 2 bytes
	relayDigestOff     = 5  // 4 bytes
	relayLengthOff     = 9  // 2 bytes
	relayDataOff       = relay.HeaderLen // 11
)

// MaxRelayDataLen is the maximum data in a single relay cell.
const MaxRelayDataLen = relay.MaxDataLen // 498

// streamCipher adapts crypto/cipher.Stream to relay.Cipher.
type streamCipher struct{ s cipher.Stream }

func (c streamCipher) CryptInPlace(buf []byte) { c.s.XORKeyStream(buf, buf) }

// hashDigest adapts a crypto/sha1 hash.Hash (or any hash.Hash implementing
// encoding.BinaryMarshaler/Unmarshaler, as sha1 does) to relay.Digest.
type hashDigest struct{ h hash.Hash }

func (d hashDigest) Feed(buf []byte) { d.h.Write(buf) }

func (d hashDigest) Sum4() [4]byte {
	var out [4]byte
	sum := d.h.Sum(nil)
	copy(out[:], sum[:4])
	return out
}

func (d hashDigest) Clone() relay.Digest {
	state, err := d.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("circuit: digest snapshot failed: %v", err))
	}
	clone := sha1.New()
	if err := clone.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(fmt.Sprintf("circuit: digest snapshot restore failed: %v", err))
	}
	return hashDigest{h: clone}
}

func (d hashDigest) Restore(snapshot relay.Digest) {
	src := snapshot.(hashDigest)
	state, err := src.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("circuit: digest restore marshal failed: %v", err))
	}
	if err := d.h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(fmt.Sprintf("circuit: digest restore unmarshal failed: %v", err))
	}
}

// asCrypto builds the relay.HopCrypto view of a Hop for use with package
// relay's crypt functions.
func (h *Hop) asCrypto() relay.HopCrypto {
	return relay.HopCrypto{
		Forward:        streamCipher{h.kf},
		Backward:       streamCipher{h.kb},
		ForwardDigest:  hashDigest{h.df},
		BackwardDigest: hashDigest{h.db},
	}
}

// cryptoHops builds the relay.HopCrypto view of every hop on the circuit, in
// order. Unlike the dispatcher's window bookkeeping, the crypt pipeline
// itself runs over every hop regardless of HopState: a hop still mid
// EXTEND2/EXTENDED2 never receives traffic addressed to it, so including it
// here is harmless and keeps EncryptRelay/DecryptRelay's behavior identical
// to before HopState existed.
func (c *Circuit) cryptoHops() []relay.HopCrypto {
	out := make([]relay.HopCrypto, len(c.Hops))
	for i, h := range c.Hops {
		out[i] = h.asCrypto()
	}
	return out
}

// EncryptRelay builds and encrypts a relay cell payload for sending through the circuit.
// It acquires the circuit mutex. For use when the caller does NOT already hold it.
func (c *Circuit) EncryptRelay(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.encryptRelayLocked(relayCmd, streamID, data)
}

// encryptRelayLocked is the lock-free internal implementation. Caller must hold c.wmu.
func (c *Circuit) encryptRelayLocked(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("circuit has no hops")
	}
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}

	var payload [RelayPayloadLen]byte
	h := relay.Header{Command: relayCmd, StreamID: streamID, Length: uint16(len(data))}
	if err := relay.Pack(&h, payload[:]); err != nil {
		return nil, fmt.Errorf("pack relay header: %w", err)
	}
	copy(payload[relayDataOff:], data)

	// Per tor-spec §6.1: padding = 4 zero bytes + random bytes.
	padStart := relayDataOff + len(data)
	if padStart+4 < RelayPayloadLen {
		_, _ = rand.Read(payload[padStart+4:])
	}

	hops := c.cryptoHops()
	targetIdx := len(hops) - 1
	if err := relay.LayerEncryptOrigin(hops, targetIdx, payload[:]); err != nil {
		return nil, fmt.Errorf("layer encrypt: %w", err)
	}

	relayCell := cell.NewFixedCell(c.ID, cell.CmdRelay)
	copy(relayCell.Payload(), payload[:])
	return relayCell, nil
}

// DecryptRelay decrypts an incoming relay cell payload.
// It acquires the circuit mutex. For use when the caller does NOT already hold it.
func (c *Circuit) DecryptRelay(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.decryptRelayLocked(incoming)
}

// decryptRelayLocked is the lock-free internal implementation. Caller must hold c.rmu.
func (c *Circuit) decryptRelayLocked(incoming cell.Cell) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(c.Hops) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("circuit has no hops")
	}

	payload := make([]byte, RelayPayloadLen)
	copy(payload, incoming.Payload()[:RelayPayloadLen])

	hops := c.cryptoHops()
	idx, recognized, derr := relay.DecryptAtOrigin(hops, payload)
	if derr != nil {
		return 0, 0, 0, nil, derr
	}
	if !recognized {
		return 0, 0, 0, nil, fmt.Errorf("relay cell not recognized at any hop")
	}

	rh, herr := relay.Unpack(payload)
	if herr != nil {
		return 0, 0, 0, nil, fmt.Errorf("unpack recognized header: %w", herr)
	}
	if int(rh.Length) > MaxRelayDataLen {
		return 0, 0, 0, nil, fmt.Errorf("relay data length %d exceeds maximum %d", rh.Length, MaxRelayDataLen)
	}
	out := make([]byte, rh.Length)
	copy(out, payload[relayDataOff:relayDataOff+int(rh.Length)])
	return idx, rh.Command, rh.StreamID, out, nil
}
