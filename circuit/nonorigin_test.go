package circuit

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"testing"

	"github.com/cvsouth/tor-go/link"
	"github.com/cvsouth/tor-go/relay"
)

func TestRelayInboundForwardingDoesNotTouchDigest(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	nc := &NonOriginCircuit{Hop: hop}

	before, err := hop.db.(interface {
		MarshalBinary() ([]byte, error)
	}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, RelayPayloadLen)
	nc.RelayInbound(payload)

	after, err := hop.db.(interface {
		MarshalBinary() ([]byte, error)
	}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("pure forwarding must not mutate the backward digest")
	}
}

func TestPackageInboundSetsRecognizableDigest(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	nc := &NonOriginCircuit{Hop: hop}

	payload := make([]byte, RelayPayloadLen)
	h := relay.Header{Command: relay.CmdConnected, StreamID: 9, Length: 4}
	_ = relay.Pack(&h, payload)

	nc.PackageInbound(payload)

	if payload[relayCommandOff] == relay.CmdConnected {
		t.Fatal("payload should be encrypted, not plaintext")
	}
}

func TestDecryptOutboundRecognizesOwnHop(t *testing.T) {
	kf := make([]byte, 16)
	for i := range kf {
		kf[i] = 0x30 + byte(i)
	}
	iv := make([]byte, aes.BlockSize)

	fwdOrigin, _ := aes.NewCipher(kf)
	fwdRelay, _ := aes.NewCipher(kf)

	dfOrigin := sha1.New()
	dfOrigin.Write([]byte{0xCC})
	dfRelay := sha1.New()
	dfRelay.Write([]byte{0xCC})

	payload := make([]byte, RelayPayloadLen)
	h := relay.Header{Command: relay.CmdData, StreamID: 3, Length: 2}
	_ = relay.Pack(&h, payload)
	copy(payload[relay.HeaderLen:], []byte("hi"))

	relay.RelaySetDigest(hashDigest{dfOrigin}, payload)
	cipher.NewCTR(fwdOrigin, iv).XORKeyStream(payload, payload)

	hop := &Hop{kf: cipher.NewCTR(fwdRelay, iv), df: dfRelay}
	nc := &NonOriginCircuit{Hop: hop}

	recognized, err := nc.DecryptOutbound(payload)
	if err != nil {
		t.Fatalf("DecryptOutbound: %v", err)
	}
	if !recognized {
		t.Fatal("relay should recognize a cell addressed to its own hop")
	}
}

func TestDecryptOutboundNoHopErrors(t *testing.T) {
	nc := &NonOriginCircuit{}
	if _, err := nc.DecryptOutbound(make([]byte, RelayPayloadLen)); err == nil {
		t.Fatal("expected error with no hop key material")
	}
}

func TestNonOriginCircuitCloseIdempotent(t *testing.T) {
	nc := &NonOriginCircuit{}
	if nc.Closed() {
		t.Fatal("fresh circuit must not be closed")
	}
	nc.MarkForClose()
	nc.MarkForClose()
	if !nc.Closed() {
		t.Fatal("MarkForClose must mark closed")
	}
}

func TestSetNextAndHasNext(t *testing.T) {
	nc := &NonOriginCircuit{}
	if nc.HasNext() {
		t.Fatal("fresh circuit must have no next side")
	}
	nc.SetNext(&link.Link{}, 0x80000002)
	if !nc.HasNext() {
		t.Fatal("SetNext must be observable via HasNext")
	}
}
