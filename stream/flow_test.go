package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"testing"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/circuit"
	"github.com/cvsouth/tor-go/link"
)

// newTestOriginCircuit builds a one-hop origin circuit whose writes go to
// io.Discard, sufficient for exercising SendRelay/BackwardDigest from
// handleDataReceived's catch-up path without a real link.
func newTestOriginCircuit(t *testing.T) *circuit.Circuit {
	t.Helper()
	key := make([]byte, 16)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	iv := make([]byte, aes.BlockSize)
	kf := cipher.NewCTR(block, iv)
	kb := cipher.NewCTR(block, iv)
	hop := circuit.NewHop(kf, kb, sha1.New(), sha1.New())
	return &circuit.Circuit{
		ID:   0x80000001,
		Hops: []*circuit.Hop{hop},
		Link: &link.Link{Writer: cell.NewWriter(io.Discard)},
	}
}

func TestSendMeV1Payload(t *testing.T) {
	digest := make([]byte, 20)
	for i := range digest {
		digest[i] = byte(i + 0xA0)
	}

	payload := sendMeV1(digest)

	// Version byte
	if payload[0] != 1 {
		t.Fatalf("version = %d, want 1", payload[0])
	}

	// Data length
	dataLen := binary.BigEndian.Uint16(payload[1:3])
	if dataLen != 20 {
		t.Fatalf("data length = %d, want 20", dataLen)
	}

	// Digest data
	for i := 0; i < 20; i++ {
		if payload[3+i] != byte(i+0xA0) {
			t.Fatalf("digest[%d] = %d, want %d", i, payload[3+i], i+0xA0)
		}
	}

	// Total length
	if len(payload) != 23 {
		t.Fatalf("payload length = %d, want 23", len(payload))
	}
}

func TestFlowControlConstants(t *testing.T) {
	if circuit.CircWindowStart != 1000 {
		t.Fatalf("circuit.CircWindowStart = %d, want 1000", circuit.CircWindowStart)
	}
	if circuit.CircWindowIncrement != 100 {
		t.Fatalf("circuit.CircWindowIncrement = %d, want 100", circuit.CircWindowIncrement)
	}
	if circuit.StreamWindowStart != 500 {
		t.Fatalf("circuit.StreamWindowStart = %d, want 500", circuit.StreamWindowStart)
	}
	if circuit.StreamWindowIncrement != 50 {
		t.Fatalf("circuit.StreamWindowIncrement = %d, want 50", circuit.StreamWindowIncrement)
	}
}

func TestHandleDataReceivedDecrementsWindows(t *testing.T) {
	circ := newTestOriginCircuit(t)
	s := &Stream{ID: 1, Circuit: circ, HopIdx: 0, StreamDeliverWindow: circuit.StreamWindowStart}

	if err := s.handleDataReceived(0); err != nil {
		t.Fatalf("handleDataReceived: %v", err)
	}
	if got := *circ.DeliverWindowFor(0); got != circuit.CircWindowStart-1 {
		t.Fatalf("circuit deliver window = %d, want %d", got, circuit.CircWindowStart-1)
	}
	if s.StreamDeliverWindow != circuit.StreamWindowStart-1 {
		t.Fatalf("stream deliver window = %d, want %d", s.StreamDeliverWindow, circuit.StreamWindowStart-1)
	}
}

func TestHandleDataReceivedCatchesUpWithSendMe(t *testing.T) {
	circ := newTestOriginCircuit(t)
	s := &Stream{ID: 1, Circuit: circ, HopIdx: 0, StreamDeliverWindow: circuit.StreamWindowIncrement}

	if err := s.handleDataReceived(0); err != nil {
		t.Fatalf("handleDataReceived: %v", err)
	}
	if s.StreamDeliverWindow != circuit.StreamWindowStart-1 {
		t.Fatalf("stream deliver window after catch-up = %d, want %d", s.StreamDeliverWindow, circuit.StreamWindowStart-1)
	}
}

func TestHandleDataReceivedTearsDownOnNegativeCircWindow(t *testing.T) {
	circ := newTestOriginCircuit(t)
	*circ.DeliverWindowFor(0) = 0
	s := &Stream{ID: 1, Circuit: circ, HopIdx: 0, StreamDeliverWindow: circuit.StreamWindowStart}

	if err := s.handleDataReceived(0); err == nil {
		t.Fatal("expected error when circuit deliver window goes negative")
	}
	if !circ.Closed() {
		t.Fatal("expected circuit to be marked for close")
	}
}

func TestHandleDataReceivedTearsDownOnNegativeStreamWindow(t *testing.T) {
	circ := newTestOriginCircuit(t)
	s := &Stream{ID: 1, Circuit: circ, HopIdx: 0, StreamDeliverWindow: 0}

	if err := s.handleDataReceived(0); err == nil {
		t.Fatal("expected error when stream deliver window goes negative")
	}
	if !circ.Closed() {
		t.Fatal("expected circuit to be marked for close")
	}
}
