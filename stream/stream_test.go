package stream

import (
	"net"
	"testing"

	"github.com/cvsouth/tor-go/relay"
)

// fakePolicy is a minimal iface.Policy fake recording the last address map
// update and optionally rejecting an address as internal.
type fakePolicy struct {
	internal   map[string]bool
	mappedAddr string
	mappedTo   string
	mappedTTL  uint32
}

func (p *fakePolicy) IsInternalIP(addr string) bool { return p.internal[addr] }
func (p *fakePolicy) SetAddressMap(addr, resolved string, ttl uint32) {
	p.mappedAddr, p.mappedTo, p.mappedTTL = addr, resolved, ttl
}
func (p *fakePolicy) IncrFailures(addr string) {}
func (p *fakePolicy) ClearFailures(addr string) {}

func TestDecodeConnectedEmptyPayload(t *testing.T) {
	addr, ttl, err := decodeConnected(nil, "example.com:80", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "" || ttl != 0 {
		t.Fatalf("expected zero values for empty payload, got addr=%q ttl=%d", addr, ttl)
	}
}

func TestDecodeConnectedUpdatesAddressMap(t *testing.T) {
	payload := relay.EncodeAddr(nil, relay.Addr{Type: relay.AddrTypeIPv4, Value: net.ParseIP("93.184.216.34")})
	payload = append(payload, 0, 0, 0x0e, 0x10) // TTL = 3600

	pol := &fakePolicy{internal: map[string]bool{}}
	addr, ttl, err := decodeConnected(payload, "example.com:80", pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "93.184.216.34" {
		t.Fatalf("addr = %q, want 93.184.216.34", addr)
	}
	if ttl != 3600 {
		t.Fatalf("ttl = %d, want 3600", ttl)
	}
	if pol.mappedAddr != "example.com" || pol.mappedTo != "93.184.216.34" || pol.mappedTTL != 3600 {
		t.Fatalf("address map not updated: %+v", pol)
	}
}

func TestDecodeConnectedRejectsInternalAddress(t *testing.T) {
	payload := relay.EncodeAddr(nil, relay.Addr{Type: relay.AddrTypeIPv4, Value: net.ParseIP("127.0.0.1")})
	pol := &fakePolicy{internal: map[string]bool{"127.0.0.1": true}}

	_, _, err := decodeConnected(payload, "example.com:80", pol)
	if err == nil {
		t.Fatal("expected error for internal address")
	}
	if pol.mappedAddr != "" {
		t.Fatal("address map should not be updated when policy rejects the address")
	}
}

func TestHandleResolvedRecordsAnswer(t *testing.T) {
	payload := relay.EncodeAddr(nil, relay.Addr{Type: relay.AddrTypeIPv4, Value: net.ParseIP("198.51.100.7")})
	payload = append(payload, 0, 0, 0x01, 0x2c) // TTL = 300

	s := &Stream{ID: 1}
	if err := s.handleResolved(payload); err != nil {
		t.Fatalf("handleResolved: %v", err)
	}
	if s.ConnectedAddr != "198.51.100.7" {
		t.Fatalf("ConnectedAddr = %q, want 198.51.100.7", s.ConnectedAddr)
	}
	if s.ConnectedTTL != 300 {
		t.Fatalf("ConnectedTTL = %d, want 300", s.ConnectedTTL)
	}
}

func TestStreamIDAllocation(t *testing.T) {
	// Reset counter for test isolation
	nextStreamID.Store(1)

	ids := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		id := uint16(nextStreamID.Add(1) - 1)
		if id == 0 {
			t.Fatal("stream ID should never be 0")
		}
		if ids[id] {
			t.Fatalf("duplicate stream ID: %d", id)
		}
		ids[id] = true
	}
}

func TestStreamWriteWhenClosed(t *testing.T) {
	s := &Stream{
		ID:           1,
		CircWindow:   1000,
		StreamWindow: 500,
		closed:       true,
	}
	_, err := s.Write([]byte("test"))
	if err == nil {
		t.Fatal("expected error writing to closed stream")
	}
}

func TestStreamWriteWindowExhausted(t *testing.T) {
	s := &Stream{
		ID:           1,
		CircWindow:   0,
		StreamWindow: 500,
	}
	_, err := s.Write([]byte("test"))
	if err == nil {
		t.Fatal("expected error when circuit window exhausted")
	}

	s.CircWindow = 1000
	s.StreamWindow = 0
	_, err = s.Write([]byte("test"))
	if err == nil {
		t.Fatal("expected error when stream window exhausted")
	}
}

func TestStreamReadWhenClosed(t *testing.T) {
	s := &Stream{
		ID:     1,
		closed: true,
	}
	_, err := s.Read(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error reading from closed stream")
	}
}

func TestStreamReadWhenEOF(t *testing.T) {
	s := &Stream{
		ID:  1,
		eof: true,
	}
	_, err := s.Read(make([]byte, 10))
	if err == nil {
		t.Fatal("expected EOF error")
	}
}

func TestStreamReadFromBuffer(t *testing.T) {
	s := &Stream{
		ID:  1,
		buf: []byte("hello world"),
	}
	buf := make([]byte, 5)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("read %d bytes, want 5", n)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
	// Second read should return remaining
	n, err = s.Read(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("read %d bytes, want 5", n)
	}
	if string(buf[:n]) != " worl" {
		t.Fatalf("got %q, want %q", buf[:n], " worl")
	}
}

func TestStreamCloseIdempotent(t *testing.T) {
	// Close on an already-closed stream should not error
	s := &Stream{
		ID:     1,
		closed: true,
	}
	err := s.Close()
	if err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
}

func TestStreamInitialWindows(t *testing.T) {
	s := &Stream{
		ID:           1,
		CircWindow:   1000,
		StreamWindow: 500,
	}
	if s.CircWindow != 1000 {
		t.Fatalf("CircWindow = %d, want 1000", s.CircWindow)
	}
	if s.StreamWindow != 500 {
		t.Fatalf("StreamWindow = %d, want 500", s.StreamWindow)
	}
}
