package dispatch

import (
	"errors"
	"testing"

	"github.com/cvsouth/tor-go/circuit"
	"github.com/cvsouth/tor-go/relay"
)

func TestSendFromNonOriginEnqueuesOnPrev(t *testing.T) {
	nc := circuit.NewNonOriginCircuit(nil, 0x1, newTestHop(0x11))
	nc.Prev.CircID = 0x1
	deps := newTestDeps()

	if err := SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, relay.CmdSendMe, 0, nil); err != nil {
		t.Fatalf("SendFromNonOrigin: %v", err)
	}
	if nc.Prev.Queue.Len() != 1 {
		t.Fatalf("expected 1 queued cell, got %d", nc.Prev.Queue.Len())
	}
}

func TestSendFromNonOriginRejectsOversizedData(t *testing.T) {
	nc := circuit.NewNonOriginCircuit(nil, 0x1, newTestHop(0x11))
	deps := newTestDeps()

	data := make([]byte, relay.MaxDataLen+1)
	if err := SendFromNonOrigin(nc, deps.Ring, deps.Pool, deps.NextLinkVersion, relay.CmdData, 1, data); err == nil {
		t.Fatal("expected error for oversized relay data")
	}
}

type fakeSource struct {
	chunks [][]byte
	err    error
}

func (f *fakeSource) ReadInbuf(max int) (data []byte, hasMore bool, err error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if len(f.chunks) == 0 {
		return nil, false, nil
	}
	data = f.chunks[0]
	f.chunks = f.chunks[1:]
	return data, len(f.chunks) > 0, nil
}

func TestPackageRawInbufDrainsUntilSourceEmpty(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}
	circWindow, streamWindow := 1000, 500
	var sent [][]byte

	err := PackageRawInbuf(&circWindow, &streamWindow, src, true, func(data []byte) error {
		sent = append(sent, append([]byte(nil), data...))
		return nil
	})
	if err != nil {
		t.Fatalf("PackageRawInbuf: %v", err)
	}
	if len(sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sent))
	}
	if circWindow != 997 || streamWindow != 497 {
		t.Fatalf("expected windows decremented by 3 each, got circ=%d stream=%d", circWindow, streamWindow)
	}
}

func TestPackageRawInbufStopsAtWindowExhaustion(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("a"), []byte("b")}}
	circWindow, streamWindow := 1, 500
	var sent int

	err := PackageRawInbuf(&circWindow, &streamWindow, src, true, func(data []byte) error {
		sent++
		return nil
	})
	if err != nil {
		t.Fatalf("PackageRawInbuf: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected exactly 1 send before circuit window exhausted, got %d", sent)
	}
	if circWindow != 0 {
		t.Fatalf("expected circuit window at 0, got %d", circWindow)
	}
}

func TestPackageRawInbufWithholdsPartialChunk(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("short"), []byte("more")}}
	circWindow, streamWindow := 1000, 500
	var sent int

	err := PackageRawInbuf(&circWindow, &streamWindow, src, false, func(data []byte) error {
		sent++
		return nil
	})
	if err != nil {
		t.Fatalf("PackageRawInbuf: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected no sends when partial chunk withheld, got %d", sent)
	}
}

func TestPackageRawInbufPropagatesSendError(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("a")}}
	circWindow, streamWindow := 1000, 500
	wantErr := errors.New("boom")

	err := PackageRawInbuf(&circWindow, &streamWindow, src, true, func(data []byte) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}
