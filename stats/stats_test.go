package stats

import (
	"testing"
	"time"

	"github.com/cvsouth/tor-go/cell"
)

func TestCountersAccumulate(t *testing.T) {
	var c Counters
	for i := 0; i < 5; i++ {
		c.RelayedOne()
	}
	for i := 0; i < 3; i++ {
		c.DeliveredOne()
	}
	if c.CellsRelayed.Load() != 5 {
		t.Fatalf("CellsRelayed = %d, want 5", c.CellsRelayed.Load())
	}
	if c.CellsDelivered.Load() != 3 {
		t.Fatalf("CellsDelivered = %d, want 3", c.CellsDelivered.Load())
	}
}

func TestSnapshotReflectsCounters(t *testing.T) {
	var c Counters
	c.RelayedOne()
	c.DeliveredOne()
	c.DeliveredOne()

	hb := c.Snapshot(time.Now().Add(-time.Minute), 4, cell.Stats{TotalAllocated: 10, Leaked: 2})
	if hb.CellsRelayed != 1 || hb.CellsDelivered != 2 {
		t.Fatalf("unexpected heartbeat counters: %+v", hb)
	}
	if hb.CircuitsOpen != 4 {
		t.Fatalf("CircuitsOpen = %d, want 4", hb.CircuitsOpen)
	}
	if hb.Pool.TotalAllocated != 10 || hb.Pool.Leaked != 2 {
		t.Fatalf("unexpected pool stats: %+v", hb.Pool)
	}
	if hb.Uptime < 59*time.Second {
		t.Fatalf("Uptime = %v, want >= 59s", hb.Uptime)
	}
}
