// Package stats tracks the relay cell engine's runtime counters and emits
// the periodic heartbeat line, grounded on the teacher's source relay.c
// (stats_n_relay_cells_relayed/stats_n_relay_cells_delivered/
// dump_cell_pool_usage) and status.c (log_heartbeat).
package stats

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cvsouth/tor-go/cell"
)

// Counters holds the engine-wide relay cell counters. The zero value is
// ready to use; all fields are safe for concurrent access.
type Counters struct {
	CellsRelayed   atomic.Uint64
	CellsDelivered atomic.Uint64
}

// RelayedOne records one cell forwarded onward without being consumed
// locally (relay.c's "++stats_n_relay_cells_relayed").
func (c *Counters) RelayedOne() {
	c.CellsRelayed.Add(1)
}

// DeliveredOne records one cell recognized and delivered to a local stream
// or control path (relay.c's "++stats_n_relay_cells_delivered").
func (c *Counters) DeliveredOne() {
	c.CellsDelivered.Add(1)
}

// Heartbeat is the periodic summary reported by the observability hook,
// grounded on status.c's log_heartbeat: uptime, open circuit count, and
// traffic counters in place of log_heartbeat's bandwidth strings.
type Heartbeat struct {
	Uptime         time.Duration
	CircuitsOpen   int
	CellsRelayed   uint64
	CellsDelivered uint64
	Pool           cell.Stats
}

// Log writes the heartbeat at INFO level, in the teacher's structured
// logging style (one event per line, fields as key/value pairs) rather
// than status.c's single formatted sentence.
func (h Heartbeat) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("heartbeat",
		"uptime", h.Uptime.Truncate(time.Second).String(),
		"circuits_open", h.CircuitsOpen,
		"cells_relayed", h.CellsRelayed,
		"cells_delivered", h.CellsDelivered,
		"pool_allocated", h.Pool.TotalAllocated,
		"pool_leaked", h.Pool.Leaked,
	)
}

// Snapshot reads the counters and the caller-supplied circuit count/pool
// stats into a Heartbeat ready to log.
func (c *Counters) Snapshot(started time.Time, circuitsOpen int, pool cell.Stats) Heartbeat {
	return Heartbeat{
		Uptime:         time.Since(started),
		CircuitsOpen:   circuitsOpen,
		CellsRelayed:   c.CellsRelayed.Load(),
		CellsDelivered: c.CellsDelivered.Load(),
		Pool:           pool,
	}
}
