package tailer

import (
	"sync/atomic"
	"time"
)

// Stats are point-in-time counters.
type Stats struct {
	Cycles           int64         `json:"cycles"`
	CycleErrors      int64         `json:"cycle_errors"`
	Fetched          int64         `json:"documents_fetched"`
	Emitted          int64         `json:"documents_emitted"`
	Skipped          int64         `json:"documents_skipped"`
	CheckpointWrites int64         `json:"checkpoint_writes"`
	Watched          int64         `json:"collections_watched"`
	Disabled         int64         `json:"collections_disabled"`
	IdleSleep        time.Duration `json:"idle_sleep"`
	LastCycle        time.Time     `json:"last_cycle"`
}

type counters struct {
	cycles           atomic.Int64
	cycleErrors      atomic.Int64
	fetched          atomic.Int64
	emitted          atomic.Int64
	skipped          atomic.Int64
	checkpointWrites atomic.Int64
	watched          atomic.Int64
	disabled         atomic.Int64
	idleSleep        atomic.Int64
	lastCycle        atomic.Int64
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Cycles:           c.cycles.Load(),
		CycleErrors:      c.cycleErrors.Load(),
		Fetched:          c.fetched.Load(),
		Emitted:          c.emitted.Load(),
		Skipped:          c.skipped.Load(),
		CheckpointWrites: c.checkpointWrites.Load(),
		Watched:          c.watched.Load(),
		Disabled:         c.disabled.Load(),
		IdleSleep:        time.Duration(c.idleSleep.Load()),
	}
	if ns := c.lastCycle.Load(); ns > 0 {
		s.LastCycle = time.Unix(0, ns).UTC()
	}
	return s
}
