package sweep

import (
	"sync/atomic"
	"time"
)

// Collector tracks sweep outcome counters.
type Collector struct {
	walked      atomic.Int64
	staged      atomic.Int64
	softDeleted atomic.Int64
	hardDeleted atomic.Int64
	warned      atomic.Int64
	repaired    atomic.Int64
	corruptions atomic.Int64
	skipped     atomic.Int64
	startTime   time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Walked      int64
	Staged      int64
	SoftDeleted int64
	HardDeleted int64
	Warned      int64
	Repaired    int64
	Corruptions int64
	Skipped     int64
	Elapsed     time.Duration
}

func (c *Collector) AddWalked(n int64)      { c.walked.Add(n) }
func (c *Collector) AddStaged(n int64)      { c.staged.Add(n) }
func (c *Collector) AddSoftDeleted(n int64) { c.softDeleted.Add(n) }
func (c *Collector) AddHardDeleted(n int64) { c.hardDeleted.Add(n) }
func (c *Collector) AddWarned(n int64)      { c.warned.Add(n) }
func (c *Collector) AddRepaired(n int64)    { c.repaired.Add(n) }
func (c *Collector) AddCorruptions(n int64) { c.corruptions.Add(n) }
func (c *Collector) AddSkipped(n int64)     { c.skipped.Add(n) }

// Snapshot reads all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Walked:      c.walked.Load(),
		Staged:      c.staged.Load(),
		SoftDeleted: c.softDeleted.Load(),
		HardDeleted: c.hardDeleted.Load(),
		Warned:      c.warned.Load(),
		Repaired:    c.repaired.Load(),
		Corruptions: c.corruptions.Load(),
		Skipped:     c.skipped.Load(),
		Elapsed:     time.Since(c.startTime),
	}
}
