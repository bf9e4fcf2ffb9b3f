package metrics

import "sync/atomic"

// Tally counts succeeded and failed units of work for one run. Counters only
// go up. A Tally is created per run and passed to the components that do
// the work; it is safe for concurrent use.
type Tally struct {
	success   atomic.Int64
	failure   atomic.Int64
	collector *Collector
}

// NewTally creates a tally. collector may be nil.
func NewTally(collector *Collector) *Tally {
	return &Tally{collector: collector}
}

// Success records a succeeded unit of work.
func (t *Tally) Success() {
	t.success.Add(1)
	if t.collector != nil {
		t.collector.IncSuccess()
	}
}

// Failure records a failed unit of work.
func (t *Tally) Failure() {
	t.failure.Add(1)
	if t.collector != nil {
		t.collector.IncFailed()
	}
}

// Successes returns the number of succeeded units.
func (t *Tally) Successes() int64 {
	return t.success.Load()
}

// Failures returns the number of failed units.
func (t *Tally) Failures() int64 {
	return t.failure.Load()
}

// Collector returns the attached collector, or nil.
func (t *Tally) Collector() *Collector {
	return t.collector
}
