// Package clock provides the time sources used by the sync engine.
//
// Wall-clock time decides staleness, retention and rotation schedules and is
// injected through Clock so tests can control it. Sequence stamps published
// events with a strictly increasing number so subscribers can order them
// without relying on wall-clock resolution.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real UTC wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}

// OrSystem returns c, or the system clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}

// Sequence is a monotonic counter for event ordering.
// Safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequenceAt creates a sequence whose next value is start+1.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued sequence number.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
