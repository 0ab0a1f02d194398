package model

import "time"

// SessionKind identifies the kind of sync pass.
type SessionKind string

const (
	SessionDrain SessionKind = "drain"
	SessionBulk  SessionKind = "bulk"
)

// SyncSession tracks one running drain or bulk pass.
// It exists only while the pass runs and is frozen into the pass result.
type SyncSession struct {
	Kind             SessionKind `json:"kind"`
	StartedAt        time.Time   `json:"started_at"`
	TotalUnits       int         `json:"total_units"`
	CompletedUnits   int         `json:"completed_units"`
	CurrentUnitLabel string      `json:"current_unit_label,omitempty"`
	Errors           []string    `json:"errors"`
}

// NewSyncSession starts a session.
func NewSyncSession(kind SessionKind, startedAt time.Time, total int) *SyncSession {
	return &SyncSession{
		Kind:       kind,
		StartedAt:  startedAt.UTC(),
		TotalUnits: total,
		Errors:     make([]string, 0),
	}
}

// Begin marks the unit now being processed.
func (s *SyncSession) Begin(label string) {
	s.CurrentUnitLabel = label
}

// Done completes the current unit, recording err when non-nil.
func (s *SyncSession) Done(err error) {
	s.CompletedUnits++
	if err != nil {
		s.Errors = append(s.Errors, s.CurrentUnitLabel+": "+err.Error())
	}
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *SyncSession) Snapshot() SyncSession {
	c := *s
	c.Errors = append(make([]string, 0, len(s.Errors)), s.Errors...)
	return c
}

// SyncMarker is the persisted bulk sync status.
type SyncMarker struct {
	IsComplete bool      `json:"isComplete"`
	LastSyncAt time.Time `json:"lastSyncAt"`
	Errors     []string  `json:"errors"`
}

// Fresh reports whether a complete marker is younger than maxAge at now.
func (m SyncMarker) Fresh(now time.Time, maxAge time.Duration) bool {
	return m.IsComplete && !m.LastSyncAt.IsZero() && now.Sub(m.LastSyncAt) < maxAge
}
