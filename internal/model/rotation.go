package model

import "time"

// DefaultHistoryLimit bounds the rotation history.
const DefaultHistoryLimit = 50

// CollectionCopy reports replication of one collection.
type CollectionCopy struct {
	Name    string `json:"name"`
	Copied  int    `json:"copied"`
	Deleted int    `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// ReplicationResult reports a replicate call between two backends.
type ReplicationResult struct {
	From        string           `json:"from"`
	To          string           `json:"to"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Collections []CollectionCopy `json:"collections"`
}

// Copied returns the total number of documents written to the target.
func (r ReplicationResult) Copied() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Copied
	}
	return n
}

// Errors returns the per-collection failures.
func (r ReplicationResult) Errors() []string {
	errs := make([]string, 0)
	for _, c := range r.Collections {
		if c.Error != "" {
			errs = append(errs, c.Name+": "+c.Error)
		}
	}
	return errs
}

// OK reports whether every collection replicated.
func (r ReplicationResult) OK() bool {
	return len(r.Errors()) == 0
}

// RotationEntry is one audit record of an activation attempt.
type RotationEntry struct {
	From       string             `json:"from"`
	To         string             `json:"to"`
	At         time.Time          `json:"at"`
	Success    bool               `json:"success"`
	Reason     string             `json:"reason,omitempty"`
	SyncResult *ReplicationResult `json:"sync_result,omitempty"`
}

// RotationState is the persisted rotation schedule and history.
type RotationState struct {
	ActiveBackendID       string          `json:"active_backend_id"`
	LastRotationAt        *time.Time      `json:"last_rotation_at,omitempty"`
	NextRotationAt        *time.Time      `json:"next_rotation_at,omitempty"`
	RotationIntervalHours int             `json:"rotation_interval_hours"`
	AutoRotateEnabled     bool            `json:"auto_rotate_enabled"`
	History               []RotationEntry `json:"history"`
}

// AppendHistory adds an entry, keeping at most limit of the newest entries.
func (s *RotationState) AppendHistory(e RotationEntry, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.History = append(s.History, e)
	if over := len(s.History) - limit; over > 0 {
		s.History = append([]RotationEntry(nil), s.History[over:]...)
	}
}

// References reports whether any history entry names the backend.
func (s RotationState) References(id string) bool {
	for _, e := range s.History {
		if e.From == id || e.To == id {
			return true
		}
	}
	return false
}

// Due reports whether an automatic rotation should fire at now.
func (s RotationState) Due(now time.Time) bool {
	return s.AutoRotateEnabled && s.NextRotationAt != nil && !now.Before(*s.NextRotationAt)
}
