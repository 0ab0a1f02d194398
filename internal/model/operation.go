package model

import "time"

// DefaultMaxRetries is the number of failed attempts after which an
// operation becomes permanently failed.
const DefaultMaxRetries = 3

// OpKind is the kind of local mutation recorded in the queue.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known mutation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpAdd, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OpState is the queue state of a SyncOperation.
//
//	pending -> retrying(n) -> synced
//	                       -> failed (n >= max retries)
type OpState string

const (
	StatePending  OpState = "pending"
	StateRetrying OpState = "retrying"
	StateSynced   OpState = "synced"
	StateFailed   OpState = "failed"
)

// Valid reports whether s is a known operation state.
func (s OpState) Valid() bool {
	switch s {
	case StatePending, StateRetrying, StateSynced, StateFailed:
		return true
	}
	return false
}

// Drainable reports whether an operation in state s is still eligible for a
// drain pass.
func (s OpState) Drainable() bool {
	return s == StatePending || s == StateRetrying
}

// SyncOperation is one queued local mutation awaiting remote application.
type SyncOperation struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	Kind       OpKind     `json:"kind"`
	Collection string     `json:"collection"`
	DocID      string     `json:"doc_id"`
	Payload    Fields     `json:"payload,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	State      OpState    `json:"state"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

// PermanentlyFailed reports whether the operation exhausted its retries.
func (op SyncOperation) PermanentlyFailed() bool {
	return op.State == StateFailed
}

// Failed returns the operation after one more failed attempt.
// The operation becomes permanently failed once RetryCount reaches
// maxRetries. A permanently failed or synced operation is returned unchanged.
func (op SyncOperation) Failed(errMsg string, maxRetries int) SyncOperation {
	if !op.State.Drainable() {
		return op
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	op.RetryCount++
	op.LastError = errMsg
	if op.RetryCount >= maxRetries {
		op.State = StateFailed
	} else {
		op.State = StateRetrying
	}
	return op
}

// Succeeded returns the operation marked as synced at the given time.
func (op SyncOperation) Succeeded(at time.Time) SyncOperation {
	if !op.State.Drainable() {
		return op
	}
	at = at.UTC()
	op.State = StateSynced
	op.SyncedAt = &at
	return op
}

// Validate checks the invariants a queued operation must satisfy before it
// is stored.
func (op SyncOperation) Validate() error {
	if !op.Kind.Valid() {
		return Errorf(CodeInvalidArgument, "unknown operation kind %q", op.Kind)
	}
	if op.Collection == "" {
		return Errorf(CodeInvalidArgument, "operation has no collection")
	}
	if op.DocID == "" {
		return Errorf(CodeInvalidArgument, "operation has no document id")
	}
	if op.Kind != OpDelete && op.Payload == nil {
		return Errorf(CodeInvalidArgument, "%s operation on %s/%s has no payload", op.Kind, op.Collection, op.DocID)
	}
	return nil
}

// QueueStats counts queued operations per state.
type QueueStats struct {
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
}

// Outstanding returns the number of operations still waiting to be applied.
func (s QueueStats) Outstanding() int {
	return s.Pending + s.Retrying
}
