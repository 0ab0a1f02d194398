package engine

import (
	"context"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
)

// Backends resolves the backend a pass talks to.
// Implemented by rotation.Controller.
type Backends interface {
	// ActiveStore returns the active backend's id and an open store for it.
	ActiveStore(ctx context.Context) (string, remote.Store, error)

	// RecordOperation counts a read or write against a backend.
	RecordOperation(id string, class model.OpClass)
}
