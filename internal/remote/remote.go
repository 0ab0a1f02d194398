// Package remote defines the collection-oriented document store the sync
// engine talks to, and its implementations.
//
// A Store is reached through a Factory from a model.Descriptor. Failures
// are classified with model error codes:
//   - model.ErrRemoteUnreachable for transport failures and timeouts
//   - model.ErrNotFound when Get or Update target a missing document
//
// Delete of a missing document succeeds.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/ferry/internal/model"
)

// DefaultTimeout bounds every remote call made through WithTimeout.
const DefaultTimeout = 15 * time.Second

// Store is one remote backend instance.
type Store interface {
	// List returns every document of a collection.
	List(ctx context.Context, collection string) ([]model.Document, error)

	// ListSince returns documents whose field holds a time at or after cutoff.
	// Documents without a readable time in field are skipped.
	ListSince(ctx context.Context, collection, field string, cutoff time.Time) ([]model.Document, error)

	// Get returns one document.
	Get(ctx context.Context, collection, id string) (model.Document, error)

	// Set creates or fully overwrites a document.
	Set(ctx context.Context, collection, id string, fields model.Fields) error

	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields model.Fields) error

	// Delete removes a document. Missing documents are not an error.
	Delete(ctx context.Context, collection, id string) error

	// Probe performs a trivial read to verify connectivity.
	Probe(ctx context.Context) error

	Close() error
}

// Factory opens stores from connection descriptors.
type Factory interface {
	Open(ctx context.Context, d model.Descriptor) (Store, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, d model.Descriptor) (Store, error)

// Open calls f.
func (f FactoryFunc) Open(ctx context.Context, d model.Descriptor) (Store, error) {
	return f(ctx, d)
}

// unreachable wraps a transport failure.
func unreachable(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	return model.Wrap(model.CodeRemoteUnreachable, err, format, args...)
}

// timeoutStore bounds every call with a deadline.
type timeoutStore struct {
	Store
	timeout time.Duration
}

// WithTimeout wraps s so every call runs under its own deadline. A call
// that exceeds it fails with model.ErrRemoteUnreachable.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutStore{Store: s, timeout: d}
}

func (t *timeoutStore) call(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.Wrap(model.CodeRemoteUnreachable, ctx.Err(), "%s timed out after %s", what, t.timeout)
	}
	return err
}

func (t *timeoutStore) List(ctx context.Context, collection string) (docs []model.Document, err error) {
	err = t.call(ctx, "list "+collection, func(ctx context.Context) error {
		docs, err = t.Store.List(ctx, collection)
		return err
	})
	return docs, err
}

func (t *timeoutStore) ListSince(ctx context.Context, collection, field string, cutoff time.Time) (docs []model.Document, err error) {
	err = t.call(ctx, "list "+collection, func(ctx context.Context) error {
		docs, err = t.Store.ListSince(ctx, collection, field, cutoff)
		return err
	})
	return docs, err
}

func (t *timeoutStore) Get(ctx context.Context, collection, id string) (doc model.Document, err error) {
	err = t.call(ctx, "get "+collection+"/"+id, func(ctx context.Context) error {
		doc, err = t.Store.Get(ctx, collection, id)
		return err
	})
	return doc, err
}

func (t *timeoutStore) Set(ctx context.Context, collection, id string, fields model.Fields) error {
	return t.call(ctx, "set "+collection+"/"+id, func(ctx context.Context) error {
		return t.Store.Set(ctx, collection, id, fields)
	})
}

func (t *timeoutStore) Update(ctx context.Context, collection, id string, fields model.Fields) error {
	return t.call(ctx, "update "+collection+"/"+id, func(ctx context.Context) error {
		return t.Store.Update(ctx, collection, id, fields)
	})
}

func (t *timeoutStore) Delete(ctx context.Context, collection, id string) error {
	return t.call(ctx, "delete "+collection+"/"+id, func(ctx context.Context) error {
		return t.Store.Delete(ctx, collection, id)
	})
}

func (t *timeoutStore) Probe(ctx context.Context) error {
	return t.call(ctx, "probe", t.Store.Probe)
}

// Pool keeps one open Store per descriptor.
// Safe for concurrent use.
type Pool struct {
	factory Factory
	timeout time.Duration

	mu     sync.Mutex
	stores map[string]Store
}

// NewPool creates a pool whose stores are wrapped WithTimeout(timeout).
func NewPool(factory Factory, timeout time.Duration) *Pool {
	return &Pool{factory: factory, timeout: timeout, stores: make(map[string]Store)}
}

// Get returns the open store for d, opening it on first use.
func (p *Pool) Get(ctx context.Context, d model.Descriptor) (Store, error) {
	key, err := model.DescriptorHash(d)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if s, ok := p.stores[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	// Opening may dial the network; keep it outside the lock.
	ctx, cancel := context.WithTimeout(ctx, p.timeoutOrDefault())
	defer cancel()
	s, err := p.factory.Open(ctx, d)
	if err != nil {
		return nil, unreachable(err, "open backend %s", d.ProjectID)
	}
	s = WithTimeout(s, p.timeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.stores[key]; ok {
		s.Close()
		return existing, nil
	}
	p.stores[key] = s
	return s, nil
}

// Evict closes and forgets the store for d, so the next Get reconnects.
func (p *Pool) Evict(d model.Descriptor) {
	key, err := model.DescriptorHash(d)
	if err != nil {
		return
	}
	p.mu.Lock()
	s, ok := p.stores[key]
	delete(p.stores, key)
	p.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close closes every open store.
func (p *Pool) Close() error {
	p.mu.Lock()
	stores := p.stores
	p.stores = make(map[string]Store)
	p.mu.Unlock()

	var errs []error
	for _, s := range stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) timeoutOrDefault() time.Duration {
	if p.timeout <= 0 {
		return DefaultTimeout
	}
	return p.timeout
}
