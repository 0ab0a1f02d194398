// Package event is the typed event stream of the sync engine.
//
// Drain passes, bulk sync passes, backend rotation and connectivity
// transitions publish Events on a Bus. Every subscriber owns an unbounded
// mailbox, so Publish never blocks on a slow reader; a subscriber that stops
// reading only grows its own backlog.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ferry/internal/clock"
)

// Kind identifies what an event reports.
type Kind string

const (
	KindSyncStart    Kind = "sync_start"
	KindSyncProgress Kind = "sync_progress"
	KindSyncComplete Kind = "sync_complete"
	KindSyncError    Kind = "sync_error"
	KindRotation     Kind = "rotation"
	KindConnectivity Kind = "connectivity"
)

// Sources of sync events.
const (
	SourceDrain        = "drain"
	SourceBulk         = "bulk"
	SourceRotation     = "rotation"
	SourceConnectivity = "connectivity"
)

// Event is one published notification.
//
// Seq is strictly increasing per Bus. Data holds normalized values only
// (strings, numbers, bools, slices and maps) so events serialize the same
// way over JSON, canonical JSON and WebSocket.
type Event struct {
	Seq    int64          `json:"seq"`
	Kind   Kind           `json:"kind"`
	Source string         `json:"source"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data"`
}

// Bus fans events out to subscribers.
// The zero value is not usable; create with NewBus.
type Bus struct {
	clock  clock.Clock
	seq    *clock.Sequence
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the clock used to stamp events.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a bus with no subscribers.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		clock:  clock.System{},
		seq:    clock.NewSequenceAt(0),
		logger: slog.Default(),
		subs:   make(map[int64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.clock = clock.OrSystem(b.clock)
	return b
}

// Publish stamps and delivers an event to every current subscriber and
// returns it. Publishing on a closed bus stamps the event but delivers
// nothing.
func (b *Bus) Publish(kind Kind, source string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Stamped under the lock so delivery order matches Seq order.
	e := Event{
		Seq:    b.seq.Next(),
		Kind:   kind,
		Source: source,
		At:     b.clock.Now(),
		Data:   data,
	}
	if b.closed {
		return e
	}
	for _, s := range b.subs {
		s.box.put(e)
	}
	b.logger.Debug("event published",
		"seq", e.Seq,
		"kind", e.Kind,
		"source", e.Source,
		"subscribers", len(b.subs))
	return e
}

// Subscribe registers a new subscriber. Events published after Subscribe
// returns are delivered on the subscription's channel in Seq order.
// On a closed bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event)
	s := &Subscription{
		C:    ch,
		bus:  b,
		box:  newMailbox(),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.box.close()
		go s.box.pump(ch, s.done)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.box.pump(ch, s.done)
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops delivery of new events. Subscribers still receive what was
// already queued, then their channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.box.close()
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one subscriber's view of a Bus.
type Subscription struct {
	// C receives events. It is closed after Unsubscribe or Bus.Close.
	C <-chan Event

	id   int64
	bus  *Bus
	box  *mailbox
	done chan struct{}
	once sync.Once
}

// Unsubscribe detaches the subscription and closes C. Undelivered events
// are dropped. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		s.box.close()
		close(s.done)
	})
}

// detach removes the subscription from the bus but lets the pump deliver
// what is already queued before closing C.
func (s *Subscription) detach() {
	s.bus.remove(s.id)
	s.box.close()
}

// Backlog returns the number of events queued but not yet received.
func (s *Subscription) Backlog() int {
	return s.box.len()
}
