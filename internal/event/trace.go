package event

import (
	"sync"
	"time"
)

// Trace renders events as plain maps for canonical JSON comparison.
// Timestamps are omitted; Seq carries the order.
func Trace(events []Event) []any {
	out := make([]any, len(events))
	for i, e := range events {
		out[i] = map[string]any{
			"seq":    e.Seq,
			"kind":   string(e.Kind),
			"source": e.Source,
			"data":   e.Data,
		}
	}
	return out
}

// Recorder collects every event published on a bus from the moment it is
// created until Stop.
type Recorder struct {
	sub  *Subscription
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
}

// Record subscribes to b and starts collecting.
func Record(b *Bus) *Recorder {
	r := &Recorder{sub: b.Subscribe(), done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	go func() {
		defer close(r.done)
		for e := range r.sub.C {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.cond.Broadcast()
			r.mu.Unlock()
		}
	}()
	return r
}

// Events returns a copy of the events collected so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the events collected so far.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// WaitFor blocks until an event satisfying match has been collected or the
// timeout elapses. It reports whether a match was seen.
func (r *Recorder) WaitFor(timeout time.Duration, match func(Event) bool) bool {
	deadline := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer deadline.Stop()

	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for _, e := range r.events {
			if match(e) {
				return true
			}
		}
		if time.Since(start) >= timeout {
			return false
		}
		r.cond.Wait()
	}
}

// Stop detaches from the bus and returns everything collected, including
// events that were still queued when Stop was called.
func (r *Recorder) Stop() []Event {
	r.sub.detach()
	<-r.done
	r.sub.Unsubscribe()
	return r.Events()
}
