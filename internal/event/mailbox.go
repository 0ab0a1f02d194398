package event

import "sync"

// mailbox is an unbounded FIFO of events for one subscriber.
//
// Publishers append without blocking; a pump goroutine moves events onto the
// subscriber's channel. signal has a buffer of one so bursts of appends
// coalesce into a single wake-up.
type mailbox struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// put appends e. Returns false once the mailbox is closed.
func (m *mailbox) put(e Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.events = append(m.events, e)
	m.wake()
	return true
}

// take removes the front event.
// The second result reports whether an event was available; the third
// whether the mailbox is closed.
func (m *mailbox) take() (Event, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return Event{}, false, m.closed
	}
	e := m.events[0]
	// Clear the slot so the backing array does not pin event data.
	m.events[0] = Event{}
	if len(m.events) == 1 {
		m.events = m.events[:0]
	} else {
		m.events = m.events[1:]
	}
	return e, true, m.closed
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// close stops accepting events. Queued events are still delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// pump delivers events to out until the mailbox is closed and empty or done
// is closed. out is closed on return.
func (m *mailbox) pump(out chan<- Event, done <-chan struct{}) {
	defer close(out)
	for {
		e, ok, closed := m.take()
		if !ok {
			if closed {
				return
			}
			select {
			case <-m.signal:
				continue
			case <-done:
				return
			}
		}
		select {
		case out <- e:
		case <-done:
			return
		}
	}
}
