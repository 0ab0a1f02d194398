package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/engine"
	"github.com/roach88/ferry/internal/event"
)

// calls records the order in which reconnect work ran.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeDrainer struct{ calls *calls }

func (d fakeDrainer) StartDrain(ctx context.Context) (engine.DrainResult, bool, error) {
	d.calls.add("drain")
	return engine.DrainResult{}, true, nil
}

type fakeSyncer struct{ calls *calls }

func (s fakeSyncer) PerformFullSync(ctx context.Context, force bool) (engine.BulkResult, error) {
	if force {
		s.calls.add("sync:force")
	} else {
		s.calls.add("sync")
	}
	return engine.BulkResult{Status: engine.BulkCompleted}, nil
}

type fakeProber struct{ down atomic.Bool }

func (p *fakeProber) Probe(ctx context.Context) error {
	if p.down.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func newMonitor(t *testing.T, cfg Config) (*Monitor, *calls, *fakeProber, *event.Recorder) {
	t.Helper()
	c := &calls{}
	p := &fakeProber{}
	bus := event.NewBus()
	rec := event.Record(bus)
	t.Cleanup(func() { rec.Stop() })
	m := New(p, fakeDrainer{c}, fakeSyncer{c}, bus, cfg)
	return m, c, p, rec
}

func TestReconnectDrainsThenSyncs(t *testing.T) {
	m, c, _, rec := newMonitor(t, Config{ResyncDelay: 20 * time.Millisecond, ReconnectedWindow: time.Hour})

	assert.True(t, m.Status().IsOnline)
	m.Signal(false)
	assert.Equal(t, Status{IsOnline: false, WasOffline: false, Since: m.Status().Since}, m.Status())
	assert.Empty(t, c.get(), "going offline starts no work")

	m.Signal(true)
	st := m.Status()
	assert.True(t, st.IsOnline)
	assert.True(t, st.WasOffline)

	m.Wait()
	assert.Equal(t, []string{"drain", "sync:force"}, c.get())

	events := rec.Stop()
	require.Len(t, events, 2)
	assert.Equal(t, event.KindConnectivity, events[0].Kind)
	assert.Equal(t, false, events[0].Data["online"])
	assert.Equal(t, true, events[1].Data["online"])
}

func TestRepeatedSignalIsNotATransition(t *testing.T) {
	m, c, _, _ := newMonitor(t, Config{})
	m.Signal(true)
	m.Signal(true)
	m.Wait()
	assert.Empty(t, c.get())
}

func TestWasOfflineClears(t *testing.T) {
	m, _, _, _ := newMonitor(t, Config{ReconnectedWindow: 20 * time.Millisecond})
	m.Signal(false)
	m.Signal(true)
	require.True(t, m.Status().WasOffline)

	require.Eventually(t, func() bool { return !m.Status().WasOffline }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Status().IsOnline)
	m.Wait()
}

func TestOfflineDuringResyncDelaySkipsSync(t *testing.T) {
	m, c, _, _ := newMonitor(t, Config{ResyncDelay: 50 * time.Millisecond})
	m.Signal(false)
	m.Signal(true)
	m.Signal(false)
	m.Wait()
	assert.Equal(t, []string{"drain"}, c.get())
}

func TestPollDrivesTransitions(t *testing.T) {
	m, c, p, _ := newMonitor(t, Config{PollInterval: 5 * time.Millisecond})

	p.down.Store(true)
	assert.False(t, m.Poll(context.Background()))
	assert.False(t, m.Online())

	p.down.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- m.Run(ctx) }()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, []string{"drain", "sync:force"}, c.get())
}
