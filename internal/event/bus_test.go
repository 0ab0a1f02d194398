package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/testutil"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C:
		require.True(t, ok, "subscription channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.Epoch)
	bus := NewBus(WithClock(clk))
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(KindSyncStart, SourceDrain, map[string]any{"total": 2})
	bus.Publish(KindSyncProgress, SourceDrain, map[string]any{"current": 1, "total": 2})
	bus.Publish(KindSyncComplete, SourceDrain, nil)

	first := receive(t, sub)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, KindSyncStart, first.Kind)
	assert.Equal(t, SourceDrain, first.Source)
	assert.Equal(t, testutil.Epoch, first.At)

	assert.Equal(t, int64(2), receive(t, sub).Seq)
	last := receive(t, sub)
	assert.Equal(t, KindSyncComplete, last.Kind)
	assert.NotNil(t, last.Data, "nil data becomes an empty map")
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe()
	defer slow.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(KindSyncProgress, SourceBulk, map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an unread subscription")
	}

	for i := 0; i < 1000; i++ {
		e := receive(t, slow)
		require.Equal(t, i, e.Data["i"])
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.Subscribers())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.Subscribers())

	bus.Publish(KindRotation, SourceRotation, nil)
	for range sub.C {
		t.Fatal("no events after unsubscribe")
	}
}

func TestCloseDeliversQueuedEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	bus.Publish(KindConnectivity, SourceConnectivity, map[string]any{"online": true})
	bus.Publish(KindConnectivity, SourceConnectivity, map[string]any{"online": false})
	bus.Close()
	bus.Close()

	var got []Event
	for e := range sub.C {
		got = append(got, e)
	}
	assert.Len(t, got, 2)

	late := bus.Subscribe()
	_, ok := <-late.C
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}

func TestSeqUniqueAcrossPublishers(t *testing.T) {
	bus := NewBus()
	rec := Record(bus)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(KindSyncProgress, SourceBulk, nil)
			}
		}()
	}
	wg.Wait()

	events := rec.Stop()
	require.Len(t, events, 400)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq, "delivery follows seq order")
	}
}

func TestRecorderWaitFor(t *testing.T) {
	bus := NewBus()
	rec := Record(bus)
	defer rec.Stop()

	go bus.Publish(KindSyncComplete, SourceBulk, map[string]any{"count": 3})

	ok := rec.WaitFor(2*time.Second, func(e Event) bool { return e.Kind == KindSyncComplete })
	assert.True(t, ok)
	assert.False(t, rec.WaitFor(20*time.Millisecond, func(e Event) bool { return e.Kind == KindRotation }))
	assert.Equal(t, []Kind{KindSyncComplete}, rec.Kinds())
}

func TestTrace(t *testing.T) {
	trace := Trace([]Event{{Seq: 1, Kind: KindSyncStart, Source: SourceDrain, Data: map[string]any{"total": 1}}})
	assert.Equal(t, []any{map[string]any{
		"seq":    int64(1),
		"kind":   "sync_start",
		"source": "drain",
		"data":   map[string]any{"total": 1},
	}}, trace)
}
