package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/chronicler-app/chronicler/events"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("dependency down")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
}

func TestOpensAfterExactlyNConsecutiveFailures(t *testing.T) {
	var set = NewSet(events.NewBus(), Options{ConsecutiveFailures: 3, ResetTimeout: time.Minute})
	var b = set.Get(LLM)

	failN(b, 2)
	// Still closed: the call is forwarded.
	var forwarded bool
	require.ErrorIs(t, b.Execute(func() error { forwarded = true; return errBoom }), errBoom)
	require.True(t, forwarded)

	// That was the third consecutive failure; now open.
	forwarded = false
	require.ErrorIs(t, b.Execute(func() error { forwarded = true; return nil }), ErrOpen)
	require.False(t, forwarded)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	var set = NewSet(events.NewBus(), Options{ConsecutiveFailures: 3, ResetTimeout: time.Minute})
	var b = set.Get(FastScraper)

	failN(b, 2)
	require.NoError(t, b.Execute(func() error { return nil }))
	failN(b, 2)

	// Two failures after a success: still closed.
	require.NoError(t, b.Execute(func() error { return nil }))
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	var set = NewSet(events.NewBus(), Options{ConsecutiveFailures: 2, ResetTimeout: 30 * time.Millisecond})
	var b = set.Get(Store)

	failN(b, 2)
	require.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Execute(func() error { return nil }))
	require.NoError(t, b.Execute(func() error { return nil }))
}

func TestHalfOpenProbeFailureReopensWithFreshTimer(t *testing.T) {
	var set = NewSet(events.NewBus(), Options{ConsecutiveFailures: 2, ResetTimeout: 30 * time.Millisecond})
	var b = set.Get(Store)

	failN(b, 2)
	time.Sleep(50 * time.Millisecond)

	// The single Half-Open probe fails: back to open immediately.
	require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	require.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)
}

func TestOpenEmitsBreakerEvent(t *testing.T) {
	var bus = events.NewBus()
	var ch, cancel = bus.Subscribe(events.KindBreaker)
	defer cancel()

	var set = NewSet(bus, Options{ConsecutiveFailures: 1, ResetTimeout: time.Minute})
	failN(set.Get(LLM), 1)

	select {
	case ev := <-ch:
		var payload = ev.Payload.(map[string]string)
		require.Equal(t, LLM, payload["breaker"])
		require.Equal(t, "open", payload["to"])
	case <-time.After(time.Second):
		t.Fatal("no breaker event published")
	}
}

func TestSnapshotReportsNextAttempt(t *testing.T) {
	var set = NewSet(events.NewBus(), Options{ConsecutiveFailures: 1, ResetTimeout: time.Minute})
	failN(set.Get(FastScraper), 1)

	var states = set.Snapshot()
	require.Len(t, states, 3)
	for _, st := range states {
		if st.Name == FastScraper {
			require.Equal(t, "open", st.State)
			require.False(t, st.NextAttempt.IsZero())
			require.True(t, set.Get(FastScraper).StuckOpen(st.NextAttempt.Add(time.Second)))
			return
		}
	}
	t.Fatal("fast_scraper state missing from snapshot")
}

func TestProbeForwardsDependencyCall(t *testing.T) {
	var set = NewSet(events.NewBus(), Options{ConsecutiveFailures: 1, ResetTimeout: 20 * time.Millisecond})
	var b = set.Get(LLM)
	failN(b, 1)

	// A failing probe reopens the breaker with a fresh timer.
	time.Sleep(40 * time.Millisecond)
	require.ErrorIs(t, b.Probe(func() error { return errBoom }), errBoom)
	require.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)

	// A successful probe closes it.
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, b.Probe(func() error { return nil }))
	require.NoError(t, b.Execute(func() error { return nil }))
}

// A probe must carry a real dependency call; there is no no-op reset.
func TestProbeRefusesNilCall(t *testing.T) {
	var set = NewSet(events.NewBus(), Options{})
	require.Error(t, set.Get(LLM).Probe(nil))
}
