package internal

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, cfg EngineConfig, catalog Catalog, loader *fakeLoader) (*FeedController, *fakeEngineFactory) {
	t.Helper()
	f := &fakeEngineFactory{}
	c, err := NewFeedController(cfg, catalog, loader, f, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c, f
}

// settle flushes the controller until cond holds for the published snapshot.
func settle(t *testing.T, c *FeedController, cond func(s *Snapshot) bool) *Snapshot {
	t.Helper()
	var s *Snapshot
	require.Eventually(t, func() bool {
		if err := c.Flush(context.Background()); err != nil {
			return false
		}
		s = c.Snapshot()
		return cond(s)
	}, 2*time.Second, time.Millisecond)
	return s
}

func allPreloaded(indices ...int) func(s *Snapshot) bool {
	return func(s *Snapshot) bool {
		for _, i := range indices {
			if s.States[i] != PositionPreloaded {
				return false
			}
		}
		return true
	}
}

func TestNewFeedControllerValidates(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.NumberOfPlayers = 0
	_, err := NewFeedController(cfg, testCatalog(3), newFakeLoader(), &fakeEngineFactory{}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewFeedController(DefaultEngineConfig(), StaticCatalog{}, newFakeLoader(), &fakeEngineFactory{}, nil)
	require.ErrorIs(t, err, ErrEmptyCatalog)
}

// Window starts at [0..4]. Moving to 4 extends the back edge with 5 and
// evicts 0. Only the focused index holds a decoder.
func TestControllerExtendsAtEdge(t *testing.T) {
	c, _ := newTestController(t, DefaultEngineConfig(), testCatalog(10), newFakeLoader())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, []int{0, 1, 2, 3, 4}, c.Snapshot().Window)

	require.NoError(t, c.SetPosition(4))
	s := settle(t, c, func(s *Snapshot) bool {
		return s.States[4] == Playing && allPreloaded(1, 2, 3, 5)(s)
	})
	require.Equal(t, []int{1, 2, 3, 4, 5}, s.Window)
	require.Equal(t, 5, s.Registered)
	require.Equal(t, []int{4}, s.Leased)
	require.Equal(t, 1, s.LiveHandles)
	for _, i := range []int{1, 2, 3, 5} {
		require.Equal(t, PositionPreloaded, s.States[i], "index %d", i)
	}
	_, ok := s.States[0]
	require.False(t, ok)

	// Reversing direction extends the front again.
	for _, i := range []int{3, 2, 1} {
		require.NoError(t, c.SetPosition(i))
	}
	s = settle(t, c, func(s *Snapshot) bool { return s.Focus == 1 && s.States[1] == Playing })
	require.Equal(t, []int{0, 1, 2, 3, 4}, s.Window)
	require.Equal(t, []int{1}, s.Leased, "previous focus leases are released")
	require.Equal(t, 4.0, testutil.ToFloat64(c.Metrics().PositionChanges))
}

// With no edge margin the window slides when focus steps one past either
// end, and a step back does not move it.
func TestControllerSlidesWithoutEdgeMargin(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.EdgeMargin = 0
	loader := newFakeLoader()
	c, _ := newTestController(t, cfg, testCatalog(20), loader)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))

	testCases := []struct {
		desc       string
		position   int
		wantWindow []int
	}{
		{desc: "last in window", position: 4, wantWindow: []int{0, 1, 2, 3, 4}},
		{desc: "one past the back", position: 5, wantWindow: []int{1, 2, 3, 4, 5}},
		{desc: "step back", position: 4, wantWindow: []int{1, 2, 3, 4, 5}},
		{desc: "one before the front", position: 0, wantWindow: []int{0, 1, 2, 3, 4}},
		{desc: "jump", position: 12, wantWindow: []int{12, 13, 14, 15, 16}},
	}
	for _, tc := range testCases {
		require.NoError(t, c.SetPosition(tc.position), tc.desc)
		require.NoError(t, c.Flush(ctx), tc.desc)
		require.Equal(t, tc.wantWindow, c.Snapshot().Window, tc.desc)
	}
	for _, id := range []string{"clip_001", "clip_004"} {
		require.Equal(t, 1, loader.openCount(id), "%s stays registered while sliding", id)
	}
}

func TestControllerNegativeIndexWraps(t *testing.T) {
	cat := testCatalog(4)
	loader := newFakeLoader()
	c, f := newTestController(t, DefaultEngineConfig(), cat, loader)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	require.NoError(t, c.SetPosition(0))
	s := settle(t, c, func(s *Snapshot) bool { return s.States[0] == Playing })
	require.Equal(t, []int{-1, 0, 1, 2, 3}, s.Window)
	require.Equal(t, 4, s.Registered, "index -1 and 3 share the last item")
	require.Equal(t, []string{"clip_000"}, f.allPlays())
	require.Equal(t, 1, loader.openCount("clip_003"))
}

func TestControllerWindowLargerThanCatalog(t *testing.T) {
	loader := newFakeLoader()
	c, _ := newTestController(t, DefaultEngineConfig(), testCatalog(3), loader)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	require.NoError(t, c.SetPosition(4))
	s := settle(t, c, func(s *Snapshot) bool { return s.States[4] == Playing })
	require.Equal(t, []int{1, 2, 3, 4, 5}, s.Window)
	require.Equal(t, 3, s.Registered)
	for _, id := range []string{"clip_000", "clip_001", "clip_002"} {
		require.Equal(t, 1, loader.openCount(id), "item %s shared across indices is prepared once", id)
	}
}

// Focus moves to 3 and then 4 before item 3 is ready. When item 3 becomes
// ready its bind is stale and nothing plays it.
func TestControllerDiscardsStaleBind(t *testing.T) {
	cat := testCatalog(10)
	loader := newFakeLoader()
	release3 := loader.gate("clip_003")
	release4 := loader.gate("clip_004")
	defer release3()
	defer release4()
	cfg := DefaultEngineConfig()
	cfg.EventBuffer = 1024
	c, f := newTestController(t, cfg, cat, loader)
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	settle(t, c, allPreloaded(0, 1, 2))

	require.NoError(t, c.SetPosition(3))
	require.NoError(t, c.SetPosition(4))
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 4, c.Snapshot().Focus)

	release3()
	s := settle(t, c, func(s *Snapshot) bool { return s.StaleBinds == 1 })
	require.Empty(t, f.allPlays())
	require.Equal(t, PositionPreloaded, s.States[3])

	release4()
	settle(t, c, func(s *Snapshot) bool { return s.States[4] == Playing })
	require.Equal(t, []string{"clip_004"}, f.allPlays())
	require.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().StaleBinds))

	var playing []int
	for len(events) > 0 {
		ev := <-events
		if ev.State == Playing {
			playing = append(playing, ev.Index)
		}
	}
	require.Equal(t, []int{4}, playing)
}

func TestControllerNeighbourViewAndResume(t *testing.T) {
	c, f := newTestController(t, DefaultEngineConfig(), testCatalog(10), newFakeLoader())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	settle(t, c, allPreloaded(0, 1))
	require.NoError(t, c.SetPosition(0))

	focused, err := c.OnFocusAcquired(ctx, 0)
	require.NoError(t, err)
	require.True(t, focused.Engine().Playing())

	next, err := c.OnFocusAcquired(ctx, 1)
	require.NoError(t, err)
	require.False(t, next.Engine().Playing(), "neighbour is bound paused")
	require.NotSame(t, focused, next)

	require.NoError(t, c.SetPosition(1))
	s := settle(t, c, func(s *Snapshot) bool { return s.States[1] == Playing })
	require.Equal(t, []int{1}, s.Leased)
	require.True(t, next.Engine().Playing(), "prepared neighbour plays without rebinding")
	require.Equal(t, []string{"clip_000", "clip_001"}, f.allPlays())

	// Releasing remembers the position; focusing again resumes from it.
	require.NoError(t, c.OnFocusReleased(1))
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 250*time.Millisecond, c.resume.Lookup(testCatalog(10)[1].Key()))
	require.NoError(t, c.SetPosition(1))
	settle(t, c, func(s *Snapshot) bool { return s.States[1] == Playing })
	var resumed bool
	for _, e := range f.engines {
		e.mu.Lock()
		if e.bound != nil && e.bound.Item.ID == "clip_001" && e.resume == 250*time.Millisecond {
			resumed = true
		}
		e.mu.Unlock()
	}
	require.True(t, resumed)
}

// A pool of two holds focus 1 and neighbour 0. Attaching the view for 2
// evicts the lease of 0, and subscribers are told that 0 lost its decoder.
func TestControllerEvictionPublishesRelease(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.NumberOfPlayers = 2
	cfg.EventBuffer = 1024
	c, f := newTestController(t, cfg, testCatalog(10), newFakeLoader())
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	settle(t, c, allPreloaded(0, 1, 2))
	require.NoError(t, c.SetPosition(1))
	settle(t, c, func(s *Snapshot) bool { return s.States[1] == Playing })

	h0, err := c.OnFocusAcquired(ctx, 0)
	require.NoError(t, err)
	evictedID := h0.Lease().ID

	h2, err := c.OnFocusAcquired(ctx, 2)
	require.NoError(t, err)
	require.Same(t, h0, h2, "the handle of 0 is reused for 2")
	require.Equal(t, 2, h2.Lease().Index)
	require.Equal(t, 2, f.created())
	require.NoError(t, c.Flush(ctx))
	s := c.Snapshot()
	require.Equal(t, []int{1, 2}, s.Leased)
	require.Equal(t, PositionPreloaded, s.States[0])
	require.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().PoolEvictions))

	var released []Event
	pausedAfterRelease := false
	for len(events) > 0 {
		ev := <-events
		switch {
		case ev.State == PositionReleased:
			released = append(released, ev)
		case ev.State == Paused && ev.Index == 2:
			pausedAfterRelease = len(released) > 0
		}
	}
	require.Len(t, released, 1)
	require.Equal(t, 0, released[0].Index)
	require.Equal(t, "clip_000", released[0].ItemID)
	require.Equal(t, evictedID, released[0].LeaseID)
	require.True(t, pausedAfterRelease, "release of 0 comes before 2 is bound")
}

func TestControllerEventsCarryLeaseID(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.EventBuffer = 1024
	c, _ := newTestController(t, cfg, testCatalog(10), newFakeLoader())
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	settle(t, c, allPreloaded(0, 1))
	require.NoError(t, c.SetPosition(0))
	settle(t, c, func(s *Snapshot) bool { return s.States[0] == Playing })

	focused, err := c.OnFocusAcquired(ctx, 0)
	require.NoError(t, err)
	next, err := c.OnFocusAcquired(ctx, 1)
	require.NoError(t, err)
	focusedID, nextID := focused.Lease().ID, next.Lease().ID
	require.NotEqual(t, focusedID, nextID)
	require.NoError(t, c.OnFocusReleased(1))
	require.NoError(t, c.Flush(ctx))

	got := map[PositionState]uuid.UUID{}
	for len(events) > 0 {
		ev := <-events
		switch {
		case ev.State == Playing && ev.Index == 0,
			ev.State == Paused && ev.Index == 1,
			ev.State == PositionReleased && ev.Index == 1:
			got[ev.State] = ev.LeaseID
		case ev.State == PositionPreloading, ev.State == PositionPreloaded:
			require.Equal(t, uuid.Nil, ev.LeaseID, "readiness events carry no lease")
		}
	}
	require.Equal(t, focusedID, got[Playing])
	require.Equal(t, nextID, got[Paused])
	require.Equal(t, nextID, got[PositionReleased])
}

func TestControllerFocusAcquiredBeforeReady(t *testing.T) {
	loader := newFakeLoader()
	release := loader.gate("clip_000")
	defer release()
	c, _ := newTestController(t, DefaultEngineConfig(), testCatalog(10), loader)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))

	h, err := c.OnFocusAcquired(ctx, 0)
	require.ErrorIs(t, err, ErrSourceNotReady)
	require.Nil(t, h)
	_, err = c.OnFocusAcquired(ctx, 42)
	require.ErrorIs(t, err, ErrSourceNotReady)
	require.NoError(t, c.SetPosition(0))
	release()
	settle(t, c, func(s *Snapshot) bool { return s.States[0] == Playing })
}

func TestControllerFailedItemIsSkipped(t *testing.T) {
	testCases := []struct {
		desc      string
		failures  int
		wantState PositionState
	}{
		{desc: "recovers on retry", failures: 1, wantState: Playing},
		{desc: "fails again", failures: 2, wantState: PositionFailed},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			loader := newFakeLoader()
			loader.failTimes("clip_002", tc.failures)
			cfg := DefaultEngineConfig()
			cfg.EventBuffer = 1024
			c, _ := newTestController(t, cfg, testCatalog(10), loader)
			events, unsubscribe := c.Subscribe()
			defer unsubscribe()
			ctx := context.Background()
			require.NoError(t, c.Start(ctx, 0))
			settle(t, c, func(s *Snapshot) bool { return s.States[2] == PositionFailed })

			require.NoError(t, c.SetPosition(1))
			require.NoError(t, c.SetPosition(2))
			settle(t, c, func(s *Snapshot) bool { return s.States[2] == tc.wantState })
			require.Equal(t, 2, loader.openCount("clip_002"))

			if tc.wantState == PositionFailed {
				var failed bool
				for len(events) > 0 {
					ev := <-events
					if ev.Index == 2 && ev.State == PositionFailed && ev.Err != nil {
						require.ErrorIs(t, ev.Err, ErrPrepareFailed)
						failed = true
					}
				}
				require.True(t, failed)
			}

			// Neighbours are unaffected.
			require.NoError(t, c.SetPosition(3))
			settle(t, c, func(s *Snapshot) bool { return s.States[3] == Playing })
		})
	}
}

func TestControllerBounds(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.NumberOfPlayers = 3
	cfg.ManagedItemCount = 7
	cfg.EdgeMargin = 2
	c, f := newTestController(t, cfg, testCatalog(12), newFakeLoader())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))

	rng := rand.New(rand.NewPCG(1, 2))
	pos := 0
	for step := 0; step < 200; step++ {
		switch rng.IntN(10) {
		case 0:
			pos += rng.IntN(100) - 50
		case 1, 2, 3:
			pos--
		default:
			pos++
		}
		require.NoError(t, c.SetPosition(pos))
		if step%3 == 0 {
			_, _ = c.OnFocusAcquired(ctx, pos+1)
			_, _ = c.OnFocusAcquired(ctx, pos-1)
		}
		require.NoError(t, c.Flush(ctx))
		s := c.Snapshot()
		require.LessOrEqual(t, len(s.Leased), cfg.NumberOfPlayers)
		require.LessOrEqual(t, s.LiveHandles, cfg.NumberOfPlayers)
		require.LessOrEqual(t, s.Registered, cfg.ManagedItemCount)
		require.Len(t, s.Window, cfg.ManagedItemCount)
		require.True(t, slices.Contains(s.Window, pos))
	}
	require.LessOrEqual(t, f.created(), cfg.NumberOfPlayers)
}

func TestControllerShutdown(t *testing.T) {
	c, f := newTestController(t, DefaultEngineConfig(), testCatalog(10), newFakeLoader())
	events, _ := c.Subscribe()
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, 0))
	require.NoError(t, c.SetPosition(0))
	settle(t, c, func(s *Snapshot) bool { return s.States[0] == Playing })

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	for range events {
	}
	for _, e := range f.engines {
		require.True(t, e.released)
	}
	s := c.Snapshot()
	require.Empty(t, s.Leased)
	require.Zero(t, s.Registered)
	require.ErrorIs(t, c.SetPosition(1), ErrShutdown)
	require.ErrorIs(t, c.Flush(ctx), ErrShutdown)
	require.ErrorIs(t, c.Start(ctx, 0), ErrShutdown)
}

func TestControllerCallsBeforeStart(t *testing.T) {
	c, _ := newTestController(t, DefaultEngineConfig(), testCatalog(3), newFakeLoader())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.ErrorIs(t, c.SetPosition(0), ErrNotStarted)
	require.ErrorIs(t, c.OnFocusReleased(0), ErrNotStarted)
	require.ErrorIs(t, c.Flush(ctx), ErrNotStarted)
	h, err := c.OnFocusAcquired(ctx, 0)
	require.ErrorIs(t, err, ErrNotStarted)
	require.Nil(t, h)
	require.NoError(t, ctx.Err(), "calls return without waiting for the context")

	require.NoError(t, c.Start(ctx, 0))
	require.NoError(t, c.SetPosition(0))
	require.NoError(t, c.Flush(ctx))
}

func TestControllerShutdownBeforeStart(t *testing.T) {
	c, _ := newTestController(t, DefaultEngineConfig(), testCatalog(3), newFakeLoader())
	require.NoError(t, c.Shutdown())
	require.ErrorIs(t, c.SetPosition(0), ErrShutdown)
	require.ErrorIs(t, c.Start(context.Background(), 0), ErrShutdown)
}
