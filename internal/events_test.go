package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBusDelivers(t *testing.T) {
	bus := NewEventBus(4)
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Publish(Event{Index: 3, ItemID: "clip_003", Ratio: 0.5, Readiness: Preloading})
	require.Equal(t, 3, (<-ch1).Index)
	require.Equal(t, 0.5, (<-ch2).Ratio)

	unsub1()
	unsub1()
	_, ok := <-ch1
	require.False(t, ok, "unsubscribed channel must be closed")
	require.Equal(t, 1, bus.Subscribers())

	bus.Publish(Event{Index: 4})
	require.Equal(t, 4, (<-ch2).Index)
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus(1)
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(Event{Index: 1})
	bus.Publish(Event{Index: 2})
	require.Equal(t, uint64(1), bus.Dropped())
	require.Equal(t, 1, (<-ch).Index)
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus(1)
	ch, unsub := bus.Subscribe()
	bus.Close()
	_, ok := <-ch
	require.False(t, ok)
	unsub()

	late, _ := bus.Subscribe()
	_, ok = <-late
	require.False(t, ok, "subscribing after close yields a closed channel")
	bus.Publish(Event{Index: 1})
}

func TestPositionStateOf(t *testing.T) {
	testCases := []struct {
		desc string
		in   ReadinessState
		want PositionState
	}{
		{desc: "preloading", in: Preloading, want: PositionPreloading},
		{desc: "preloaded", in: Preloaded, want: PositionPreloaded},
		{desc: "failed", in: Failed, want: PositionFailed},
		{desc: "released", in: Released, want: PositionReleased},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.want, positionStateOf(tc.in))
			require.Equal(t, tc.desc, tc.want.String())
		})
	}
}
