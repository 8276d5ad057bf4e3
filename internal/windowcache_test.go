package internal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCatalog(n int) StaticCatalog {
	items := make(StaticCatalog, n)
	for i := range items {
		items[i] = FeedItem{
			ID:        fmt.Sprintf("clip_%03d", i),
			SourceURI: fmt.Sprintf("file:///content/clip_%03d.mp4", i),
		}
	}
	return items
}

func TestItemWindowCache_EmptyCatalog(t *testing.T) {
	_, err := NewItemWindowCache(StaticCatalog{}, 2, 2)
	require.ErrorIs(t, err, ErrEmptyCatalog)
}

func TestItemWindowCache_Wraparound(t *testing.T) {
	cat := testCatalog(4)
	wc, err := NewItemWindowCache(cat, 2, 2)
	require.NoError(t, err)

	testCases := []struct {
		desc  string
		index int
		want  int
	}{
		{desc: "first", index: 0, want: 0},
		{desc: "last", index: 3, want: 3},
		{desc: "N wraps to 0", index: 4, want: 0},
		{desc: "far positive", index: 4*10 + 2, want: 2},
		{desc: "minus one", index: -1, want: 3},
		{desc: "far negative", index: -9, want: 3},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, cat[tc.want], wc.Get(tc.index))
		})
	}
	require.Equal(t, wc.Get(0), wc.Get(cat.Len()))
}

func TestItemWindowCache_RepeatedGetIsStable(t *testing.T) {
	wc, err := NewItemWindowCache(testCatalog(10), 2, 2)
	require.NoError(t, err)
	first := wc.Get(5)
	require.Equal(t, 1, wc.Len())
	second := wc.Get(5)
	require.Equal(t, first, second)
	require.Equal(t, 1, wc.Len())
}

func TestItemWindowCache_EvictsBoundaryOnInsert(t *testing.T) {
	wc, err := NewItemWindowCache(testCatalog(100), 2, 3)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		wc.Get(i)
		require.LessOrEqual(t, wc.Len(), 2+3+1, "window exceeded after Get(%d)", i)
	}
	_, ok := wc.entries[19-2-1]
	require.False(t, ok, "left boundary should be evicted")
	_, ok = wc.entries[17]
	require.True(t, ok)

	// Scrolling backwards evicts on the right.
	for i := 19; i >= 0; i-- {
		wc.Get(i)
	}
	_, ok = wc.entries[0+3+1]
	require.False(t, ok, "right boundary should be evicted")
	require.LessOrEqual(t, wc.Len(), 2+3+1)
}

func TestItemWindowCache_JumpUnderEvicts(t *testing.T) {
	wc, err := NewItemWindowCache(testCatalog(100), 1, 1)
	require.NoError(t, err)
	wc.Get(0)
	wc.Get(50)
	// Index 0 is outside the window but only boundary entries are evicted.
	_, ok := wc.entries[0]
	require.True(t, ok)
	require.Equal(t, 2, wc.Len())
}

func TestItemWindowCache_GetRange(t *testing.T) {
	cat := testCatalog(3)
	wc, err := NewItemWindowCache(cat, 5, 5)
	require.NoError(t, err)

	items := wc.GetRange(-1, 4)
	require.Equal(t, []FeedItem{cat[2], cat[0], cat[1], cat[2], cat[0]}, items)
	require.Empty(t, wc.GetRange(3, 3))
	require.Empty(t, wc.GetRange(4, 1))
}
