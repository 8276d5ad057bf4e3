package internal

import (
	"fmt"
	"time"

	"github.com/zeebo/xxh3"
)

// FeedItem describes one entry of the feed catalog. It is never mutated
// after creation.
type FeedItem struct {
	ID           string
	SourceURI    string
	DurationHint time.Duration
}

// ItemKey identifies a FeedItem independently of the feed index it appears at.
type ItemKey uint64

// Key returns the identity of the item, derived from its ID and source URI.
func (it FeedItem) Key() ItemKey {
	return ItemKey(xxh3.HashString(it.ID + "\x00" + it.SourceURI))
}

func (it FeedItem) String() string {
	return fmt.Sprintf("%s (%s)", it.ID, it.SourceURI)
}

// Catalog is the finite list of items the feed wraps around.
type Catalog interface {
	// Lookup returns the item at raw position i, 0 <= i < Len().
	Lookup(i int) FeedItem
	// Len returns the number of items in the catalog.
	Len() int
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog []FeedItem

func (c StaticCatalog) Lookup(i int) FeedItem { return c[i] }

func (c StaticCatalog) Len() int { return len(c) }

// WrapIndex maps a feed index (possibly negative) onto [0, n).
func WrapIndex(index, n int) int {
	r := index % n
	if r < 0 {
		r += n
	}
	return r
}
