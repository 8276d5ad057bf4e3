package internal

// ItemWindowCache maps feed indices to catalog items for a sliding window
// around the most recently accessed index.
//
// Eviction happens on insertion only: a miss at index i drops the entries at
// i-lCacheSize-1 and i+rCacheSize+1, so the cache stays bounded while
// scrolling is close to monotonic. Jumps can leave entries behind that are
// never evicted; the cache is not an LRU.
//
// Not safe for concurrent use; the playback loop is the only caller.
type ItemWindowCache struct {
	catalog    Catalog
	lCacheSize int
	rCacheSize int
	entries    map[int]FeedItem
}

// NewItemWindowCache creates a window cache over catalog.
func NewItemWindowCache(catalog Catalog, lCacheSize, rCacheSize int) (*ItemWindowCache, error) {
	if catalog == nil || catalog.Len() == 0 {
		return nil, ErrEmptyCatalog
	}
	return &ItemWindowCache{
		catalog:    catalog,
		lCacheSize: lCacheSize,
		rCacheSize: rCacheSize,
		entries:    make(map[int]FeedItem, lCacheSize+rCacheSize+1),
	}, nil
}

// Get returns the item at feed index. Any integer is valid.
func (c *ItemWindowCache) Get(index int) FeedItem {
	if item, ok := c.entries[index]; ok {
		return item
	}
	item := c.catalog.Lookup(WrapIndex(index, c.catalog.Len()))
	c.entries[index] = item
	delete(c.entries, index-c.lCacheSize-1)
	delete(c.entries, index+c.rCacheSize+1)
	return item
}

// GetRange returns the items for the feed indices [from, to).
func (c *ItemWindowCache) GetRange(from, to int) []FeedItem {
	if to <= from {
		return nil
	}
	items := make([]FeedItem, 0, to-from)
	for i := from; i < to; i++ {
		items = append(items, c.Get(i))
	}
	return items
}

// Len returns the number of cached entries.
func (c *ItemWindowCache) Len() int {
	return len(c.entries)
}

// CatalogLen returns the length of the underlying catalog.
func (c *ItemWindowCache) CatalogLen() int {
	return c.catalog.Len()
}
