package internal

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resumePositions remembers where playback of an item stopped, so that an
// item scrolled away from and back to continues instead of restarting.
type resumePositions struct {
	cache *lru.Cache[ItemKey, time.Duration]
}

func newResumePositions(size int) (*resumePositions, error) {
	c, err := lru.New[ItemKey, time.Duration](size)
	if err != nil {
		return nil, err
	}
	return &resumePositions{cache: c}, nil
}

// Remember stores pos for key. A zero position forgets the key.
func (r *resumePositions) Remember(key ItemKey, pos time.Duration) {
	if pos <= 0 {
		r.cache.Remove(key)
		return
	}
	r.cache.Add(key, pos)
}

// Lookup returns the stored position, or zero.
func (r *resumePositions) Lookup(key ItemKey) time.Duration {
	pos, _ := r.cache.Get(key)
	return pos
}

func (r *resumePositions) Forget(key ItemKey) {
	r.cache.Remove(key)
}

func (r *resumePositions) Len() int { return r.cache.Len() }
