package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ReadinessState is the preparation state of a PreloadedSource.
type ReadinessState int

const (
	Preloading ReadinessState = iota
	Preloaded
	Failed
	Released
)

func (s ReadinessState) String() string {
	switch s {
	case Preloading:
		return "preloading"
	case Preloaded:
		return "preloaded"
	case Failed:
		return "failed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// PreloadedSource is a prepared, not yet playing, media source for one feed item.
// It is owned by the SourceRegistry and only touched from the playback loop.
type PreloadedSource struct {
	Item FeedItem
	Key  ItemKey

	state    ReadinessState
	media    Media
	duration time.Duration
	buffered time.Duration
	target   time.Duration
	err      error
	retries  int

	// indices are the managed feed indices currently referencing this item.
	indices map[int]struct{}

	// cancel aborts the prepare or buffer job currently running for this source.
	cancel context.CancelFunc
}

// State returns the readiness state.
func (s *PreloadedSource) State() ReadinessState { return s.state }

// Buffered returns how much media from the start has been loaded.
func (s *PreloadedSource) Buffered() time.Duration { return s.buffered }

// Duration returns the probed media duration, or the catalog hint before probing.
func (s *PreloadedSource) Duration() time.Duration {
	if s.duration > 0 {
		return s.duration
	}
	return s.Item.DurationHint
}

// Err returns the preparation error of a failed source.
func (s *PreloadedSource) Err() error { return s.err }

// Media returns the loaded media, nil unless the source is Preloaded.
func (s *PreloadedSource) Media() Media { return s.media }

// Ratio reports buffering progress towards the current preload target in [0, 1].
func (s *PreloadedSource) Ratio() float64 {
	switch {
	case s.state == Failed || s.state == Released:
		return 0
	case s.target <= 0:
		if s.state == Preloaded {
			return 1
		}
		return 0
	case s.buffered >= s.target:
		return 1
	default:
		return float64(s.buffered) / float64(s.target)
	}
}

// nearestDistance returns the smallest distance between current and any index
// referencing the source.
func (s *PreloadedSource) nearestDistance(current int) int {
	best := -1
	for idx := range s.indices {
		d := abs(idx - current)
		if best < 0 || d < best {
			best = d
		}
	}
	return best
}

// PreloadTier is one row of the preload table. Items at most MaxDistance
// positions from the focused index are buffered up to Target.
type PreloadTier struct {
	MaxDistance int
	Target      time.Duration
}

type preloadTierJSON struct {
	MaxDistance int   `json:"maxDistance"`
	TargetMS    int64 `json:"targetMs"`
}

func (t PreloadTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(preloadTierJSON{MaxDistance: t.MaxDistance, TargetMS: t.Target.Milliseconds()})
}

func (t *PreloadTier) UnmarshalJSON(data []byte) error {
	var v preloadTierJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	t.MaxDistance = v.MaxDistance
	t.Target = time.Duration(v.TargetMS) * time.Millisecond
	return nil
}

// PreloadStatus is the outcome of the priority function for one index.
type PreloadStatus struct {
	// Idle means the item stays registered but nothing is buffered ahead of time.
	Idle   bool
	Target time.Duration
}

// PreloadPolicy maps the distance from the focused index to a PreloadStatus.
type PreloadPolicy struct {
	tiers []PreloadTier
}

// NewPreloadPolicy validates the tier table. Tiers must be sorted by
// increasing MaxDistance and their targets must never grow with distance.
func NewPreloadPolicy(tiers []PreloadTier) (*PreloadPolicy, error) {
	for i, t := range tiers {
		if t.MaxDistance < 0 || t.Target <= 0 {
			return nil, fmt.Errorf("tier %d: maxDistance must be >= 0 and target > 0", i)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.MaxDistance <= prev.MaxDistance {
			return nil, fmt.Errorf("tier %d: maxDistance %d not increasing", i, t.MaxDistance)
		}
		if t.Target > prev.Target {
			return nil, fmt.Errorf("tier %d: target %v larger than closer tier %v", i, t.Target, prev.Target)
		}
	}
	cp := make([]PreloadTier, len(tiers))
	copy(cp, tiers)
	return &PreloadPolicy{tiers: cp}, nil
}

// Priority returns the preload status of index given the focused position.
func (p *PreloadPolicy) Priority(index, current int) PreloadStatus {
	return p.forDistance(abs(index - current))
}

func (p *PreloadPolicy) forDistance(d int) PreloadStatus {
	if d < 0 {
		return PreloadStatus{Idle: true}
	}
	for _, t := range p.tiers {
		if d <= t.MaxDistance {
			return PreloadStatus{Target: t.Target}
		}
	}
	return PreloadStatus{Idle: true}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
