package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EngineConfig holds the sizing and policy knobs of the feed playback engine.
type EngineConfig struct {
	// NumberOfPlayers is the fixed size of the decoder pool.
	NumberOfPlayers int `json:"numberOfPlayers"`

	// ManagedItemCount caps the number of feed positions registered for preload.
	ManagedItemCount int `json:"managedItemCount"`

	// LookBehind and LookAhead bound the item window cache around the last accessed index.
	LookBehind int `json:"lookBehind"`
	LookAhead  int `json:"lookAhead"`

	// EdgeMargin is how close the focused index may get to either end of the
	// managed window before the window is extended in that direction.
	EdgeMargin int `json:"edgeMargin"`

	// Tiers is the distance-based preload table.
	Tiers []PreloadTier `json:"tiers"`

	// MaxPrepareRetries is how many times a failed source is re-prepared
	// when it becomes focused.
	MaxPrepareRetries int `json:"maxPrepareRetries"`

	// ResumeCacheSize bounds the number of remembered playback positions.
	ResumeCacheSize int `json:"resumeCacheSize"`

	// EventBuffer is the channel capacity of each event subscriber.
	EventBuffer int `json:"eventBuffer"`

	// ProgressEventsPerSecond throttles buffering progress events. 0 disables throttling.
	ProgressEventsPerSecond float64 `json:"progressEventsPerSecond"`
}

// DefaultTiers returns the default preload table: the focused item and its
// direct neighbours are buffered for one second, the items two steps away
// for half a second.
func DefaultTiers() []PreloadTier {
	return []PreloadTier{
		{MaxDistance: 0, Target: 1000 * time.Millisecond},
		{MaxDistance: 1, Target: 1000 * time.Millisecond},
		{MaxDistance: 2, Target: 500 * time.Millisecond},
	}
}

// DefaultEngineConfig returns a config with the defaults used by feedsim.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NumberOfPlayers:         5,
		ManagedItemCount:        5,
		LookBehind:              3,
		LookAhead:               7,
		EdgeMargin:              1,
		Tiers:                   DefaultTiers(),
		MaxPrepareRetries:       1,
		ResumeCacheSize:         64,
		EventBuffer:             64,
		ProgressEventsPerSecond: 20,
	}
}

// Validate checks that the config describes a usable engine.
func (c EngineConfig) Validate() error {
	if c.NumberOfPlayers < 1 {
		return fmt.Errorf("%w: numberOfPlayers must be at least 1, got %d", ErrInvalidConfig, c.NumberOfPlayers)
	}
	if c.EdgeMargin < 0 {
		return fmt.Errorf("%w: edgeMargin must not be negative", ErrInvalidConfig)
	}
	if c.ManagedItemCount < 2*c.EdgeMargin+1 {
		return fmt.Errorf("%w: managedItemCount %d too small for edgeMargin %d",
			ErrInvalidConfig, c.ManagedItemCount, c.EdgeMargin)
	}
	if c.LookBehind < 0 || c.LookAhead < 0 {
		return fmt.Errorf("%w: lookBehind and lookAhead must not be negative", ErrInvalidConfig)
	}
	if c.MaxPrepareRetries < 0 {
		return fmt.Errorf("%w: maxPrepareRetries must not be negative", ErrInvalidConfig)
	}
	if c.ResumeCacheSize < 1 {
		return fmt.Errorf("%w: resumeCacheSize must be at least 1", ErrInvalidConfig)
	}
	if c.EventBuffer < 0 || c.ProgressEventsPerSecond < 0 {
		return fmt.Errorf("%w: eventBuffer and progressEventsPerSecond must not be negative", ErrInvalidConfig)
	}
	if _, err := NewPreloadPolicy(c.Tiers); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LoadEngineConfig reads a JSON config file. Fields missing from the file
// keep their default values.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
