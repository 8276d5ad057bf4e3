package internal

import "errors"

// Error definitions for the feed playback engine
var (
	ErrPoolExhausted    = errors.New("decoder pool exhausted")
	ErrStaleBind        = errors.New("stale bind: position no longer focused")
	ErrPrepareFailed    = errors.New("source preparation failed")
	ErrSourceNotReady   = errors.New("source not ready")
	ErrNotLeased        = errors.New("no decoder leased for index")
	ErrEmptyCatalog     = errors.New("catalog has no items")
	ErrShutdown         = errors.New("engine is shut down")
	ErrNotStarted       = errors.New("engine is not started")
	ErrNoMovieBox       = errors.New("no moov box")
	ErrCodecUnavailable = errors.New("no codec instance available")
	ErrInvalidConfig    = errors.New("invalid engine config")
)
