package engine

import "errors"

var (
	ErrStopped     = errors.New("job engine stopped")
	ErrStopping    = errors.New("job engine stopping")
	ErrQueueFull   = errors.New("job engine queue full")
	ErrOverlapSkip = errors.New("job skipped due to overlap policy")
)
