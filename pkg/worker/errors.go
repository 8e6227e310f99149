package worker

import "errors"

// Pool lifecycle and submission errors
var (
	ErrNilProcessor       = errors.New("worker: processor function cannot be nil")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrQueueFull          = errors.New("worker: queue full")
	ErrStopTimeout        = errors.New("worker: stop timeout, workers may be stuck")
)
