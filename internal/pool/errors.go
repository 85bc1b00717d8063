package pool

import "errors"

// Sentinel errors returned by the pool.
var (
	// ErrPoolExhausted is returned when the pool is saturated and no
	// connection could be freed within the pending-acquire timeout. It is
	// recoverable: the caller may retry or fail the request.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
)
