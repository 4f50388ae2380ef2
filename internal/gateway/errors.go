package gateway

import "errors"

var (
	// ErrResourceExhausted means the identity pool has no free
	// (port, client id) pair left.
	ErrResourceExhausted = errors.New("gateway identity pool exhausted")

	// ErrNotConnected means the follower has no instance in the
	// connected state.
	ErrNotConnected = errors.New("no connected gateway instance for follower")
)
