package domain

import "errors"

// Persistence outcomes shared by every conversation store implementation.
var (
	ErrNotFound = errors.New("conversation not found")
	// ErrConflict means durable storage already holds a different turn at
	// the requested sequence number.
	ErrConflict = errors.New("conversation turn conflict")
	// ErrCorrupt means stored turns are not numbered 1..n without gaps.
	ErrCorrupt = errors.New("conversation history is not contiguous")
)
