package notify

import "errors"

var (
	// ErrConflict reports a write that would duplicate a unique key.
	ErrConflict = errors.New("duplicate key")

	// ErrInvalidEvent reports a watermark event other than read or delivery.
	ErrInvalidEvent = errors.New("invalid task event")

	ErrInvalidArgument = errors.New("invalid argument")
)
