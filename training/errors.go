package training

import "github.com/pkg/errors"

var (
	// ErrLengthMismatch signals a vector of unexpected length, e.g. a mask
	// layout that changed mid-run
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrScheduleMismatch signals a value table whose length is not
	// len(breakpoints)+1
	ErrScheduleMismatch = errors.New("schedule length mismatch")

	// ErrInvalidConfig signals a configuration that cannot be trained with
	ErrInvalidConfig = errors.New("invalid configuration")
)
