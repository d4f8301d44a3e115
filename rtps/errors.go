package rtps

import "errors"

var (
	// ErrShortBuffer is returned when a wire element is truncated.
	ErrShortBuffer = errors.New("rtps: short buffer")
	// ErrMalformed is returned when a wire element is internally inconsistent.
	ErrMalformed = errors.New("rtps: malformed")
)
