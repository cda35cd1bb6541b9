package rawfile

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMarker is returned when the header/data boundary cannot be found.
	ErrNoMarker = errors.New("could not find binary data marker")
	// ErrBadHeader is returned when required header fields are missing or inconsistent.
	ErrBadHeader = errors.New("could not parse raw file header")
	// ErrTruncated is returned when a fixed-layout binary region is shorter than declared.
	ErrTruncated = errors.New("binary data too short")
	// ErrNoData is returned when a variable-length body holds no complete point.
	ErrNoData = errors.New("no data points in raw file")
)

// DecodeError wraps a failure to decode a raw artifact.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s raw file: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(format Format, err error) error {
	return &DecodeError{Format: format, Err: err}
}
