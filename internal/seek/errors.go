package seek

import (
	"errors"
	"fmt"
)

var (
	// ErrSeekUnavailable is returned when the duration of the stream could
	// not be established. Seeking is impossible for the stream.
	ErrSeekUnavailable = errors.New("seek: seek information unavailable")

	// ErrNotLocated is returned when neither estimate lands within the
	// accepted error of the target.
	ErrNotLocated = errors.New("seek: position not located")
)

// HTTPStatusError is returned by a range read answered with a non-2xx
// status.
type HTTPStatusError struct {
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("seek: HTTP status %d", e.Status)
}
