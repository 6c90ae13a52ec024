package sectorio

import (
	"errors"
	"fmt"

	"github.com/lsrcm/calkit/pkg/devices"
)

// RetryCount is how many times a single sector operation is attempted.
const RetryCount = 5

var ErrRetriesExhausted = errors.New("retries exhausted")

// Permanent reports whether err will not go away by trying again.
func Permanent(err error) bool {
	return errors.Is(err, devices.ErrOutOfRange) ||
		errors.Is(err, devices.ErrNotInitialized) ||
		errors.Is(err, devices.ErrReadOnly)
}

// Retry runs op until it succeeds or has been attempted bound times. A
// Permanent error is returned as is after the first attempt. report, if not
// nil, is called after every failed attempt; the retry policy itself never
// logs.
func Retry(bound int, op func() error, report func(attempt int, err error)) error {
	var last error
	for attempt := 1; attempt <= bound; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if report != nil {
			report(attempt, err)
		}
		if Permanent(err) {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, bound, last)
}
