package worker

import (
	"errors"
	"fmt"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retriable: the job is dead-lettered without
// consuming the rest of its attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type rateLimitedError struct{ delay time.Duration }

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.delay)
}

// RateLimited asks the pool to put the job back after delay without counting an attempt.
func RateLimited(delay time.Duration) error { return &rateLimitedError{delay: delay} }

func releaseDelay(err error) (time.Duration, bool) {
	var r *rateLimitedError
	if errors.As(err, &r) {
		return r.delay, true
	}
	return 0, false
}

func IsRateLimited(err error) bool {
	_, ok := releaseDelay(err)
	return ok
}
