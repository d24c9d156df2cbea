package asyncproc

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by WithTimeout when the guarded call overruns its
// allotted duration.
var ErrTimeout = errors.New("asyncproc: timed out")

// WithTimeout calls fn, allowing it at most the given number of whole
// seconds. If fn finishes in time its result is returned unchanged;
// otherwise the zero value and ErrTimeout. Only the wait is bounded - the
// guarded call itself is not stopped, and whatever it eventually returns is
// discarded. Guards nest freely, since each call carries its own timer.
//
// Granularity is whole seconds; seconds must be at least 1.
func WithTimeout[T any](seconds int, fn func() (T, error)) (T, error) {
	var zero T
	if seconds < 1 {
		return zero, fmt.Errorf("asyncproc: timeout must be at least 1 second, got %d", seconds)
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val, err}
	}()

	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.val, res.err
	case <-timer.C:
		return zero, ErrTimeout
	}
}
