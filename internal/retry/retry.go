package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// MinJitteredDelay is the floor applied to jittered delays so a large
// negative offset can never produce a zero or negative sleep.
const MinJitteredDelay = time.Second

// OperationFunc is one attempt of a retried operation. It receives the
// 1-based attempt number and how many attempts remain after this one, so
// callers can log progress without tracking state themselves.
type OperationFunc func(attempt, remaining int) error

// IssueFunc is a single attempt with no attempt bookkeeping.
type IssueFunc func() error

// SleepFunc suspends between attempts. Injecting it lets tests and the
// scheduler substitute jittered or simulated clocks without touching the
// retry logic.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ErrorFunc is invoked once per failed attempt, before any sleep.
type ErrorFunc func(attempt int, err error)

type abortError struct {
	err error
}

func (a abortError) Error() string {
	return a.err.Error()
}

func (a abortError) Unwrap() error {
	return a.err
}

// Abort wraps err so the backoff loops return it immediately, skipping any
// remaining attempts. Used for failures that cannot succeed on retry, such
// as trust or configuration problems.
func Abort(err error) error {
	return abortError{err: err}
}

func unwrapAbort(err error) (error, bool) {
	var a abortError
	if errors.As(err, &a) {
		return a.err, true
	}
	return err, false
}

// Sleep is the real-time SleepFunc. It returns early with the context's
// error if the context is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithBackoff attempts op up to len(delays)+1 times, sleeping delays[k-1]
// after a failed attempt k. The error from the final attempt is returned.
func WithBackoff(ctx context.Context, delays []time.Duration, op OperationFunc) error {
	attempt := 0
	for {
		attempt++
		remaining := len(delays) - (attempt - 1)
		if remaining < 0 {
			remaining = 0
		}
		err := op(attempt, remaining)
		if err == nil {
			return nil
		}
		if inner, aborted := unwrapAbort(err); aborted {
			return inner
		}
		if attempt > len(delays) {
			return err
		}
		if sleepErr := Sleep(ctx, delays[attempt-1]); sleepErr != nil {
			return err
		}
	}
}

// WithBackoffAndSleep runs issue up to len(delays) attempts with the given
// sleep strategy between attempts, calling onError for every failure. An
// empty delay list means exactly one attempt. The last observed error is
// returned when all attempts fail.
func WithBackoffAndSleep(ctx context.Context, issue IssueFunc, sleep SleepFunc, onError ErrorFunc, delays []time.Duration) error {
	if len(delays) == 0 {
		err := issue()
		if err != nil {
			err, _ = unwrapAbort(err)
			if onError != nil {
				onError(1, err)
			}
		}
		return err
	}

	var lastErr error
	for i, delay := range delays {
		err := issue()
		if err == nil {
			return nil
		}
		if inner, aborted := unwrapAbort(err); aborted {
			if onError != nil {
				onError(i+1, inner)
			}
			return inner
		}
		if onError != nil {
			onError(i+1, err)
		}
		lastErr = err
		if i+1 < len(delays) {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return lastErr
			}
		}
	}

	return lastErr
}

// JitteredDelay spreads base by a wall-clock derived offset in
// [-jitter, +jitter], floored at MinJitteredDelay. Profiles that would
// otherwise wake simultaneously end up desynchronized.
func JitteredDelay(base, jitter time.Duration) time.Duration {
	return jitteredDelayAt(base, jitter, time.Now().UnixNano())
}

func jitteredDelayAt(base, jitter time.Duration, nowNanos int64) time.Duration {
	if jitter <= 0 {
		return base
	}

	jitterNanos := int64(jitter)
	if jitterNanos > (math.MaxInt64-1)/2 {
		jitterNanos = (math.MaxInt64 - 1) / 2
	}
	span := jitterNanos*2 + 1

	if nowNanos < 0 {
		nowNanos = 0
	}
	offset := nowNanos%span - jitterNanos

	adjusted := int64(base)
	if offset > 0 && adjusted > math.MaxInt64-offset {
		adjusted = math.MaxInt64
	} else {
		adjusted += offset
	}
	if adjusted < int64(MinJitteredDelay) {
		adjusted = int64(MinJitteredDelay)
	}
	return time.Duration(adjusted)
}
