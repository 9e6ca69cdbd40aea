// Package retry implements the retry driver (spec C4 / §4.2): it wraps a
// single synchronous backend call with bounded retry on TRY_AGAIN,
// translation of INVALID_ARG into a permanent ArgumentError, and either a
// deadline or a retry-count termination.
//
// Grounded on ap_common/apcfg.sendOp's close-reopen-retry loop around a
// single 0MQ round trip, generalized from a fixed retry count to the
// spec's two retry modes.
package retry

import (
	"fmt"
	"time"

	"vehiclehub/internal/brokererr"
	"vehiclehub/pkg/backend"
	"vehiclehub/pkg/propmodel"
)

// Mode selects how the driver decides to stop retrying.
type Mode int

// The two retry termination modes (spec §4.2).
const (
	// ModeDuration retries while elapsed < MaxDuration, sleeping
	// SleepBetween between attempts.
	ModeDuration Mode = iota
	// ModeCount retries until the attempt count reaches MaxRetries.
	ModeCount
)

// Driver wraps backend calls with the retry policy described in spec §4.2.
type Driver struct {
	Mode         Mode
	MaxDuration  time.Duration
	SleepBetween time.Duration
	MaxRetries   int

	// sleep is overridable by tests to avoid real delays.
	sleep func(time.Duration)
	// now is overridable by tests for deterministic duration-mode runs.
	now func() time.Time
}

// NewDuration returns a duration-mode driver that retries for up to
// maxDuration, sleeping sleepBetween between attempts.
func NewDuration(maxDuration, sleepBetween time.Duration) *Driver {
	return &Driver{
		Mode:         ModeDuration,
		MaxDuration:  maxDuration,
		SleepBetween: sleepBetween,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// NewCount returns a count-mode driver.
func NewCount(maxRetries int, sleepBetween time.Duration) *Driver {
	return &Driver{
		Mode:         ModeCount,
		MaxRetries:   maxRetries,
		SleepBetween: sleepBetween,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// GetCall performs a single backend.Get attempt. A nil value with a nil
// error signals "OK but no value", which Get converts to NOT_AVAILABLE
// (spec §4.2).
type GetCall func() (*propmodel.PropertyValue, error)

// SetCall performs a single backend.Set attempt.
type SetCall func() error

func classify(err error) (transient, permanent bool, wrapped error) {
	berr, ok := err.(*backend.Error)
	if !ok {
		return false, false, err
	}
	switch berr.Status {
	case backend.StatusTryAgain:
		return true, false, err
	case backend.StatusInvalidArg:
		return false, true, fmt.Errorf("%w: %v", brokererr.ErrArgument, err)
	default:
		return false, false, err
	}
}

// attemptLimitReached reports whether the driver should stop retrying,
// given the attempt number just completed (1-based) and the start time.
func (d *Driver) attemptLimitReached(attempt int, start time.Time) bool {
	if d.Mode == ModeCount {
		return attempt >= d.MaxRetries
	}
	return d.now().Sub(start) >= d.MaxDuration
}

// Get runs fn, retrying on TRY_AGAIN per the driver's mode, translating
// INVALID_ARG to a permanent ArgumentError, and converting an OK-but-empty
// result into NOT_AVAILABLE (spec §4.2 final paragraph).
func (d *Driver) Get(fn GetCall) (propmodel.PropertyValue, error) {
	start := d.now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		val, err := fn()
		if err == nil {
			if val == nil {
				return propmodel.PropertyValue{}, fmt.Errorf(
					"%w: %v", brokererr.ErrBackendPermanent,
					&backend.Error{Status: backend.StatusNotAvailable})
			}
			return *val, nil
		}

		transient, _, wrapped := classify(err)
		if !transient {
			return propmodel.PropertyValue{}, wrapped
		}

		lastErr = err
		if d.attemptLimitReached(attempt, start) {
			return propmodel.PropertyValue{}, fmt.Errorf("%w: %v", brokererr.ErrBackendTransient, lastErr)
		}
		d.sleep(d.SleepBetween)
	}
}

// Set runs fn with the same retry semantics as Get.
func (d *Driver) Set(fn SetCall) error {
	start := d.now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		transient, _, wrapped := classify(err)
		if !transient {
			return wrapped
		}

		lastErr = err
		if d.attemptLimitReached(attempt, start) {
			return fmt.Errorf("%w: %v", brokererr.ErrBackendTransient, lastErr)
		}
		d.sleep(d.SleepBetween)
	}
}
