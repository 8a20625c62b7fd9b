package workflow

import (
	"context"
	"time"
)

// RetryDefaults are the runner-wide retry knobs; a workflow's settings may
// override MaxAttempts and BaseDelay.
type RetryDefaults struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryDefaults returns the defaults used when none are configured.
func DefaultRetryDefaults() RetryDefaults {
	return RetryDefaults{
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 3,
	}
}

// RetrySchedule is the resolved retry plan for one compiled workflow.
type RetrySchedule struct {
	Policy      RetryPolicy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewRetrySchedule merges the workflow's settings over d.
func NewRetrySchedule(w *CompiledWorkflow, d RetryDefaults) RetrySchedule {
	s := RetrySchedule{
		Policy:      w.RetryPolicy,
		BaseDelay:   d.BaseDelay,
		MaxDelay:    d.MaxDelay,
		MaxAttempts: d.MaxAttempts,
	}
	if w.RetryMaxAttempts > 0 {
		s.MaxAttempts = w.RetryMaxAttempts
	}
	if w.RetryBaseDelayMs > 0 {
		s.BaseDelay = time.Duration(w.RetryBaseDelayMs) * time.Millisecond
	}
	if s.Policy == "" || s.Policy == RetryNone || s.MaxAttempts < 1 {
		s.Policy = RetryNone
		s.MaxAttempts = 1
	}
	return s
}

// Allows reports whether another attempt may follow the given number of
// attempts already made.
func (s RetrySchedule) Allows(attempts int) bool {
	return s.Policy != RetryNone && attempts < s.MaxAttempts
}

// Delay is the wait after the given failed attempt (1-based): constant for
// linear, base*2^(attempt-1) for exponential, capped at MaxDelay.
func (s RetrySchedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch s.Policy {
	case RetryLinear:
		d = s.BaseDelay
	case RetryExponential:
		d = s.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if s.MaxDelay > 0 && d >= s.MaxDelay {
				break
			}
		}
	default:
		return 0
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
