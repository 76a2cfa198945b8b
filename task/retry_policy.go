package task

import (
	"math"
	"time"

	"github.com/davidroman0O/orca/pipeline"
)

// RetryPolicy describes how a polling task is re-invoked
type RetryPolicy struct {
	// Backoff is the fixed delay between RUNNING results
	Backoff time.Duration

	// Timeout is the total budget since the first invocation. Zero means no limit.
	Timeout time.Duration

	// DynamicBackoff, when set, replaces Backoff based on how long the task has been polling
	DynamicBackoff func(elapsed time.Duration) time.Duration
}

// BackoffFor returns the delay before the next invocation
func (p RetryPolicy) BackoffFor(elapsed time.Duration) time.Duration {
	if p.DynamicBackoff != nil {
		return p.DynamicBackoff(elapsed)
	}
	return p.Backoff
}

// NextDelay returns the backoff capped at the remaining time, so the last
// poll lands right before the timeout instead of after it.
func (p RetryPolicy) NextDelay(elapsed time.Duration) time.Duration {
	delay := p.BackoffFor(elapsed)
	if delay < 0 {
		delay = 0
	}
	if p.Timeout > 0 {
		remaining := p.Timeout - elapsed
		if remaining < 0 {
			remaining = 0
		}
		if delay > remaining {
			delay = remaining
		}
	}
	return delay
}

// TimedOut reports whether elapsed exceeds the timeout
func (p RetryPolicy) TimedOut(elapsed time.Duration) bool {
	return p.Timeout > 0 && elapsed > p.Timeout
}

// EffectiveTimeout applies a stage's stageTimeoutMs override to the policy timeout
func EffectiveTimeout(p RetryPolicy, stage *pipeline.Stage) RetryPolicy {
	if stage == nil {
		return p
	}
	if ms, ok := pipeline.ContextValue[int64](stage.Context, pipeline.KeyStageTimeoutMs); ok && ms > 0 {
		p.Timeout = time.Duration(ms) * time.Millisecond
	}
	return p
}

// ExponentialBackoff grows from initial by factor per elapsed initial period, capped at max
func ExponentialBackoff(initial, max time.Duration, factor float64) func(time.Duration) time.Duration {
	return func(elapsed time.Duration) time.Duration {
		if initial <= 0 {
			return 0
		}
		steps := float64(elapsed / initial)
		delay := float64(initial) * math.Pow(factor, steps)
		if max > 0 && (delay > float64(max) || math.IsInf(delay, 1)) {
			return max
		}
		return time.Duration(delay)
	}
}

// Step is one threshold of a stepped backoff
type Step struct {
	After   time.Duration
	Backoff time.Duration
}

// SteppedBackoff picks the backoff of the last step whose threshold elapsed has reached.
// Steps must be sorted by After; before the first threshold fallback is used.
func SteppedBackoff(fallback time.Duration, steps ...Step) func(time.Duration) time.Duration {
	return func(elapsed time.Duration) time.Duration {
		delay := fallback
		for _, s := range steps {
			if elapsed >= s.After {
				delay = s.Backoff
			}
		}
		return delay
	}
}
