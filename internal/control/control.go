package control

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how long and how often the relay waits on the completion
// collaborator for a single inbound message.
type Policy struct {
	// Timeout applies to each completion attempt. Zero disables it.
	Timeout time.Duration
	// MaxWallTime bounds all attempts of one message together. Zero disables it.
	MaxWallTime time.Duration
	// MaxRetries is the number of extra attempts after the first.
	MaxRetries int
	// BackoffBase is the wait before the first retry; it doubles per retry.
	BackoffBase time.Duration
	// BackoffMax caps a single wait.
	BackoffMax time.Duration
}

// DefaultPolicy returns the default completion policy.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     60 * time.Second,
		MaxWallTime: 120 * time.Second,
		MaxRetries:  2,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// AttemptContext derives the context for one completion attempt.
func (p Policy) AttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

// Next decides what happens after `failed` attempts have failed, the first
// one having started at startedAt. It returns the wait before the next
// attempt, or an *ExhaustedError when the budget is spent.
func (p Policy) Next(failed int, startedAt, now time.Time) (time.Duration, error) {
	if failed > p.MaxRetries {
		return 0, &ExhaustedError{Budget: BudgetRetries, Attempts: failed, Elapsed: now.Sub(startedAt)}
	}
	wait := Backoff(p.BackoffBase, p.BackoffMax, failed)
	if p.MaxWallTime > 0 && now.Add(wait).Sub(startedAt) > p.MaxWallTime {
		return 0, &ExhaustedError{Budget: BudgetWallTime, Attempts: failed, Elapsed: now.Sub(startedAt)}
	}
	return wait, nil
}

// Budget names the limit that ended a retry sequence.
type Budget string

const (
	BudgetRetries  Budget = "retries"
	BudgetWallTime Budget = "wall_time"
)

// ExhaustedError reports that no further attempt will be made.
type ExhaustedError struct {
	Budget   Budget
	Attempts int
	Elapsed  time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s budget exhausted after %d attempt(s) in %s", e.Budget, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Backoff returns base doubled n-1 times, capped at ceiling. Zero base and
// ceiling default to one second and thirty units of base.
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if base <= 0 {
		base = time.Second
	}
	if ceiling <= 0 {
		ceiling = 30 * base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
