package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Default polling bounds, in whole seconds.
const (
	DefaultMin = 45 * time.Second
	DefaultMax = 120 * time.Second
)

// Job is one unit of work; a returned error is logged and the loop continues.
type Job func(ctx context.Context) error

// Loop runs a job repeatedly, sleeping a random whole number of seconds in
// [Min, Max] between the end of one run and the start of the next, so runs
// never overlap.
type Loop struct {
	Min    time.Duration
	Max    time.Duration
	Logger *slog.Logger
	// Intn returns a uniform int in [0, n). Defaults to math/rand/v2.
	Intn func(n int) int
	// After is swapped in tests. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time
}

func NewLoop(minInterval, maxInterval time.Duration, logger *slog.Logger) (*Loop, error) {
	if minInterval < time.Second {
		return nil, fmt.Errorf("min interval %s must be at least 1s", minInterval)
	}
	if minInterval%time.Second != 0 || maxInterval%time.Second != 0 {
		return nil, fmt.Errorf("intervals must be whole seconds, got [%s, %s]", minInterval, maxInterval)
	}
	if maxInterval < minInterval {
		return nil, fmt.Errorf("max interval %s is below min interval %s", maxInterval, minInterval)
	}
	return &Loop{
		Min:    minInterval,
		Max:    maxInterval,
		Logger: logger,
		Intn:   rand.IntN,
		After:  time.After,
	}, nil
}

// NextInterval picks a uniformly random whole-second delay in [Min, Max].
func (l *Loop) NextInterval() time.Duration {
	lo := int(l.Min / time.Second)
	hi := int(l.Max / time.Second)
	return time.Duration(lo+l.Intn(hi-lo+1)) * time.Second
}

// Run executes job immediately and then after every interval until ctx is
// done. It returns ctx.Err().
func (l *Loop) Run(ctx context.Context, job Job) error {
	for run := 1; ; run++ {
		err := job(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.Logger.ErrorContext(ctx, "cycle failed", "run", run, "error", err)
		}
		wait := l.NextInterval()
		l.Logger.DebugContext(ctx, "next cycle scheduled", "interval", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.After(wait):
		}
	}
}
