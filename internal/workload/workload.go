package workload

import (
	"context"
	"errors"
)

var (
	// ErrBadArgument is returned when a workload receives missing or
	// malformed arguments.
	ErrBadArgument = errors.New("bad argument")

	// ErrLimitTooLarge is returned when a prime count limit exceeds MaxSieveLimit.
	ErrLimitTooLarge = errors.New("limit too large")

	// ErrInvalidParallelism is returned when the summation engine is asked
	// to run with fewer than one sub-worker.
	ErrInvalidParallelism = errors.New("invalid parallelism")
)

// Invocation carries the inputs of a single workload iteration.
type Invocation struct {
	Args        []string
	Parallelism int
}

// Workload is implemented by every command the engine can run. Run returns
// the single output line for one iteration.
type Workload interface {
	Run(ctx context.Context, inv Invocation) (string, error)
}

// Func adapts an ordinary function to the Workload interface.
type Func func(ctx context.Context, inv Invocation) (string, error)

// Run calls f(ctx, inv).
func (f Func) Run(ctx context.Context, inv Invocation) (string, error) {
	return f(ctx, inv)
}
