package workload

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/seantiz/jobrunner/internal/model"
)

// GCDWorkload reports the greatest common divisor of its two arguments.
var GCDWorkload = Func(func(_ context.Context, inv Invocation) (string, error) {
	if err := requireArgs(model.CommandGCD, inv.Args, 2); err != nil {
		return "", err
	}
	a, err := parseInt(inv.Args[0])
	if err != nil {
		return "", err
	}
	b, err := parseInt(inv.Args[1])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("GCD of %d and %d is %d", a, b, GCD(a, b)), nil
})

// PrimeWorkload reports the number of primes up to its argument.
var PrimeWorkload = Func(func(_ context.Context, inv Invocation) (string, error) {
	if err := requireArgs(model.CommandPrime, inv.Args, 1); err != nil {
		return "", err
	}
	n, err := parseInt(inv.Args[0])
	if err != nil {
		return "", err
	}
	count, err := CountPrimes(n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Count of primes up to %d is %d", n, count), nil
})

// SumWorkload reports the modular sum of [1, n]. With a parallelism of
// zero the range is summed inline; otherwise it is split across that many
// sub-workers.
var SumWorkload = Func(func(ctx context.Context, inv Invocation) (string, error) {
	if err := requireArgs(model.CommandSum, inv.Args, 1); err != nil {
		return "", err
	}
	n, err := parseInt(inv.Args[0])
	if err != nil {
		return "", err
	}

	var sum int64
	if inv.Parallelism == 0 {
		sum, err = rangeSumMod(ctx, 1, n)
	} else {
		sum, err = ParallelSum(ctx, n, inv.Parallelism)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Sum of numbers up to %d mod %d is %d", n, Modulus, sum), nil
})

// EchoWorkload repeats its arguments joined by single spaces.
var EchoWorkload = Func(func(_ context.Context, inv Invocation) (string, error) {
	return strings.Join(inv.Args, " "), nil
})

func requireArgs(cmd model.Command, args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("%w: %s needs %d argument(s), got %d", ErrBadArgument, cmd, n, len(args))
	}
	return nil
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrBadArgument, s)
	}
	return v, nil
}
