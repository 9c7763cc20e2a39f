package workload

import (
	"context"
	"fmt"
)

// Modulus is the fixed modulus range sums are reduced by.
const Modulus = 1_000_000

// MaxSieveLimit bounds the sieve allocation for CountPrimes.
const MaxSieveLimit = 100_000_000

// ctxCheckEvery is how many additions a range sum performs between
// cancellation checks.
const ctxCheckEvery = 1 << 16

// GCD returns the greatest common divisor of a and b using Euclid's
// algorithm. GCD(a, 0) is a.
func GCD(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// CountPrimes returns the number of primes in [2, limit] using a sieve of
// Eratosthenes. Limits below 2 yield 0.
func CountPrimes(limit int64) (int64, error) {
	if limit < 2 {
		return 0, nil
	}
	if limit > MaxSieveLimit {
		return 0, fmt.Errorf("%w: %d exceeds %d", ErrLimitTooLarge, limit, MaxSieveLimit)
	}

	composite := make([]bool, limit+1)
	var count int64
	for i := int64(2); i <= limit; i++ {
		if composite[i] {
			continue
		}
		count++
		for j := i * i; j <= limit; j += i {
			composite[j] = true
		}
	}
	return count, nil
}

// RangeSumMod returns the sum of the integers in [start, end] modulo
// Modulus. The accumulator is reduced after every addition. An empty range
// sums to 0.
func RangeSumMod(start, end int64) int64 {
	// A background context never cancels, so the error is always nil.
	sum, _ := rangeSumMod(context.Background(), start, end)
	return sum
}

// rangeSumMod is RangeSumMod with periodic cancellation checks so that a
// long chunk can be abandoned when its summation is torn down.
func rangeSumMod(ctx context.Context, start, end int64) (int64, error) {
	var acc int64
	var n int
	for i := start; i <= end; i++ {
		acc = mod(acc + mod(i))
		n++
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if i == end {
			// Guards against overflow of i when end is the maximum int64.
			break
		}
	}
	return acc, nil
}

// mod reduces v into [0, Modulus).
func mod(v int64) int64 {
	v %= Modulus
	if v < 0 {
		v += Modulus
	}
	return v
}
