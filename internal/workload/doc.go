// Package workload defines the computations a dispatched command runs on
// each iteration (gcd, prime counting, modular range summation, echo), the
// parallel summation engine that fans a range sum out to sub-workers, and
// the registry the execution engine resolves workloads from.
package workload
