// Package sys probes the environment the server runs in: available parallelism,
// logical CPU count and memory page size. ApplyRuntimeLimits makes the Go runtime
// respect container CPU quotas and memory limits (via automaxprocs and automemlimit),
// so that worker pools sized by Parallelism match the CPU time the process actually gets.
package sys
