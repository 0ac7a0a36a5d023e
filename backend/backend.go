// Package backend defines the compute capability the workflow engine
// schedules onto: submit a task with dependency futures, await a
// future. Implementations may run tasks across goroutines, processes
// or remote workers; the engine only relies on the dependency contract.
package backend

import "context"

// ComputeResources describes the compute available to a single task.
type ComputeResources struct {
	// CPUCount is the number of logical CPUs a task may use.
	CPUCount int `json:"cpu_count"`
	// GPUCount is the number of GPUs a task may use.
	GPUCount int `json:"gpu_count"`
}

// TaskFunc is a unit of work submitted to a backend. The resolved
// values of the task's dependency futures are passed in submission
// order. Task functions are total: they must catch every failure and
// encode it in their return value, never panic, because a backend
// cannot reliably propagate exceptions across worker boundaries.
type TaskFunc func(ctx context.Context, resources ComputeResources, dependencies []any) any

// Future is a handle on a submitted task's eventual result.
type Future interface {
	// Key returns the submission key of the task.
	Key() string
	// Done is closed once the task has finished.
	Done() <-chan struct{}
	// Result blocks until the task finishes or the context is
	// cancelled. The error is only non-nil for backend level failures
	// (cancellation, panics); task level failures are data in the
	// returned value.
	Result(ctx context.Context) (any, error)
}

// ComputeBackend schedules task functions with dependency ordering: a
// task function is only invoked once every dependency future passed at
// submission has resolved.
type ComputeBackend interface {
	// Start prepares the backend's workers, running any configured
	// bootstrap step.
	Start(ctx context.Context) error
	// Submit schedules a task behind its dependencies and returns its
	// future immediately.
	Submit(key string, task TaskFunc, dependencies ...Future) Future
	// Shutdown waits for all submitted tasks to finish.
	Shutdown(ctx context.Context) error
}
