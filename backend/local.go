package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BootstrapFunc prepares a worker before it accepts tasks, e.g.
// registering protocol types. It runs once per worker at startup, never
// per task.
type BootstrapFunc func(resources ComputeResources) error

// LocalConfig configures a LocalBackend.
type LocalConfig struct {
	// Workers bounds the number of tasks executing concurrently.
	Workers int
	// Resources are handed to every task.
	Resources ComputeResources
	// Bootstrap runs at worker startup.
	Bootstrap BootstrapFunc
	// Logger receives per task debug logging. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// DefaultLocalConfig returns a single worker configuration with one
// CPU.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Workers:   1,
		Resources: ComputeResources{CPUCount: 1},
	}
}

// LocalBackend executes tasks on a bounded pool of goroutines within
// the current process. Dependency ordering is enforced by waiting on
// dependency futures before a task acquires a worker slot, so a blocked
// task never occupies a worker.
type LocalBackend struct {
	config  LocalConfig
	logger  *zap.Logger
	slots   *semaphore.Weighted
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
}

// NewLocalBackend creates a local backend from the given configuration.
func NewLocalBackend(config LocalConfig) *LocalBackend {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBackend{
		config: config,
		logger: logger.With(zap.String("component", "local_backend")),
		slots:  semaphore.NewWeighted(int64(config.Workers)),
	}
}

// Start runs the bootstrap step and readies the backend for
// submissions. The worker goroutines of a local backend share one
// process, so the bootstrap runs a single time.
func (b *LocalBackend) Start(ctx context.Context) error {
	if b.started.Swap(true) {
		return fmt.Errorf("backend already started")
	}

	if b.config.Bootstrap != nil {
		if err := b.config.Bootstrap(b.config.Resources); err != nil {
			return fmt.Errorf("worker bootstrap failed: %w", err)
		}
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.group = &errgroup.Group{}

	b.logger.Info("backend started",
		zap.Int("workers", b.config.Workers),
		zap.Int("cpus", b.config.Resources.CPUCount),
		zap.Int("gpus", b.config.Resources.GPUCount),
	)
	return nil
}

// Submit schedules a task behind its dependency futures.
func (b *LocalBackend) Submit(key string, task TaskFunc, dependencies ...Future) Future {
	future := &localFuture{key: key, done: make(chan struct{})}

	if !b.started.Load() {
		future.fail(fmt.Errorf("backend not started"))
		return future
	}

	b.group.Go(func() error {
		resolved := make([]any, 0, len(dependencies))
		for _, dependency := range dependencies {
			value, err := dependency.Result(b.ctx)
			if err != nil {
				future.fail(fmt.Errorf("dependency %q failed: %w", dependency.Key(), err))
				return nil
			}
			resolved = append(resolved, value)
		}

		if err := b.slots.Acquire(b.ctx, 1); err != nil {
			future.fail(err)
			return nil
		}
		defer b.slots.Release(1)

		b.logger.Debug("executing task", zap.String("key", key))
		future.complete(b.runProtected(key, task, resolved))
		return nil
	})

	return future
}

// runProtected invokes a task and converts panics into errors on the
// future, so a misbehaving task cannot take down the scheduler.
func (b *LocalBackend) runProtected(key string, task TaskFunc, dependencies []any) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("task panicked",
				zap.String("key", key),
				zap.Any("panic", recovered),
			)
			err = fmt.Errorf("task %q panicked: %v", key, recovered)
		}
	}()
	return task(b.ctx, b.config.Resources, dependencies), nil
}

// Shutdown waits for every submitted task to finish, or until the
// context is cancelled.
func (b *LocalBackend) Shutdown(ctx context.Context) error {
	if !b.started.Load() {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		_ = b.group.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.cancel()
		b.logger.Info("backend stopped")
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}

type localFuture struct {
	key   string
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func (f *localFuture) Key() string {
	return f.key
}

func (f *localFuture) Done() <-chan struct{} {
	return f.done
}

func (f *localFuture) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *localFuture) complete(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

func (f *localFuture) fail(err error) {
	f.complete(nil, err)
}
