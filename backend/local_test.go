package backend

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBackend(t *testing.T, config LocalConfig) *LocalBackend {
	t.Helper()

	computeBackend := NewLocalBackend(config)
	require.NoError(t, computeBackend.Start(context.Background()))
	t.Cleanup(func() { _ = computeBackend.Shutdown(context.Background()) })
	return computeBackend
}

func TestLocalBackendRunsTask(t *testing.T) {
	computeBackend := startedBackend(t, DefaultLocalConfig())

	future := computeBackend.Submit("answer",
		func(_ context.Context, resources ComputeResources, _ []any) any {
			return 41 + resources.CPUCount
		})

	assert.Equal(t, "answer", future.Key())
	value, err := future.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestLocalBackendPassesDependenciesInOrder(t *testing.T) {
	computeBackend := startedBackend(t, LocalConfig{Workers: 4})

	first := computeBackend.Submit("first",
		func(context.Context, ComputeResources, []any) any { return "a" })
	second := computeBackend.Submit("second",
		func(context.Context, ComputeResources, []any) any { return "b" })
	combined := computeBackend.Submit("combined",
		func(_ context.Context, _ ComputeResources, dependencies []any) any {
			return fmt.Sprintf("%v%v", dependencies[0], dependencies[1])
		}, first, second)

	value, err := combined.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ab", value)
}

func TestLocalBackendWaitsForDependencies(t *testing.T) {
	computeBackend := startedBackend(t, LocalConfig{Workers: 4})

	var upstreamDone atomic.Bool
	upstream := computeBackend.Submit("upstream",
		func(context.Context, ComputeResources, []any) any {
			time.Sleep(20 * time.Millisecond)
			upstreamDone.Store(true)
			return nil
		})
	downstream := computeBackend.Submit("downstream",
		func(context.Context, ComputeResources, []any) any {
			return upstreamDone.Load()
		}, upstream)

	value, err := downstream.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, value)
}

func TestLocalBackendRecoversPanics(t *testing.T) {
	computeBackend := startedBackend(t, DefaultLocalConfig())

	panicking := computeBackend.Submit("panicking",
		func(context.Context, ComputeResources, []any) any {
			panic("boom")
		})

	_, err := panicking.Result(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// A dependant of the panicked task fails instead of running with a
	// missing dependency value.
	dependant := computeBackend.Submit("dependant",
		func(context.Context, ComputeResources, []any) any { return "never" },
		panicking)
	_, err = dependant.Result(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `dependency "panicking" failed`)
}

func TestLocalBackendBootstrap(t *testing.T) {
	var bootstrapped atomic.Int32
	computeBackend := NewLocalBackend(LocalConfig{
		Workers:   2,
		Resources: ComputeResources{CPUCount: 3},
		Bootstrap: func(resources ComputeResources) error {
			bootstrapped.Add(1)
			if resources.CPUCount != 3 {
				return fmt.Errorf("unexpected resources %+v", resources)
			}
			return nil
		},
	})

	require.NoError(t, computeBackend.Start(context.Background()))
	t.Cleanup(func() { _ = computeBackend.Shutdown(context.Background()) })

	// The bootstrap runs exactly once per process, at startup.
	assert.Equal(t, int32(1), bootstrapped.Load())

	require.Error(t, computeBackend.Start(context.Background()))
	assert.Equal(t, int32(1), bootstrapped.Load())
}

func TestLocalBackendBootstrapFailureAbortsStart(t *testing.T) {
	computeBackend := NewLocalBackend(LocalConfig{
		Workers:   1,
		Bootstrap: func(ComputeResources) error { return fmt.Errorf("no forcefield") },
	})

	err := computeBackend.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap failed")
}

func TestLocalBackendRejectsSubmitBeforeStart(t *testing.T) {
	computeBackend := NewLocalBackend(DefaultLocalConfig())

	future := computeBackend.Submit("early",
		func(context.Context, ComputeResources, []any) any { return nil })

	_, err := future.Result(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestLocalBackendShutdownWaitsForTasks(t *testing.T) {
	computeBackend := NewLocalBackend(LocalConfig{Workers: 2})
	require.NoError(t, computeBackend.Start(context.Background()))

	var finished atomic.Int32
	for index := 0; index < 8; index++ {
		computeBackend.Submit(fmt.Sprintf("task-%d", index),
			func(context.Context, ComputeResources, []any) any {
				time.Sleep(5 * time.Millisecond)
				finished.Add(1)
				return nil
			})
	}

	require.NoError(t, computeBackend.Shutdown(context.Background()))
	assert.Equal(t, int32(8), finished.Load())
}

func TestLocalBackendResultHonorsContext(t *testing.T) {
	computeBackend := startedBackend(t, DefaultLocalConfig())

	blocked := computeBackend.Submit("blocked",
		func(context.Context, ComputeResources, []any) any {
			time.Sleep(200 * time.Millisecond)
			return nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := blocked.Result(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
