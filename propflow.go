// Package propflow provides a top-level convenience entry point for
// estimating physical properties with minimal boilerplate.
//
// Usage:
//
//	import "github.com/propflow/propflow"
//
//	estimator, err := propflow.New(
//	    propflow.WithWorkingDirectory("working-data"),
//	    propflow.WithStorage(store),
//	)
//	results, err := estimator.Estimate(ctx, requests)
//
// An Estimator wires the default protocol registry, a local compute
// backend and a workflow graph together. Callers needing finer control
// compose the workflow, backend and storage packages directly.
package propflow

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/protocols"
	"github.com/propflow/propflow/types"
	"github.com/propflow/propflow/workflow"
)

// Request asks for one property to be estimated with a given schema.
type Request struct {
	// Property is the measured property to estimate, providing the
	// substance, state and measured uncertainty.
	Property *types.PhysicalProperty
	// Schema is the workflow schema to run.
	Schema *workflow.WorkflowSchema
	// ForceFieldPath is handed to the workflow as global metadata.
	ForceFieldPath string
	// GradientKeys lists the force field parameters to differentiate
	// against, if any.
	GradientKeys []types.ParameterGradientKey
}

// Estimator builds one workflow per request, merges them into a shared
// graph and executes the graph on a compute backend.
type Estimator struct {
	registry       *workflow.ProtocolRegistry
	computeBackend backend.ComputeBackend
	storer         workflow.DataStorer
	metrics        workflow.GraphMetrics
	options        *workflow.WorkflowOptions
	gradientFilter workflow.GradientKeyFilter
	workingDir     string
	logger         *zap.Logger
	ownsBackend    bool
}

// Option configures the estimator created by New.
type Option func(*Estimator)

// WithRegistry replaces the default protocol registry.
func WithRegistry(registry *workflow.ProtocolRegistry) Option {
	return func(e *Estimator) { e.registry = registry }
}

// WithComputeBackend replaces the default local backend. The caller
// keeps ownership: Estimate will not start or shut it down.
func WithComputeBackend(computeBackend backend.ComputeBackend) Option {
	return func(e *Estimator) {
		e.computeBackend = computeBackend
		e.ownsBackend = false
	}
}

// WithStorage attaches the store for workflow stored outputs.
func WithStorage(storer workflow.DataStorer) Option {
	return func(e *Estimator) { e.storer = storer }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(metrics workflow.GraphMetrics) Option {
	return func(e *Estimator) { e.metrics = metrics }
}

// WithWorkflowOptions sets the convergence options applied to every
// request.
func WithWorkflowOptions(options *workflow.WorkflowOptions) Option {
	return func(e *Estimator) { e.options = options }
}

// WithGradientKeyFilter narrows the gradient keys per property.
func WithGradientKeyFilter(filter workflow.GradientKeyFilter) Option {
	return func(e *Estimator) { e.gradientFilter = filter }
}

// WithWorkingDirectory sets the root directory for protocol working
// directories.
func WithWorkingDirectory(directory string) Option {
	return func(e *Estimator) { e.workingDir = directory }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Estimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an estimator. Without options it uses the built-in
// protocol types, a local backend sized to the machine and no
// convergence checks.
func New(options ...Option) (*Estimator, error) {
	estimator := &Estimator{
		registry:    protocols.RegisterDefaults(nil),
		options:     workflow.NewWorkflowOptions(workflow.ConvergenceNoChecks),
		workingDir:  "working-data",
		logger:      zap.NewNop(),
		ownsBackend: true,
	}
	for _, option := range options {
		option(estimator)
	}
	if estimator.computeBackend == nil {
		estimator.computeBackend = backend.NewLocalBackend(backend.LocalConfig{
			Workers:   runtime.NumCPU(),
			Resources: backend.ComputeResources{CPUCount: 1},
			Logger:    estimator.logger,
		})
	}
	if err := estimator.options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow options: %w", err)
	}
	return estimator, nil
}

// Estimate builds, merges and executes one workflow per request and
// waits for every result. The returned slice is aligned with the
// requests; an entry is nil when the workflow did not meet its
// convergence target.
func (e *Estimator) Estimate(ctx context.Context, requests []Request) ([]*workflow.CalculationResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	graphOptions := []workflow.GraphOption{
		workflow.WithGraphLogger(e.logger),
	}
	if e.storer != nil {
		graphOptions = append(graphOptions, workflow.WithDataStorer(e.storer))
	}
	if e.metrics != nil {
		graphOptions = append(graphOptions, workflow.WithGraphMetrics(e.metrics))
	}
	graph := workflow.NewWorkflowGraph(e.workingDir, graphOptions...)

	uuids := make([]string, 0, len(requests))
	for index, request := range requests {
		if request.Property == nil || request.Schema == nil {
			return nil, fmt.Errorf("request %d is missing a property or schema", index)
		}
		metadata, err := workflow.GenerateDefaultMetadata(request.Property,
			request.ForceFieldPath, request.GradientKeys, e.options, e.gradientFilter)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", index, err)
		}

		built := workflow.NewWorkflow(metadata, "", e.logger)
		if err := built.SetSchema(request.Schema, e.registry); err != nil {
			return nil, fmt.Errorf("request %d: %w", index, err)
		}
		built.BindProperty(request.Property)

		if err := graph.AddWorkflow(built); err != nil {
			return nil, fmt.Errorf("request %d: %w", index, err)
		}
		uuids = append(uuids, built.UUID())
	}

	if e.ownsBackend {
		if err := e.computeBackend.Start(ctx); err != nil {
			return nil, fmt.Errorf("start compute backend: %w", err)
		}
		defer func() { _ = e.computeBackend.Shutdown(context.WithoutCancel(ctx)) }()
	}

	futures, err := graph.Submit(ctx, e.computeBackend)
	if err != nil {
		return nil, err
	}

	results := make([]*workflow.CalculationResult, len(requests))
	for index, workflowUUID := range uuids {
		value, err := futures[workflowUUID].Result(ctx)
		if err != nil {
			return nil, fmt.Errorf("await workflow %q: %w", workflowUUID, err)
		}
		if value == nil {
			continue
		}
		result, ok := value.(*workflow.CalculationResult)
		if !ok {
			return nil, fmt.Errorf("workflow %q resolved to unexpected %T", workflowUUID, value)
		}
		results[index] = result
	}
	return results, nil
}
