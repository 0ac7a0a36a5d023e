package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/types"
)

// DataStorer persists a workflow's stored outputs once they have been
// resolved against the executed protocols. The storage package provides
// filesystem and Redis backed implementations.
type DataStorer interface {
	// StoreData persists one artifact under the given key and returns
	// its backend specific location.
	StoreData(ctx context.Context, key string, data any) (string, error)
}

// GraphMetrics receives scheduling counters from a workflow graph.
// Implementations must be safe for concurrent use.
type GraphMetrics interface {
	ProtocolInserted()
	ProtocolMerged()
	ProtocolExecuted(failed bool)
	WorkflowGathered(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ProtocolInserted()       {}
func (noopMetrics) ProtocolMerged()         {}
func (noopMetrics) ProtocolExecuted(bool)   {}
func (noopMetrics) WorkflowGathered(string) {}

// WorkflowGraph accumulates the protocols of many workflows into one
// shared dependency graph. Equivalent protocols from different
// workflows are merged so their work is only scheduled once; the owning
// workflows are rewired to consume the merged protocol's outputs.
type WorkflowGraph struct {
	rootDirectory string
	logger        *zap.Logger
	storer        DataStorer
	metrics       GraphMetrics

	protocols    map[string]Protocol
	dependencies map[string][]string
	dependants   map[string][]string
	directories  map[string]string

	workflows     map[string]*Workflow
	workflowOrder []string

	submitted map[string]backend.Future
}

// GraphOption configures a WorkflowGraph.
type GraphOption func(*WorkflowGraph)

// WithGraphLogger attaches a logger to the graph.
func WithGraphLogger(logger *zap.Logger) GraphOption {
	return func(g *WorkflowGraph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithDataStorer attaches the storage backend used to persist each
// workflow's stored outputs at gather time.
func WithDataStorer(storer DataStorer) GraphOption {
	return func(g *WorkflowGraph) { g.storer = storer }
}

// WithGraphMetrics attaches a metrics sink to the graph.
func WithGraphMetrics(metrics GraphMetrics) GraphOption {
	return func(g *WorkflowGraph) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewWorkflowGraph creates an empty graph rooted at the given working
// directory.
func NewWorkflowGraph(rootDirectory string, options ...GraphOption) *WorkflowGraph {
	graph := &WorkflowGraph{
		rootDirectory: rootDirectory,
		logger:        zap.NewNop(),
		metrics:       noopMetrics{},
		protocols:     make(map[string]Protocol),
		dependencies:  make(map[string][]string),
		dependants:    make(map[string][]string),
		directories:   make(map[string]string),
		workflows:     make(map[string]*Workflow),
		submitted:     make(map[string]backend.Future),
	}
	for _, option := range options {
		option(graph)
	}
	graph.logger = graph.logger.With(zap.String("component", "workflow_graph"))
	return graph
}

// AddWorkflow inserts a built workflow's protocols into the graph,
// merging each one into an equivalent protocol of a previously added
// workflow where possible. Merging renames ids inside the workflow, so
// the workflow must not be executed independently afterwards.
func (g *WorkflowGraph) AddWorkflow(w *Workflow) error {
	if w == nil {
		return fmt.Errorf("cannot add a nil workflow")
	}
	if _, exists := g.workflows[w.UUID()]; exists {
		return fmt.Errorf("workflow %q was already added", w.UUID())
	}

	inserted, merged := 0, 0
	for {
		// Merging renames ids inside the workflow, so the execution
		// order is re-read on every step.
		next := ""
		for _, id := range w.ExecutionOrder() {
			if _, known := g.protocols[id]; !known {
				next = id
				break
			}
		}
		if next == "" {
			break
		}
		didMerge, err := g.insertProtocol(w, next)
		if err != nil {
			return fmt.Errorf("insert protocol %q of workflow %q: %w", next, w.UUID(), err)
		}
		if didMerge {
			merged++
		} else {
			inserted++
		}
	}

	g.workflows[w.UUID()] = w
	g.workflowOrder = append(g.workflowOrder, w.UUID())

	g.logger.Info("workflow added",
		zap.String("workflow_uuid", w.UUID()),
		zap.Int("inserted", inserted),
		zap.Int("merged", merged),
		zap.Int("graph_protocols", len(g.protocols)),
	)
	return nil
}

// insertProtocol places one protocol into the graph, first trying to
// merge it into an equivalent protocol which hangs off the same
// parents. Only protocols of other workflows are merge candidates.
func (g *WorkflowGraph) insertProtocol(w *Workflow, protocolID string) (bool, error) {
	protocol, found := w.Protocol(protocolID)
	if !found {
		return false, fmt.Errorf("workflow has no protocol %q", protocolID)
	}

	reducedParents := reduceParents(w.DependenciesOf(protocolID), g.dependencies)

	var candidates []string
	if len(reducedParents) == 0 {
		candidates = g.Roots()
	} else {
		seen := make(map[string]bool)
		for _, parent := range reducedParents {
			for _, sibling := range g.dependants[parent] {
				if !seen[sibling] {
					seen[sibling] = true
					candidates = append(candidates, sibling)
				}
			}
		}
		sort.Strings(candidates)
	}

	ownPrefix := w.UUID() + uuidSeparator
	for _, candidate := range candidates {
		if strings.HasPrefix(candidate, ownPrefix) {
			continue
		}
		existing := g.protocols[candidate]
		if !existing.CanMerge(protocol) {
			continue
		}

		renamed, err := existing.Merge(protocol)
		if err != nil {
			return false, fmt.Errorf("merge into %q: %w", candidate, err)
		}
		if err := w.ReplaceProtocol(protocolID, candidate); err != nil {
			return false, err
		}
		for _, oldID := range sortedKeys(renamed) {
			if err := w.ReplaceProtocol(oldID, renamed[oldID]); err != nil {
				return false, err
			}
		}

		g.metrics.ProtocolMerged()
		g.logger.Debug("protocol merged",
			zap.String("protocol_id", protocolID),
			zap.String("merged_into", candidate),
		)
		return true, nil
	}

	g.protocols[protocolID] = protocol
	dependencies := w.DependenciesOf(protocolID)
	g.dependencies[protocolID] = dependencies
	for _, dependency := range dependencies {
		g.dependants[dependency] = append(g.dependants[dependency], protocolID)
	}

	// A protocol nests under its parent only when that parent is
	// unambiguous; with several parents it sits at the graph root.
	parentDirectory := g.rootDirectory
	if len(reducedParents) == 1 {
		parentDirectory = g.directories[reducedParents[0]]
	}
	g.directories[protocolID] = filepath.Join(parentDirectory, protocolID)

	g.metrics.ProtocolInserted()
	return false, nil
}

// Roots returns the ids of the protocols with no dependencies, sorted.
func (g *WorkflowGraph) Roots() []string {
	var roots []string
	for id, upstream := range g.dependencies {
		if len(upstream) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Protocols returns the ids of every protocol in the graph, sorted.
func (g *WorkflowGraph) Protocols() []string {
	return sortedIDs(g.protocols)
}

// Protocol returns a graph protocol by id.
func (g *WorkflowGraph) Protocol(id string) (Protocol, bool) {
	protocol, found := g.protocols[id]
	return protocol, found
}

// DependenciesOf returns the ids a graph protocol consumes outputs from.
func (g *WorkflowGraph) DependenciesOf(id string) []string {
	return append([]string(nil), g.dependencies[id]...)
}

// DependantsOf returns the ids consuming a graph protocol's outputs.
func (g *WorkflowGraph) DependantsOf(id string) []string {
	return append([]string(nil), g.dependants[id]...)
}

// DirectoryOf returns the working directory assigned to a protocol.
func (g *WorkflowGraph) DirectoryOf(id string) string {
	return g.directories[id]
}

// Workflows returns the uuids of the added workflows in insertion order.
func (g *WorkflowGraph) Workflows() []string {
	return append([]string(nil), g.workflowOrder...)
}

// Submit schedules every protocol of the graph onto the backend in
// dependency order, then one gather task per workflow which assembles
// its final result. Protocols already submitted by an earlier call are
// not submitted again; their existing futures are reused. The returned
// futures are keyed by workflow uuid and resolve to *CalculationResult
// values, or nil when the workflow did not meet its convergence target.
func (g *WorkflowGraph) Submit(ctx context.Context, computeBackend backend.ComputeBackend) (map[string]backend.Future, error) {
	if computeBackend == nil {
		return nil, fmt.Errorf("compute backend must not be nil")
	}

	order, err := topologicalOrder(g.dependencies)
	if err != nil {
		return nil, fmt.Errorf("order graph protocols: %w", err)
	}

	for _, id := range order {
		if _, alreadySubmitted := g.submitted[id]; alreadySubmitted {
			continue
		}
		dependencies := make([]backend.Future, 0, len(g.dependencies[id]))
		for _, dependency := range g.dependencies[id] {
			future, found := g.submitted[dependency]
			if !found {
				return nil, fmt.Errorf("protocol %q submitted before its dependency %q", id, dependency)
			}
			dependencies = append(dependencies, future)
		}
		g.submitted[id] = computeBackend.Submit(id, g.executeTask(id), dependencies...)
	}

	results := make(map[string]backend.Future, len(g.workflowOrder))
	for _, workflowUUID := range g.workflowOrder {
		w := g.workflows[workflowUUID]
		dependencies, err := g.gatherDependencies(w)
		if err != nil {
			return nil, fmt.Errorf("gather workflow %q: %w", workflowUUID, err)
		}
		key := "gather" + uuidSeparator + workflowUUID
		results[workflowUUID] = computeBackend.Submit(key, g.gatherTask(w), dependencies...)
	}

	g.logger.Info("graph submitted",
		zap.Int("protocols", len(order)),
		zap.Int("workflows", len(g.workflowOrder)),
	)
	return results, nil
}

// gatherDependencies collects the futures of the protocols a workflow's
// result is assembled from: the heads of its final value source, its
// gradient sources and its stored output paths. A workflow naming no
// sources waits on every protocol it contributed.
func (g *WorkflowGraph) gatherDependencies(w *Workflow) ([]backend.Future, error) {
	heads := make(map[string]bool)
	addHead := func(path ProtocolPath) {
		if head := path.StartProtocol(); head != "" && head != GlobalScope {
			heads[head] = true
		}
	}

	if source := w.FinalValueSource(); !source.IsZero() {
		addHead(source)
	}
	for _, source := range w.GradientsSources() {
		addHead(source)
	}
	for _, output := range w.OutputsToStore() {
		stored, ok := output.(storedOutput)
		if !ok {
			continue
		}
		for _, path := range stored.paths() {
			addHead(path)
		}
	}

	ids := make([]string, 0, len(heads))
	for id := range heads {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = w.ExecutionOrder()
	}
	sort.Strings(ids)

	futures := make([]backend.Future, 0, len(ids))
	for _, id := range ids {
		future, found := g.submitted[id]
		if !found {
			return nil, fmt.Errorf("no submitted protocol %q", id)
		}
		futures = append(futures, future)
	}
	return futures, nil
}

// executeTask wraps one protocol as a backend task: bind the outputs of
// its dependencies onto its inputs, execute it in its assigned
// directory and persist the result record. A failed dependency's record
// is returned unchanged so the root cause survives to the gather step,
// and a result file left by an earlier run short-circuits re-execution.
func (g *WorkflowGraph) executeTask(protocolID string) backend.TaskFunc {
	protocol := g.protocols[protocolID]
	directory := g.directories[protocolID]
	logger := g.logger
	metrics := g.metrics

	return func(ctx context.Context, resources backend.ComputeResources, dependencies []any) any {
		available := make(map[string]any)
		for _, dependency := range dependencies {
			result, ok := dependency.(*ProtocolResult)
			if !ok {
				metrics.ProtocolExecuted(true)
				return ErrResult(protocolID, directory,
					types.NewEvaluatorError(types.ErrCodeDeserialization,
						fmt.Sprintf("dependency resolved to unexpected %T", dependency)).
						WithProtocol(protocolID).WithDirectory(directory))
			}
			if result.Failed() {
				metrics.ProtocolExecuted(true)
				return result
			}
			for key, value := range result.Outputs {
				available[key] = value
			}
		}

		resultPath := filepath.Join(directory, resultFileName(protocolID))
		if previous, loadErr := loadProtocolResult(resultPath); loadErr == nil && previous.ProtocolID == protocolID {
			metrics.ProtocolExecuted(previous.Failed())
			logger.Debug("protocol result reused",
				zap.String("protocol_id", protocolID),
				zap.String("directory", directory),
			)
			return previous
		}

		fail := func(record *ProtocolResult) *ProtocolResult {
			metrics.ProtocolExecuted(true)
			// Best effort: the record itself already carries the error.
			_ = writeProtocolResult(resultPath, record)
			return record
		}

		if err := os.MkdirAll(directory, 0o755); err != nil {
			metrics.ProtocolExecuted(true)
			return ErrResult(protocolID, directory,
				types.WrapExecution(err, directory).WithProtocol(protocolID))
		}

		if err := bindProtocolInputs(protocol, available); err != nil {
			return fail(ErrResult(protocolID, directory,
				types.NewEvaluatorError(types.ErrCodeDeserialization, err.Error()).
					WithProtocol(protocolID).WithDirectory(directory)))
		}

		outputs, execErr := protocol.Execute(ctx, directory, resources)
		if execErr != nil {
			return fail(ErrResult(protocolID, directory,
				types.WrapExecution(execErr, directory).WithProtocol(protocolID)))
		}

		full := make(map[string]any, len(outputs))
		for key, value := range outputs {
			relative, parseErr := ParsePath(key)
			if parseErr != nil {
				return fail(ErrResult(protocolID, directory,
					types.NewEvaluatorError(types.ErrCodeSerialization,
						fmt.Sprintf("output key %q: %v", key, parseErr)).
						WithProtocol(protocolID).WithDirectory(directory)))
			}
			full[relative.PrependProtocolID(protocolID).String()] = value
		}

		record := OkResult(protocolID, directory, full)
		if err := writeProtocolResult(resultPath, record); err != nil {
			metrics.ProtocolExecuted(true)
			return ErrResult(protocolID, directory,
				types.NewEvaluatorError(types.ErrCodeSerialization, err.Error()).
					WithProtocol(protocolID).WithDirectory(directory))
		}
		metrics.ProtocolExecuted(false)
		return record
	}
}

// gatherTask assembles one workflow's result from the records of its
// source protocols. A failed record becomes the workflow's error; an
// estimate whose uncertainty exceeds the convergence target yields nil
// so a higher fidelity attempt can take over.
func (g *WorkflowGraph) gatherTask(w *Workflow) backend.TaskFunc {
	storer := g.storer
	logger := g.logger
	metrics := g.metrics

	return func(ctx context.Context, resources backend.ComputeResources, dependencies []any) any {
		result := &CalculationResult{WorkflowUUID: w.UUID()}
		if property := w.Property(); property != nil {
			result.PropertyID = property.ID
		}

		fail := func(gatherErr *types.EvaluatorError) *CalculationResult {
			metrics.WorkflowGathered("errored")
			result.Error = gatherErr
			return result
		}

		available := make(map[string]any)
		for _, dependency := range dependencies {
			record, ok := dependency.(*ProtocolResult)
			if !ok {
				return fail(types.NewEvaluatorError(types.ErrCodeGather,
					fmt.Sprintf("dependency resolved to unexpected %T", dependency)))
			}
			if record.Failed() {
				return fail(record.Error)
			}
			for key, value := range record.Outputs {
				available[key] = value
			}
		}

		if source := w.FinalValueSource(); !source.IsZero() {
			value, err := resolveOutput(available, source)
			if err != nil {
				return fail(types.NewEvaluatorError(types.ErrCodeGather,
					fmt.Sprintf("resolve final value %q: %v", source, err)))
			}
			estimate, ok := asEstimatedQuantity(value)
			if !ok {
				return fail(types.NewEvaluatorError(types.ErrCodeGather,
					fmt.Sprintf("final value %q resolved to %T, want an estimated quantity", source, value)))
			}

			if target, hasTarget := convergenceTarget(w.Metadata()); hasTarget {
				exceeds, err := estimate.Uncertainty.GreaterThan(target)
				if err != nil {
					return fail(types.NewEvaluatorError(types.ErrCodeGather,
						fmt.Sprintf("compare uncertainty against target: %v", err)))
				}
				if exceeds {
					metrics.WorkflowGathered("unconverged")
					logger.Info("workflow did not converge",
						zap.String("workflow_uuid", w.UUID()),
						zap.String("uncertainty", estimate.Uncertainty.String()),
						zap.String("target", target.String()),
					)
					return nil
				}
			}

			property := w.Property()
			if property != nil {
				property = property.Clone()
			} else {
				property = &types.PhysicalProperty{}
			}
			property.Value = estimate.Value
			property.Uncertainty = estimate.Uncertainty

			for _, gradientSource := range w.GradientsSources() {
				value, err := resolveOutput(available, gradientSource)
				if err != nil {
					return fail(types.NewEvaluatorError(types.ErrCodeGather,
						fmt.Sprintf("resolve gradient %q: %v", gradientSource, err)))
				}
				gradient, ok := asParameterGradient(value)
				if !ok {
					return fail(types.NewEvaluatorError(types.ErrCodeGather,
						fmt.Sprintf("gradient %q resolved to %T, want a parameter gradient", gradientSource, value)))
				}
				property.Gradients = append(property.Gradients, gradient)
			}

			property.Source = &types.CalculationSource{
				Fidelity: "workflow",
				Provenance: map[string]any{
					"workflow_uuid":      w.UUID(),
					"final_value_source": source.String(),
				},
			}
			result.Property = property
		}

		if storer != nil {
			outputs := w.OutputsToStore()
			for _, key := range sortedAnyKeys(outputs) {
				output := outputs[key]
				if stored, ok := output.(storedOutput); ok {
					var resolveErr error
					stored.transformValues(func(field any) any {
						path, isPath := field.(ProtocolPath)
						if !isPath || resolveErr != nil {
							return field
						}
						resolved, err := resolveOutput(available, path)
						if err != nil {
							resolveErr = fmt.Errorf("resolve %q: %w", path, err)
							return field
						}
						return resolved
					})
					if resolveErr != nil {
						return fail(types.NewEvaluatorError(types.ErrCodeGather,
							fmt.Sprintf("stored output %q: %v", key, resolveErr)))
					}
				}
				location, err := storer.StoreData(ctx, key, output)
				if err != nil {
					return fail(types.NewEvaluatorError(types.ErrCodeGather,
						fmt.Sprintf("store output %q: %v", key, err)))
				}
				result.DataReferences = append(result.DataReferences,
					StoredDataRef{Key: key, Location: location})
			}
		}

		metrics.WorkflowGathered("estimated")
		return result
	}
}

// bindProtocolInputs assigns dependency outputs onto a protocol's
// referencing inputs. Global references were already bound when the
// workflow was built.
func bindProtocolInputs(protocol Protocol, available map[string]any) error {
	for _, input := range protocol.RequiredInputs() {
		references := protocol.ValueReferences(input)
		for _, key := range sortedPathKeys(references) {
			reference := references[key]
			if reference.IsGlobal() {
				continue
			}
			value, err := resolveOutput(available, reference)
			if err != nil {
				return fmt.Errorf("input %q: %w", key, err)
			}
			target, err := ParsePath(key)
			if err != nil {
				return err
			}
			if err := protocol.SetValue(target, value); err != nil {
				return fmt.Errorf("bind input %q: %w", key, err)
			}
		}
	}
	return nil
}

// resolveOutput looks a referenced path up in a pool of produced
// outputs. A reference may drill past an output's path into the value's
// own structure, e.g. "analyze.estimate.uncertainty" resolving through
// the "analyze.estimate" output.
func resolveOutput(available map[string]any, reference ProtocolPath) (any, error) {
	if value, found := available[reference.String()]; found {
		return value, nil
	}

	chain := reference.ProtocolChain()
	attribute := reference.PropertyName()

	bestAttribute := ""
	var bestValue any
	for key, value := range available {
		produced, err := ParsePath(key)
		if err != nil || produced.ProtocolChain() != chain {
			continue
		}
		prefix := produced.PropertyName()
		if !strings.HasPrefix(attribute, prefix) {
			continue
		}
		remainder := attribute[len(prefix):]
		if remainder != "" && remainder[0] != '.' && remainder[0] != '[' {
			continue
		}
		if len(prefix) > len(bestAttribute) {
			bestAttribute = prefix
			bestValue = value
		}
	}
	if bestAttribute == "" {
		return nil, fmt.Errorf("no output satisfies reference %q", reference)
	}
	return drillInto(bestValue, strings.TrimPrefix(attribute[len(bestAttribute):], "."))
}

// drillInto resolves a trailing attribute remainder against a resolved
// output value.
func drillInto(value any, remainder string) (any, error) {
	if remainder == "" {
		return value, nil
	}
	if strings.HasPrefix(remainder, "[") {
		return getAttributeSegment(map[string]any{"v": value}, "v"+remainder)
	}
	return getNestedAttribute(value, remainder)
}

// convergenceTarget reads the target uncertainty from a workflow's
// global metadata. An infinite target disables the convergence check.
func convergenceTarget(metadata map[string]any) (types.Quantity, bool) {
	value, found := metadata[MetadataTargetUncertainty]
	if !found {
		return types.Quantity{}, false
	}
	target, ok := value.(types.Quantity)
	if !ok || target.Infinite() {
		return types.Quantity{}, false
	}
	return target, true
}

func asEstimatedQuantity(value any) (types.EstimatedQuantity, bool) {
	switch typed := value.(type) {
	case types.EstimatedQuantity:
		return typed, true
	case *types.EstimatedQuantity:
		if typed != nil {
			return *typed, true
		}
	}
	return types.EstimatedQuantity{}, false
}

func asParameterGradient(value any) (types.ParameterGradient, bool) {
	switch typed := value.(type) {
	case types.ParameterGradient:
		return typed, true
	case *types.ParameterGradient:
		if typed != nil {
			return *typed, true
		}
	}
	return types.ParameterGradient{}, false
}

// resultFileName is the name of the record a protocol execution leaves
// in its working directory.
func resultFileName(protocolID string) string {
	return protocolID + "_output.json"
}

func loadProtocolResult(path string) (*ProtocolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record ProtocolResult
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func writeProtocolResult(path string, record *ProtocolResult) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedAnyKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedPathKeys(values map[string]ProtocolPath) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
