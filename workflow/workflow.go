package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propflow/propflow/types"
)

// Workflow is the materialized dependency graph for estimating a single
// property: a schema expanded through its replicators, with global
// metadata injected into the protocol inputs and every id namespaced by
// the workflow's uuid so that several workflows can share one graph.
type Workflow struct {
	uuid     string
	metadata map[string]any
	logger   *zap.Logger

	protocols map[string]Protocol
	order     []string

	finalValueSource ProtocolPath
	gradientsSources []ProtocolPath
	outputsToStore   map[string]any

	dependencies map[string][]string
	dependants   map[string][]string

	property *types.PhysicalProperty
}

// NewWorkflow creates an empty workflow around the given global
// metadata. An empty uuid is replaced by a fresh one.
func NewWorkflow(metadata map[string]any, workflowUUID string, logger *zap.Logger) *Workflow {
	if workflowUUID == "" {
		workflowUUID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		uuid:     workflowUUID,
		metadata: metadata,
		logger: logger.With(
			zap.String("component", "workflow"),
			zap.String("workflow_uuid", workflowUUID),
		),
		protocols: make(map[string]Protocol),
	}
}

// UUID returns the workflow's namespace uuid.
func (w *Workflow) UUID() string {
	return w.uuid
}

// Metadata returns the workflow's global metadata.
func (w *Workflow) Metadata() map[string]any {
	return w.metadata
}

// BindProperty attaches the physical property this workflow estimates.
// A gathered result clones it before filling in the estimated value.
func (w *Workflow) BindProperty(property *types.PhysicalProperty) {
	w.property = property
}

// Property returns the bound physical property, which may be nil for
// data generation workflows.
func (w *Workflow) Property() *types.PhysicalProperty {
	return w.property
}

// SetSchema builds the workflow from a schema: the schema is validated
// and deep copied, replicators are applied in order, global metadata is
// bound, ids are namespaced and the dependants graph is derived. The
// original schema is never mutated.
func (w *Workflow) SetSchema(schema *WorkflowSchema, registry *ProtocolRegistry) error {
	if schema == nil {
		return fmt.Errorf("workflow schema must not be nil")
	}
	if registry == nil {
		return fmt.Errorf("protocol registry must not be nil")
	}
	if err := schema.ValidateInterfaces(registry); err != nil {
		return fmt.Errorf("invalid workflow schema: %w", err)
	}

	applied, err := schema.Clone()
	if err != nil {
		return fmt.Errorf("copy workflow schema: %w", err)
	}

	w.protocols = make(map[string]Protocol, len(applied.Protocols))
	for _, protocolSchema := range applied.Protocols {
		protocol, buildErr := registry.FromSchema(protocolSchema)
		if buildErr != nil {
			return fmt.Errorf("build protocol %q: %w", protocolSchema.ID, buildErr)
		}
		w.protocols[protocol.ID()] = protocol
	}

	w.finalValueSource = applied.FinalValueSource
	w.gradientsSources = append([]ProtocolPath(nil), applied.GradientsSources...)
	w.outputsToStore = make(map[string]any, len(applied.OutputsToStore))
	for key, output := range applied.OutputsToStore {
		w.outputsToStore[key] = output
	}

	if err := w.applyReplicators(applied.Replicators, registry); err != nil {
		return err
	}
	if err := w.checkPlaceholderResidue(); err != nil {
		return err
	}
	if err := w.injectMetadata(); err != nil {
		return err
	}
	w.applyUUID()
	if err := w.buildDependantsGraph(); err != nil {
		return err
	}

	w.logger.Info("workflow built",
		zap.String("property_type", applied.PropertyType),
		zap.Int("protocols", len(w.protocols)),
		zap.Int("roots", len(w.RootProtocols())),
	)
	return nil
}

// applyReplicators expands the replicators first in, first out. Each
// application may split pending replicators whose ids nest inside the
// applied one.
func (w *Workflow) applyReplicators(replicators []*ProtocolReplicator, registry *ProtocolRegistry) error {
	pending := append([]*ProtocolReplicator(nil), replicators...)

	for len(pending) > 0 {
		replicator := pending[0]
		pending = pending[1:]

		values, err := w.resolveTemplateValues(replicator)
		if err != nil {
			return err
		}

		protocols, replicated, err := replicator.Apply(w.protocols, ReplicateAll(values), registry)
		if err != nil {
			return fmt.Errorf("apply replicator %q: %w", replicator.ID, err)
		}
		w.protocols = protocols

		if err := replicator.UpdateReferences(w.protocols, replicated, len(values)); err != nil {
			return fmt.Errorf("rewire replicator %q: %w", replicator.ID, err)
		}

		w.expandGradientsSources(replicator, len(values))
		if err := w.expandOutputsToStore(replicator, values); err != nil {
			return err
		}

		pending = replicator.ExpandNested(pending, len(values))

		w.logger.Debug("replicator applied",
			zap.String("replicator_id", replicator.ID),
			zap.Int("template_values", len(values)),
		)
	}
	return nil
}

// resolveTemplateValues turns a replicator's declared template values
// into a concrete list, resolving global metadata paths.
func (w *Workflow) resolveTemplateValues(replicator *ProtocolReplicator) ([]any, error) {
	switch declared := replicator.TemplateValues.(type) {
	case []any:
		return declared, nil
	case ProtocolPath:
		if !declared.IsGlobal() {
			return nil, fmt.Errorf("template values of replicator %q must come from global metadata, got %q",
				replicator.ID, declared)
		}
		resolved, err := w.metadataValue(declared.PropertyName())
		if err != nil {
			return nil, fmt.Errorf("replicator %q: %w", replicator.ID, err)
		}
		if values, ok := resolved.([]any); ok {
			return values, nil
		}
		reflected := reflect.ValueOf(resolved)
		if reflected.Kind() == reflect.Slice {
			values := make([]any, reflected.Len())
			for index := 0; index < reflected.Len(); index++ {
				values[index] = reflected.Index(index).Interface()
			}
			return values, nil
		}
		return nil, fmt.Errorf("template values of replicator %q resolved to non-list %T",
			replicator.ID, resolved)
	}
	return nil, fmt.Errorf("replicator %q has no usable template values", replicator.ID)
}

// expandGradientsSources fans replicated gradient sources out into one
// source per template index.
func (w *Workflow) expandGradientsSources(replicator *ProtocolReplicator, count int) {
	placeholder := replicator.Placeholder()
	var expanded []ProtocolPath
	for _, source := range w.gradientsSources {
		if !placeholder.AppearsIn(source.String()) {
			expanded = append(expanded, source)
			continue
		}
		for index := 0; index < count; index++ {
			expanded = append(expanded, placeholder.SubstitutePath(source, index))
		}
	}
	w.gradientsSources = expanded
}

// expandOutputsToStore clones replicated stored outputs per template
// value, resolving replicator values in their fields. Data collections
// cannot be replicated.
func (w *Workflow) expandOutputsToStore(replicator *ProtocolReplicator, values []any) error {
	placeholder := replicator.Placeholder()
	expanded := make(map[string]any, len(w.outputsToStore))

	keys := make([]string, 0, len(w.outputsToStore))
	for key := range w.outputsToStore {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		output := w.outputsToStore[key]
		if !placeholder.AppearsIn(key) {
			expanded[key] = output
			continue
		}
		artifact, ok := output.(*SimulationDataToStore)
		if !ok {
			return fmt.Errorf("stored output %q cannot be replicated", key)
		}
		for index, value := range values {
			clone := artifact.clone()
			clone.transformValues(func(field any) any {
				if replicatorValue, isValue := field.(ReplicatorValue); isValue {
					if replicatorValue.ReplicatorID == replicator.ID {
						return value
					}
					if placeholder.AppearsIn(replicatorValue.ReplicatorID) {
						return ReplicatorValue{
							ReplicatorID: placeholder.Substitute(replicatorValue.ReplicatorID, index),
						}
					}
					return replicatorValue
				}
				return placeholder.SubstituteValue(field, index)
			})
			expanded[placeholder.Substitute(key, index)] = clone
		}
	}
	w.outputsToStore = expanded
	return nil
}

// checkPlaceholderResidue fails the build when any replication token or
// replicator value survived replicator application.
func (w *Workflow) checkPlaceholderResidue() error {
	for _, id := range sortedIDs(w.protocols) {
		if HasPlaceholderResidue(id) {
			return fmt.Errorf("protocol id %q still contains an unexpanded replication token", id)
		}
		data, err := json.Marshal(w.protocols[id].Schema())
		if err != nil {
			return fmt.Errorf("inspect protocol %q: %w", id, err)
		}
		if HasPlaceholderResidue(string(data)) {
			return fmt.Errorf("protocol %q still contains an unexpanded replication token", id)
		}
		if strings.Contains(string(data), "workflow.ReplicatorValue") {
			return fmt.Errorf("protocol %q still contains an unresolved replicator value", id)
		}
	}

	if HasPlaceholderResidue(w.finalValueSource.String()) {
		return fmt.Errorf("final value source %q contains an unexpanded replication token", w.finalValueSource)
	}
	for _, source := range w.gradientsSources {
		if HasPlaceholderResidue(source.String()) {
			return fmt.Errorf("gradient source %q contains an unexpanded replication token", source)
		}
	}
	for key, output := range w.outputsToStore {
		if HasPlaceholderResidue(key) {
			return fmt.Errorf("stored output key %q contains an unexpanded replication token", key)
		}
		stored, ok := output.(storedOutput)
		if !ok {
			continue
		}
		for _, path := range stored.paths() {
			if HasPlaceholderResidue(path.String()) {
				return fmt.Errorf("stored output %q references unexpanded path %q", key, path)
			}
		}
	}
	return nil
}

// metadataValue resolves a dotted attribute path against the global
// metadata.
func (w *Workflow) metadataValue(property string) (any, error) {
	value, err := getNestedAttribute(w.metadata, property)
	if err != nil {
		return nil, fmt.Errorf("global metadata has no value for %q: %w", property, err)
	}
	return value, nil
}

// injectMetadata assigns global metadata values into every input which
// references the global scope.
func (w *Workflow) injectMetadata() error {
	for _, id := range sortedIDs(w.protocols) {
		protocol := w.protocols[id]
		for _, input := range protocol.RequiredInputs() {
			references := protocol.ValueReferences(input)
			keys := make([]string, 0, len(references))
			for key := range references {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			for _, key := range keys {
				reference := references[key]
				if !reference.IsGlobal() {
					continue
				}
				value, err := w.metadataValue(reference.PropertyName())
				if err != nil {
					return fmt.Errorf("protocol %q: %w", id, err)
				}
				sourcePath, err := ParsePath(key)
				if err != nil {
					return err
				}
				if err := protocol.SetValue(sourcePath, value); err != nil {
					return fmt.Errorf("bind metadata %q on protocol %q: %w", key, id, err)
				}
			}
		}
	}
	return nil
}

// applyUUID namespaces every protocol id, reference, source and stored
// output key with the workflow uuid.
func (w *Workflow) applyUUID() {
	renamed := make(map[string]Protocol, len(w.protocols))
	for _, id := range sortedIDs(w.protocols) {
		protocol := w.protocols[id]
		protocol.SetUUID(w.uuid)
		renamed[protocol.ID()] = protocol
	}
	w.protocols = renamed

	if !w.finalValueSource.IsZero() {
		w.finalValueSource = w.finalValueSource.AppendUUID(w.uuid)
	}
	for index, source := range w.gradientsSources {
		w.gradientsSources[index] = source.AppendUUID(w.uuid)
	}

	outputs := make(map[string]any, len(w.outputsToStore))
	for key, output := range w.outputsToStore {
		if stored, ok := output.(storedOutput); ok {
			stored.transformValues(func(value any) any {
				return mapPaths(value, func(path ProtocolPath) ProtocolPath {
					return path.AppendUUID(w.uuid)
				})
			})
		}
		outputs[appendUUIDToID(key, w.uuid)] = output
	}
	w.outputsToStore = outputs
}

// buildDependantsGraph derives the dependency edges between protocols.
// A path into a nested protocol depends on the head of its id chain, so
// groups are scheduled as single units.
func (w *Workflow) buildDependantsGraph() error {
	w.dependencies = make(map[string][]string, len(w.protocols))
	w.dependants = make(map[string][]string, len(w.protocols))
	for id := range w.protocols {
		w.dependencies[id] = nil
	}

	for _, id := range sortedIDs(w.protocols) {
		protocol := w.protocols[id]
		seen := make(map[string]bool)
		for _, dependency := range protocol.Dependencies() {
			if dependency.IsGlobal() {
				continue
			}
			head := dependency.StartProtocol()
			if head == id || seen[head] {
				continue
			}
			if _, known := w.protocols[head]; !known {
				return fmt.Errorf("protocol %q depends on unknown protocol %q", id, head)
			}
			seen[head] = true
			w.dependencies[id] = append(w.dependencies[id], head)
			w.dependants[head] = append(w.dependants[head], id)
		}
	}

	order, err := topologicalOrder(w.dependencies)
	if err != nil {
		return err
	}
	w.order = order
	return nil
}

// Protocols returns the workflow's protocols in a valid execution
// order.
func (w *Workflow) Protocols() []Protocol {
	protocols := make([]Protocol, 0, len(w.order))
	for _, id := range w.order {
		if protocol, found := w.protocols[id]; found {
			protocols = append(protocols, protocol)
		}
	}
	return protocols
}

// Protocol returns a protocol by id.
func (w *Workflow) Protocol(id string) (Protocol, bool) {
	protocol, found := w.protocols[id]
	return protocol, found
}

// ExecutionOrder returns the protocol ids in topological order.
func (w *Workflow) ExecutionOrder() []string {
	return append([]string(nil), w.order...)
}

// DependenciesOf returns the ids of the protocols the given protocol
// consumes outputs from.
func (w *Workflow) DependenciesOf(id string) []string {
	return append([]string(nil), w.dependencies[id]...)
}

// DependantsOf returns the ids of the protocols consuming the given
// protocol's outputs.
func (w *Workflow) DependantsOf(id string) []string {
	return append([]string(nil), w.dependants[id]...)
}

// RootProtocols returns the ids of the protocols with no dependencies,
// sorted.
func (w *Workflow) RootProtocols() []string {
	var roots []string
	for id, upstream := range w.dependencies {
		if len(upstream) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// FinalValueSource returns the path of the estimated value, which may
// be zero for data-only workflows.
func (w *Workflow) FinalValueSource() ProtocolPath {
	return w.finalValueSource
}

// GradientsSources returns the paths of the gradient outputs.
func (w *Workflow) GradientsSources() []ProtocolPath {
	return append([]ProtocolPath(nil), w.gradientsSources...)
}

// OutputsToStore returns the stored output descriptions keyed by their
// namespaced names.
func (w *Workflow) OutputsToStore() map[string]any {
	outputs := make(map[string]any, len(w.outputsToStore))
	for key, output := range w.outputsToStore {
		outputs[key] = output
	}
	return outputs
}

// ReplaceProtocol renames every occurrence of a protocol id across the
// workflow: protocol ids and references, the final value source, the
// gradient sources and the stored outputs. A graph calls this when it
// merges one of this workflow's protocols into an equivalent protocol
// of a previously inserted workflow.
func (w *Workflow) ReplaceProtocol(oldID, newID string) error {
	if oldID == "" || oldID == newID {
		return nil
	}
	if _, exists := w.protocols[newID]; exists {
		return fmt.Errorf("workflow already contains a protocol %q", newID)
	}

	renamed := make(map[string]Protocol, len(w.protocols))
	for _, id := range sortedIDs(w.protocols) {
		protocol := w.protocols[id]
		protocol.ReplaceProtocol(oldID, newID)
		renamed[protocol.ID()] = protocol
	}
	w.protocols = renamed

	w.finalValueSource = w.finalValueSource.ReplaceProtocol(oldID, newID)
	for index, source := range w.gradientsSources {
		w.gradientsSources[index] = source.ReplaceProtocol(oldID, newID)
	}

	outputs := make(map[string]any, len(w.outputsToStore))
	for key, output := range w.outputsToStore {
		if stored, ok := output.(storedOutput); ok {
			stored.transformValues(func(value any) any {
				return mapPaths(value, func(path ProtocolPath) ProtocolPath {
					return path.ReplaceProtocol(oldID, newID)
				})
			})
		}
		outputs[strings.ReplaceAll(key, oldID, newID)] = output
	}
	w.outputsToStore = outputs

	w.renameGraph(oldID, newID)
	return nil
}

// renameGraph rewrites the cached graph edges textually. The new id may
// belong to a protocol of another workflow sharing the graph, so the
// edges cannot simply be rebuilt from this workflow's own protocols.
func (w *Workflow) renameGraph(oldID, newID string) {
	rename := func(id string) string { return strings.ReplaceAll(id, oldID, newID) }

	var order []string
	seen := make(map[string]bool, len(w.order))
	for _, id := range w.order {
		renamedID := rename(id)
		if !seen[renamedID] {
			seen[renamedID] = true
			order = append(order, renamedID)
		}
	}
	w.order = order

	renameEdges := func(edges map[string][]string) map[string][]string {
		renamedEdges := make(map[string][]string, len(edges))
		for id, linked := range edges {
			target := rename(id)
			if _, exists := renamedEdges[target]; !exists {
				renamedEdges[target] = nil
			}
			seenLinks := make(map[string]bool, len(linked))
			for _, link := range linked {
				renamedLink := rename(link)
				if !seenLinks[renamedLink] {
					seenLinks[renamedLink] = true
					renamedEdges[target] = append(renamedEdges[target], renamedLink)
				}
			}
		}
		return renamedEdges
	}
	w.dependencies = renameEdges(w.dependencies)
	w.dependants = renameEdges(w.dependants)
}

func sortedIDs(protocols map[string]Protocol) []string {
	ids := make([]string, 0, len(protocols))
	for id := range protocols {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
