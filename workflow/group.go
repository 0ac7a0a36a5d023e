package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/typedjson"
	"github.com/propflow/propflow/types"
)

// Registered type tags of the built-in group protocols.
const (
	TypeProtocolGroup    = "ProtocolGroup"
	TypeConditionalGroup = "ConditionalGroup"
)

const (
	conditionsAttribute   = "conditions"
	defaultLoopIterations = 100
)

// groupProtocol is the view of a protocol which nests child protocols.
type groupProtocol interface {
	Protocol
	ChildProtocols() []Protocol
}

// loopLimited is implemented by groups with a bounded retry loop.
type loopLimited interface {
	MaxIterations() int
	SetMaxIterations(limit int) error
}

// RegisterGroupTypes adds the built-in group protocol types to a
// registry. Group schemas nested inside other schemas can only be
// restored when these are registered.
func RegisterGroupTypes(registry *ProtocolRegistry) {
	registry.Register(TypeProtocolGroup, func(id string) Protocol { return NewProtocolGroup(id) })
	registry.Register(TypeConditionalGroup, func(id string) Protocol { return NewConditionalGroup(id) })
}

// ProtocolGroup is a protocol which executes a set of nested protocols
// in dependency order inside its own working directory. Paths address
// nested protocols through the group, e.g. "group/child.output_value".
type ProtocolGroup struct {
	Base
	children map[string]Protocol
	order    []string
}

// NewProtocolGroup creates an empty protocol group.
func NewProtocolGroup(id string) *ProtocolGroup {
	group := newGroup(id, TypeProtocolGroup, nil)
	return &group
}

func newGroup(id, typeTag string, specs []AttributeSpec) ProtocolGroup {
	return ProtocolGroup{
		Base:     NewBase(id, typeTag, specs),
		children: make(map[string]Protocol),
	}
}

// AddProtocols nests protocols inside the group.
func (g *ProtocolGroup) AddProtocols(protocols ...Protocol) error {
	for _, protocol := range protocols {
		id := protocol.ID()
		if id == GlobalScope {
			return fmt.Errorf("%q is a reserved protocol id", id)
		}
		if _, exists := g.children[id]; exists {
			return fmt.Errorf("group %q already contains a protocol %q", g.id, id)
		}
		g.children[id] = protocol
		g.order = append(g.order, id)
	}
	return nil
}

// ChildProtocols returns the nested protocols in insertion order.
func (g *ProtocolGroup) ChildProtocols() []Protocol {
	children := make([]Protocol, 0, len(g.order))
	for _, id := range g.order {
		children = append(children, g.children[id])
	}
	return children
}

// Child returns a nested protocol by id.
func (g *ProtocolGroup) Child(id string) (Protocol, bool) {
	child, found := g.children[id]
	return child, found
}

func (g *ProtocolGroup) removeChild(id string) {
	delete(g.children, id)
	for index, existing := range g.order {
		if existing == id {
			g.order = append(g.order[:index], g.order[index+1:]...)
			return
		}
	}
}

// route resolves which protocol a path addresses: the group itself, or
// one of its children with the remaining chain.
func (g *ProtocolGroup) route(path ProtocolPath) (Protocol, ProtocolPath, bool, error) {
	chain := path.ProtocolIDs()
	if len(chain) > 0 && chain[0] == g.id {
		chain = chain[1:]
	}
	if len(chain) == 0 {
		return nil, NewProtocolPath(path.PropertyName()), true, nil
	}
	child, found := g.children[chain[0]]
	if !found {
		return nil, ProtocolPath{}, false, fmt.Errorf("group %q has no protocol %q", g.id, chain[0])
	}
	return child, NewProtocolPath(path.PropertyName(), chain...), false, nil
}

// GetValue resolves a path against the group or one of its children.
func (g *ProtocolGroup) GetValue(path ProtocolPath) (any, error) {
	child, remainder, own, err := g.route(path)
	if err != nil {
		return nil, err
	}
	if own {
		return g.Base.GetValue(remainder)
	}
	return child.GetValue(remainder)
}

// SetValue assigns through the group into the addressed child.
func (g *ProtocolGroup) SetValue(path ProtocolPath, value any) error {
	child, remainder, own, err := g.route(path)
	if err != nil {
		return err
	}
	if own {
		return g.Base.SetValue(remainder, value)
	}
	return child.SetValue(remainder, value)
}

// RequiredInputs surfaces the group's own required inputs plus those of
// every nested protocol, addressed through the group.
func (g *ProtocolGroup) RequiredInputs() []ProtocolPath {
	required := g.Base.RequiredInputs()
	for _, id := range g.order {
		for _, input := range g.children[id].RequiredInputs() {
			required = append(required, input.PrependProtocolID(id))
		}
	}
	return required
}

// isInternal reports whether a reference is satisfied inside the group.
func (g *ProtocolGroup) isInternal(reference ProtocolPath) bool {
	start := reference.StartProtocol()
	if start == g.id {
		return true
	}
	_, internal := g.children[start]
	return internal
}

// ValueReferences surfaces the external references held by the
// addressed input. References between the group's own children are
// resolved internally at execution time and are not reported.
func (g *ProtocolGroup) ValueReferences(input ProtocolPath) map[string]ProtocolPath {
	references := make(map[string]ProtocolPath)

	child, remainder, own, err := g.route(input)
	if err != nil {
		return references
	}

	var raw map[string]ProtocolPath
	prefix := ""
	if own {
		raw = g.Base.ValueReferences(remainder)
	} else {
		raw = child.ValueReferences(remainder)
		prefix = child.ID()
	}

	for key, reference := range raw {
		if g.isInternal(reference) {
			continue
		}
		if prefix != "" {
			parsed, parseErr := ParsePath(key)
			if parseErr != nil {
				continue
			}
			key = parsed.PrependProtocolID(prefix).String()
		}
		references[key] = reference
	}
	return references
}

// Dependencies lists the group's external dependencies, including those
// of nested protocols.
func (g *ProtocolGroup) Dependencies() []ProtocolPath {
	return collectDependencies(g)
}

// AttributeType resolves the declared type of an attribute, descending
// into nested protocols.
func (g *ProtocolGroup) AttributeType(path ProtocolPath) string {
	child, remainder, own, err := g.route(path)
	if err != nil {
		return ""
	}
	if own {
		return g.Base.AttributeType(remainder)
	}
	return child.AttributeType(remainder)
}

// Schema returns the group schema including every nested protocol.
func (g *ProtocolGroup) Schema() *ProtocolSchema {
	schema := g.Base.Schema()
	for _, id := range g.order {
		schema.Grouped = append(schema.Grouped, g.children[id].Schema())
	}
	return schema
}

// SetSchema restores the group and rebuilds its nested protocols from
// the registry.
func (g *ProtocolGroup) SetSchema(schema *ProtocolSchema, registry *ProtocolRegistry) error {
	if err := g.Base.SetSchema(schema, registry); err != nil {
		return err
	}
	g.children = make(map[string]Protocol, len(schema.Grouped))
	g.order = nil
	for _, grouped := range schema.Grouped {
		child, err := registry.FromSchema(grouped)
		if err != nil {
			return fmt.Errorf("restore grouped protocol %q: %w", grouped.ID, err)
		}
		if err := g.AddProtocols(child); err != nil {
			return err
		}
	}
	return nil
}

// SetUUID namespaces the group and all of its children.
func (g *ProtocolGroup) SetUUID(workflowUUID string) {
	g.Base.SetUUID(workflowUUID)
	g.renameChildren(func(child Protocol) { child.SetUUID(workflowUUID) })
}

// ReplaceProtocol rewrites the group, its children and every nested
// reference.
func (g *ProtocolGroup) ReplaceProtocol(oldID, newID string) {
	g.Base.ReplaceProtocol(oldID, newID)
	g.renameChildren(func(child Protocol) { child.ReplaceProtocol(oldID, newID) })
}

func (g *ProtocolGroup) renameChildren(mutate func(Protocol)) {
	children := make(map[string]Protocol, len(g.children))
	order := make([]string, 0, len(g.order))
	for _, id := range g.order {
		child := g.children[id]
		mutate(child)
		children[child.ID()] = child
		order = append(order, child.ID())
	}
	g.children = children
	g.order = order
}

// CanMerge reports whether another group computes the same thing. The
// comparison pairs nested protocols by their base ids and ignores the
// workflow uuid namespace on references between the groups' own
// members, since those differ between otherwise identical workflows.
func (g *ProtocolGroup) CanMerge(other Protocol) bool {
	otherGroup, ok := other.(groupProtocol)
	if !ok || other.TypeTag() != g.typeTag {
		return false
	}
	bases := make(map[string]bool)
	collectInternalBases(g, bases)
	collectInternalBases(otherGroup, bases)
	return groupsMergeable(g, otherGroup, bases)
}

// Merge folds another group into this one, adopting the winning values
// of merge-by-extreme inputs on every paired child. The returned map
// renames the absorbed group's child ids onto this group's.
func (g *ProtocolGroup) Merge(other Protocol) (map[string]string, error) {
	if !g.CanMerge(other) {
		return nil, fmt.Errorf("cannot merge protocol %q into group %q", other.ID(), g.id)
	}
	renamed := make(map[string]string)
	if err := mergeGroups(g, other.(groupProtocol), renamed); err != nil {
		return nil, err
	}
	return renamed, nil
}

// ApplyReplicator replicates the group's own children. When the group
// itself is a clone pinned to a template index, children carrying the
// placeholder are renamed in place; otherwise they are cloned once per
// template value and sibling references are rewired.
func (g *ProtocolGroup) ApplyReplicator(replicator *ProtocolReplicator, context ReplicationContext,
	registry *ProtocolRegistry) (ReplicationMap, error) {

	placeholder := replicator.Placeholder()
	local := make(ReplicationMap)

	if context.Pinned() {
		index := context.PinnedIndex()
		for _, id := range g.order {
			if placeholder.AppearsIn(id) {
				local[id] = []Replica{{Chain: placeholder.Substitute(id, index), Index: index}}
			}
		}
		g.ReplaceProtocol(placeholder.String(), strconv.Itoa(index))
		return local.prefixed(g.id), nil
	}

	for _, id := range append([]string(nil), g.order...) {
		child := g.children[id]

		if !placeholder.AppearsIn(id) {
			nested, err := child.ApplyReplicator(replicator, context, registry)
			if err != nil {
				return nil, err
			}
			local.merge(nested)
			continue
		}

		g.removeChild(id)
		for _, pair := range context.pairs() {
			clone, err := replicator.replicate(child, pair, registry)
			if err != nil {
				return nil, err
			}
			nested, err := clone.ApplyReplicator(replicator, ReplicateIndex(pair.index, pair.value), registry)
			if err != nil {
				return nil, err
			}
			local.merge(nested)
			if err := g.AddProtocols(clone); err != nil {
				return nil, err
			}
			local[id] = append(local[id], Replica{Chain: clone.ID(), Index: pair.index})
		}
		if context.Count() == 0 {
			local[id] = []Replica{}
		}
	}

	if err := replicator.UpdateReferences(g.children, local, context.Count()); err != nil {
		return nil, err
	}
	return local.prefixed(g.id), nil
}

// Execute runs the nested protocols in dependency order, each inside a
// subdirectory named after its id. The group's outputs are the nested
// outputs addressed through the child ids.
func (g *ProtocolGroup) Execute(ctx context.Context, directory string,
	resources backend.ComputeResources) (map[string]any, error) {
	return g.executeOnce(ctx, directory, resources)
}

func (g *ProtocolGroup) executeOnce(ctx context.Context, directory string,
	resources backend.ComputeResources) (map[string]any, error) {

	order, err := g.executionOrder()
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]any)
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		child := g.children[id]
		if err := g.bindChildInputs(child); err != nil {
			return nil, err
		}

		childDirectory := filepath.Join(directory, id)
		if err := os.MkdirAll(childDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %q: %w", id, err)
		}

		childOutputs, err := child.Execute(ctx, childDirectory, resources)
		if err != nil {
			return nil, fmt.Errorf("grouped protocol %q: %w", id, err)
		}
		for key, value := range childOutputs {
			parsed, parseErr := ParsePath(key)
			if parseErr != nil {
				return nil, fmt.Errorf("output key %q of %q: %w", key, id, parseErr)
			}
			outputs[parsed.PrependProtocolID(id).String()] = value
		}
	}
	return outputs, nil
}

// executionOrder topologically sorts the children by their references
// to one another.
func (g *ProtocolGroup) executionOrder() ([]string, error) {
	dependencies := make(map[string][]string, len(g.children))
	for id, child := range g.children {
		var upstream []string
		for _, dependency := range collectDependencies(child) {
			start := dependency.StartProtocol()
			if _, internal := g.children[start]; internal && start != id {
				upstream = append(upstream, start)
			}
		}
		dependencies[id] = upstream
	}
	order, err := topologicalOrder(dependencies)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", g.id, err)
	}
	return order, nil
}

// bindChildInputs resolves a child's references to sibling outputs just
// before the child runs.
func (g *ProtocolGroup) bindChildInputs(child Protocol) error {
	for _, input := range child.RequiredInputs() {
		references := child.ValueReferences(input)
		keys := make([]string, 0, len(references))
		for key := range references {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			reference := references[key]
			target, internal := g.children[reference.StartProtocol()]
			if !internal {
				continue
			}
			value, err := target.GetValue(reference)
			if err != nil {
				return fmt.Errorf("resolve %q for %q: %w", reference, child.ID(), err)
			}
			sourcePath, err := ParsePath(key)
			if err != nil {
				return err
			}
			if err := child.SetValue(sourcePath, value); err != nil {
				return fmt.Errorf("bind %q on %q: %w", key, child.ID(), err)
			}
		}
	}
	return nil
}

// ConditionType names a comparison applied by a conditional group.
type ConditionType string

// The supported loop conditions.
const (
	ConditionLessThan    ConditionType = "lessthan"
	ConditionGreaterThan ConditionType = "greaterthan"
)

// Condition is a single convergence test of a conditional group: the
// left value compared against the right. Either side may be a literal,
// a quantity, a path into one of the group's own protocols, or a global
// metadata path.
type Condition struct {
	Type       ConditionType
	LeftValue  any
	RightValue any
}

type conditionJSON struct {
	Type       ConditionType   `json:"type"`
	LeftValue  json.RawMessage `json:"left_value"`
	RightValue json.RawMessage `json:"right_value"`
}

// MarshalJSON implements json.Marshaler.
func (c *Condition) MarshalJSON() ([]byte, error) {
	left, err := typedjson.Encode(c.LeftValue)
	if err != nil {
		return nil, fmt.Errorf("encode condition left value: %w", err)
	}
	right, err := typedjson.Encode(c.RightValue)
	if err != nil {
		return nil, fmt.Errorf("encode condition right value: %w", err)
	}
	return json.Marshal(conditionJSON{Type: c.Type, LeftValue: left, RightValue: right})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var decoded conditionJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	left, err := typedjson.Decode(decoded.LeftValue)
	if err != nil {
		return fmt.Errorf("decode condition left value: %w", err)
	}
	right, err := typedjson.Decode(decoded.RightValue)
	if err != nil {
		return fmt.Errorf("decode condition right value: %w", err)
	}
	c.Type = decoded.Type
	c.LeftValue = left
	c.RightValue = right
	return nil
}

func (c *Condition) validate() error {
	if c.Type != ConditionLessThan && c.Type != ConditionGreaterThan {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if c.LeftValue == nil || c.RightValue == nil {
		return fmt.Errorf("condition values must both be set")
	}
	return nil
}

func (c *Condition) clone() *Condition {
	return &Condition{
		Type:       c.Type,
		LeftValue:  copyValue(c.LeftValue),
		RightValue: copyValue(c.RightValue),
	}
}

// ConditionalGroup re-executes its nested protocols until every
// condition holds, up to a bounded number of iterations. An exhausted
// loop is an execution failure.
type ConditionalGroup struct {
	ProtocolGroup
	maxIterations int
	conditions    []*Condition
}

// NewConditionalGroup creates an empty conditional group with the
// default iteration limit.
func NewConditionalGroup(id string) *ConditionalGroup {
	group := &ConditionalGroup{maxIterations: defaultLoopIterations}
	group.ProtocolGroup = newGroup(id, TypeConditionalGroup, []AttributeSpec{
		OutputSpec("current_iteration", "int"),
	})
	return group
}

// AddCondition appends a convergence condition.
func (c *ConditionalGroup) AddCondition(condition *Condition) error {
	if err := condition.validate(); err != nil {
		return err
	}
	c.conditions = append(c.conditions, condition.clone())
	return nil
}

// LoopConditions returns the group's conditions.
func (c *ConditionalGroup) LoopConditions() []*Condition {
	return c.conditions
}

// MaxIterations returns the iteration limit.
func (c *ConditionalGroup) MaxIterations() int {
	return c.maxIterations
}

// SetMaxIterations bounds the retry loop.
func (c *ConditionalGroup) SetMaxIterations(limit int) error {
	if limit < 1 {
		return fmt.Errorf("iteration limit must be positive, got %d", limit)
	}
	c.maxIterations = limit
	return nil
}

func (c *ConditionalGroup) isConditionsPath(path ProtocolPath) bool {
	chain := path.ProtocolIDs()
	if len(chain) > 1 || (len(chain) == 1 && chain[0] != c.id) {
		return false
	}
	steps, err := splitAttribute(path.PropertyName())
	if err != nil {
		return false
	}
	return steps[0].name == conditionsAttribute
}

func (c *ConditionalGroup) conditionSide(path ProtocolPath) (*Condition, string, error) {
	steps, err := splitAttribute(path.PropertyName())
	if err != nil {
		return nil, "", err
	}
	if len(steps) != 3 || steps[1].name != "" || steps[2].name == "" {
		return nil, "", fmt.Errorf("cannot address %q on group %q", path, c.id)
	}
	index, numeric := steps[1].listIndex()
	if !numeric || index < 0 || index >= len(c.conditions) {
		return nil, "", fmt.Errorf("condition index %q out of range on group %q", steps[1].index, c.id)
	}
	if steps[2].name != "left_value" && steps[2].name != "right_value" {
		return nil, "", fmt.Errorf("conditions have no attribute %q", steps[2].name)
	}
	return c.conditions[index], steps[2].name, nil
}

// GetValue resolves condition sides in addition to group paths.
func (c *ConditionalGroup) GetValue(path ProtocolPath) (any, error) {
	if !c.isConditionsPath(path) {
		return c.ProtocolGroup.GetValue(path)
	}
	condition, side, err := c.conditionSide(path)
	if err != nil {
		return nil, err
	}
	if side == "left_value" {
		return condition.LeftValue, nil
	}
	return condition.RightValue, nil
}

// SetValue assigns condition sides in addition to group paths.
func (c *ConditionalGroup) SetValue(path ProtocolPath, value any) error {
	if !c.isConditionsPath(path) {
		return c.ProtocolGroup.SetValue(path, value)
	}
	condition, side, err := c.conditionSide(path)
	if err != nil {
		return err
	}
	if side == "left_value" {
		condition.LeftValue = value
	} else {
		condition.RightValue = value
	}
	return nil
}

// RequiredInputs additionally surfaces the conditions attribute so that
// global metadata referenced by conditions gets bound at build time.
func (c *ConditionalGroup) RequiredInputs() []ProtocolPath {
	required := c.ProtocolGroup.RequiredInputs()
	if len(c.conditions) > 0 {
		required = append(required, NewProtocolPath(conditionsAttribute))
	}
	return required
}

// ValueReferences surfaces the external references held by conditions.
func (c *ConditionalGroup) ValueReferences(input ProtocolPath) map[string]ProtocolPath {
	if !c.isConditionsPath(input) {
		return c.ProtocolGroup.ValueReferences(input)
	}
	references := make(map[string]ProtocolPath)
	for index, condition := range c.conditions {
		for _, side := range []struct {
			name  string
			value any
		}{
			{"left_value", condition.LeftValue},
			{"right_value", condition.RightValue},
		} {
			path, isPath := side.value.(ProtocolPath)
			if !isPath || c.isInternal(path) {
				continue
			}
			key := NewProtocolPath(fmt.Sprintf("%s[%d].%s", conditionsAttribute, index, side.name))
			references[key.String()] = path
		}
	}
	return references
}

// Dependencies includes the external references held by conditions.
func (c *ConditionalGroup) Dependencies() []ProtocolPath {
	return collectDependencies(c)
}

func (c *ConditionalGroup) mapConditionPaths(transform func(ProtocolPath) ProtocolPath) {
	for _, condition := range c.conditions {
		condition.LeftValue = mapPaths(condition.LeftValue, transform)
		condition.RightValue = mapPaths(condition.RightValue, transform)
	}
}

// SetUUID namespaces the group, its children and its condition paths.
func (c *ConditionalGroup) SetUUID(workflowUUID string) {
	c.ProtocolGroup.SetUUID(workflowUUID)
	c.mapConditionPaths(func(path ProtocolPath) ProtocolPath {
		return path.AppendUUID(workflowUUID)
	})
}

// ReplaceProtocol additionally rewrites condition paths.
func (c *ConditionalGroup) ReplaceProtocol(oldID, newID string) {
	c.ProtocolGroup.ReplaceProtocol(oldID, newID)
	c.mapConditionPaths(func(path ProtocolPath) ProtocolPath {
		return path.ReplaceProtocol(oldID, newID)
	})
}

// Schema includes the iteration limit and conditions.
func (c *ConditionalGroup) Schema() *ProtocolSchema {
	schema := c.ProtocolGroup.Schema()
	schema.MaxIters = c.maxIterations
	for _, condition := range c.conditions {
		schema.Conds = append(schema.Conds, condition.clone())
	}
	return schema
}

// SetSchema restores the group, its iteration limit and conditions.
func (c *ConditionalGroup) SetSchema(schema *ProtocolSchema, registry *ProtocolRegistry) error {
	if err := c.ProtocolGroup.SetSchema(schema, registry); err != nil {
		return err
	}
	if schema.MaxIters > 0 {
		if err := c.SetMaxIterations(schema.MaxIters); err != nil {
			return err
		}
	}
	c.conditions = nil
	for _, condition := range schema.Conds {
		if err := c.AddCondition(condition); err != nil {
			return err
		}
	}
	return nil
}

// CanMerge additionally requires equivalent conditions.
func (c *ConditionalGroup) CanMerge(other Protocol) bool {
	if !c.ProtocolGroup.CanMerge(other) {
		return false
	}
	otherGroup, ok := other.(*ConditionalGroup)
	if !ok || len(otherGroup.conditions) != len(c.conditions) {
		return false
	}
	bases := make(map[string]bool)
	collectInternalBases(c, bases)
	collectInternalBases(otherGroup, bases)
	for index, condition := range c.conditions {
		otherCondition := otherGroup.conditions[index]
		if condition.Type != otherCondition.Type {
			return false
		}
		if !valuesEqual(normalizeValue(condition.LeftValue, bases),
			normalizeValue(otherCondition.LeftValue, bases)) {
			return false
		}
		if !valuesEqual(normalizeValue(condition.RightValue, bases),
			normalizeValue(otherCondition.RightValue, bases)) {
			return false
		}
	}
	return true
}

// Merge additionally keeps the greater iteration limit.
func (c *ConditionalGroup) Merge(other Protocol) (map[string]string, error) {
	if !c.CanMerge(other) {
		return nil, fmt.Errorf("cannot merge protocol %q into group %q", other.ID(), c.id)
	}
	renamed := make(map[string]string)
	if err := mergeGroups(c, other.(groupProtocol), renamed); err != nil {
		return nil, err
	}
	if limited, ok := other.(loopLimited); ok && limited.MaxIterations() > c.maxIterations {
		c.maxIterations = limited.MaxIterations()
	}
	return renamed, nil
}

// ApplyReplicator additionally expands conditions which reference
// replicated children: pinned clones substitute their own index, while
// an unpinned group gains one condition per template value.
func (c *ConditionalGroup) ApplyReplicator(replicator *ProtocolReplicator, context ReplicationContext,
	registry *ProtocolRegistry) (ReplicationMap, error) {

	replicated, err := c.ProtocolGroup.ApplyReplicator(replicator, context, registry)
	if err != nil {
		return nil, err
	}

	placeholder := replicator.Placeholder()
	if context.Pinned() {
		index := context.PinnedIndex()
		for _, condition := range c.conditions {
			condition.LeftValue = placeholder.SubstituteValue(condition.LeftValue, index)
			condition.RightValue = placeholder.SubstituteValue(condition.RightValue, index)
		}
		return replicated, nil
	}

	var expanded []*Condition
	for _, condition := range c.conditions {
		if !conditionHasPlaceholder(condition, placeholder) {
			expanded = append(expanded, condition)
			continue
		}
		for index := 0; index < context.Count(); index++ {
			clone := condition.clone()
			clone.LeftValue = placeholder.SubstituteValue(clone.LeftValue, index)
			clone.RightValue = placeholder.SubstituteValue(clone.RightValue, index)
			expanded = append(expanded, clone)
		}
	}
	c.conditions = expanded
	return replicated, nil
}

func conditionHasPlaceholder(condition *Condition, placeholder Placeholder) bool {
	for _, value := range []any{condition.LeftValue, condition.RightValue} {
		if path, ok := value.(ProtocolPath); ok && placeholder.AppearsIn(path.String()) {
			return true
		}
	}
	return false
}

// Execute runs the nested protocols repeatedly until every condition
// holds or the iteration limit is exhausted.
func (c *ConditionalGroup) Execute(ctx context.Context, directory string,
	resources backend.ComputeResources) (map[string]any, error) {

	for iteration := 1; iteration <= c.maxIterations; iteration++ {
		outputs, err := c.executeOnce(ctx, directory, resources)
		if err != nil {
			return nil, err
		}

		satisfied, err := c.conditionsSatisfied()
		if err != nil {
			return nil, err
		}
		if satisfied {
			c.SetOutput("current_iteration", iteration)
			outputs[NewProtocolPath("current_iteration").String()] = iteration
			return outputs, nil
		}
	}
	return nil, fmt.Errorf("conditions of group %q not satisfied after %d iterations",
		c.id, c.maxIterations)
}

func (c *ConditionalGroup) conditionsSatisfied() (bool, error) {
	for _, condition := range c.conditions {
		left, leftUnit, err := c.resolveOperand(condition.LeftValue)
		if err != nil {
			return false, err
		}
		right, rightUnit, err := c.resolveOperand(condition.RightValue)
		if err != nil {
			return false, err
		}
		if leftUnit != rightUnit {
			return false, fmt.Errorf("condition compares mismatched units %q and %q", leftUnit, rightUnit)
		}

		holds := false
		switch condition.Type {
		case ConditionLessThan:
			holds = left < right
		case ConditionGreaterThan:
			holds = left > right
		}
		if !holds {
			return false, nil
		}
	}
	return true, nil
}

func (c *ConditionalGroup) resolveOperand(value any) (float64, string, error) {
	if path, ok := value.(ProtocolPath); ok {
		if path.IsGlobal() {
			return 0, "", fmt.Errorf("condition still references unresolved metadata %q", path)
		}
		resolved, err := c.GetValue(path)
		if err != nil {
			return 0, "", err
		}
		return c.resolveOperand(resolved)
	}

	switch typed := value.(type) {
	case types.Quantity:
		return typed.Value, typed.Unit, nil
	case types.EstimatedQuantity:
		return typed.Value.Value, typed.Value.Unit, nil
	}
	if number, ok := asFloat(value); ok {
		return number, "", nil
	}
	return 0, "", fmt.Errorf("condition value %v (%T) is not comparable", value, value)
}

// referenceSource is the minimal view needed to enumerate a protocol's
// dependencies.
type referenceSource interface {
	RequiredInputs() []ProtocolPath
	ValueReferences(input ProtocolPath) map[string]ProtocolPath
}

// collectDependencies lists every path referenced by a protocol's
// required inputs, deduplicated and in deterministic order.
func collectDependencies(source referenceSource) []ProtocolPath {
	seen := make(map[string]bool)
	var dependencies []ProtocolPath
	for _, input := range source.RequiredInputs() {
		references := source.ValueReferences(input)
		keys := make([]string, 0, len(references))
		for key := range references {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			reference := references[key]
			if seen[reference.String()] {
				continue
			}
			seen[reference.String()] = true
			dependencies = append(dependencies, reference)
		}
	}
	return dependencies
}

// baseName strips the workflow uuid namespace from a protocol id.
func baseName(id string) string {
	if index := strings.LastIndex(id, uuidSeparator); index >= 0 {
		return id[index+1:]
	}
	return id
}

// collectInternalBases records the base ids of a group and everything
// nested inside it.
func collectInternalBases(group groupProtocol, bases map[string]bool) {
	bases[baseName(group.ID())] = true
	for _, child := range group.ChildProtocols() {
		bases[baseName(child.ID())] = true
		if nested, ok := child.(groupProtocol); ok {
			collectInternalBases(nested, bases)
		}
	}
}

// normalizeValue rewrites paths into a group's own members onto their
// uuid-free base ids, so references internal to two workflows' copies
// of the same group compare equal.
func normalizeValue(value any, bases map[string]bool) any {
	return mapPaths(copyValue(value), func(path ProtocolPath) ProtocolPath {
		ids := path.ProtocolIDs()
		for index, id := range ids {
			if base := baseName(id); bases[base] {
				ids[index] = base
			}
		}
		return NewProtocolPath(path.PropertyName(), ids...)
	})
}

// groupsMergeable pairs the children of two groups by base id and
// checks each pair for mergeability.
func groupsMergeable(self, other groupProtocol, bases map[string]bool) bool {
	selfByBase := childIndex(self)
	if selfByBase == nil {
		return false
	}
	otherChildren := other.ChildProtocols()
	if len(otherChildren) != len(selfByBase) {
		return false
	}
	for _, otherChild := range otherChildren {
		selfChild, found := selfByBase[baseName(otherChild.ID())]
		if !found || !childMergeable(selfChild, otherChild, bases) {
			return false
		}
	}
	return true
}

func childIndex(group groupProtocol) map[string]Protocol {
	index := make(map[string]Protocol)
	for _, child := range group.ChildProtocols() {
		base := baseName(child.ID())
		if _, duplicate := index[base]; duplicate {
			return nil
		}
		index[base] = child
	}
	return index
}

func childMergeable(self, other Protocol, bases map[string]bool) bool {
	if self.TypeTag() != other.TypeTag() {
		return false
	}

	selfGroup, selfIsGroup := self.(groupProtocol)
	otherGroup, otherIsGroup := other.(groupProtocol)
	if selfIsGroup != otherIsGroup {
		return false
	}
	if selfIsGroup && !groupsMergeable(selfGroup, otherGroup, bases) {
		return false
	}

	for _, spec := range self.AttributeSpecs() {
		if spec.Role != RoleInput || spec.Merge != MergeExactlyEqual {
			continue
		}
		selfValue, err := self.GetValue(NewProtocolPath(spec.Name))
		if err != nil {
			return false
		}
		otherValue, err := other.GetValue(NewProtocolPath(spec.Name))
		if err != nil {
			return false
		}
		if !valuesEqual(normalizeValue(selfValue, bases), normalizeValue(otherValue, bases)) {
			return false
		}
	}
	return true
}

// mergeGroups folds the children of other into self pairwise, records
// the id renames and adopts merge-by-extreme input values.
func mergeGroups(self, other groupProtocol, renamed map[string]string) error {
	selfByBase := childIndex(self)
	for _, otherChild := range other.ChildProtocols() {
		selfChild, found := selfByBase[baseName(otherChild.ID())]
		if !found {
			return fmt.Errorf("no counterpart for grouped protocol %q", otherChild.ID())
		}
		if otherChild.ID() != selfChild.ID() {
			renamed[otherChild.ID()] = selfChild.ID()
		}
		if err := adoptMergeInputs(selfChild, otherChild); err != nil {
			return err
		}
		if selfNested, ok := selfChild.(groupProtocol); ok {
			otherNested := otherChild.(groupProtocol)
			if err := mergeGroups(selfNested, otherNested, renamed); err != nil {
				return err
			}
			selfLimited, selfOK := selfChild.(loopLimited)
			otherLimited, otherOK := otherChild.(loopLimited)
			if selfOK && otherOK && otherLimited.MaxIterations() > selfLimited.MaxIterations() {
				if err := selfLimited.SetMaxIterations(otherLimited.MaxIterations()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// adoptMergeInputs copies the winning value of every input declared
// with the greatest or smallest merge behavior from src onto dst.
func adoptMergeInputs(dst, src Protocol) error {
	for _, spec := range dst.AttributeSpecs() {
		if spec.Role != RoleInput {
			continue
		}
		if spec.Merge != MergeGreatestValue && spec.Merge != MergeSmallestValue {
			continue
		}
		srcValue, err := src.GetValue(NewProtocolPath(spec.Name))
		if err != nil || srcValue == nil {
			continue
		}
		dstValue, err := dst.GetValue(NewProtocolPath(spec.Name))
		if err != nil {
			return err
		}
		ordering, err := compareValues(dstValue, srcValue)
		if err != nil {
			return fmt.Errorf("merge input %q: %w", spec.Name, err)
		}
		if (spec.Merge == MergeGreatestValue && ordering < 0) ||
			(spec.Merge == MergeSmallestValue && ordering > 0) {
			if err := dst.SetValue(NewProtocolPath(spec.Name), srcValue); err != nil {
				return err
			}
		}
	}
	return nil
}
