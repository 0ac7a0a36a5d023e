package workflow

import (
	"fmt"
	"strings"
)

// Base provides the bookkeeping shared by every protocol type: the
// attribute table, input/output storage, path resolution, reference
// enumeration, uuid namespacing and the default merge predicate.
// Concrete protocols embed Base and implement Execute.
type Base struct {
	id      string
	typeTag string
	specs   []AttributeSpec
	inputs  map[string]any
	outputs map[string]any
}

// NewBase creates the shared protocol state for a concrete protocol
// type, applying any declared default values.
func NewBase(id, typeTag string, specs []AttributeSpec) Base {
	base := Base{
		id:      id,
		typeTag: typeTag,
		specs:   specs,
		inputs:  make(map[string]any),
		outputs: make(map[string]any),
	}
	for _, spec := range specs {
		if spec.Role == RoleInput && spec.Default != nil {
			base.inputs[spec.Name] = copyValue(spec.Default)
		}
	}
	return base
}

// ID returns the protocol id.
func (b *Base) ID() string {
	return b.id
}

// SetID assigns the protocol id directly.
func (b *Base) SetID(id string) {
	b.id = id
}

// TypeTag returns the protocol's registered type tag.
func (b *Base) TypeTag() string {
	return b.typeTag
}

// AttributeSpecs returns the declared attribute table.
func (b *Base) AttributeSpecs() []AttributeSpec {
	return b.specs
}

func (b *Base) spec(name string) (AttributeSpec, bool) {
	for _, spec := range b.specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return AttributeSpec{}, false
}

// RequiredInputs lists the non-optional input attributes as bare paths.
func (b *Base) RequiredInputs() []ProtocolPath {
	var required []ProtocolPath
	for _, spec := range b.specs {
		if spec.Role == RoleInput && !spec.Optional {
			required = append(required, NewProtocolPath(spec.Name))
		}
	}
	return required
}

func (b *Base) checkOwnPath(path ProtocolPath) error {
	chain := path.ProtocolIDs()
	if len(chain) == 0 {
		return nil
	}
	if len(chain) == 1 && chain[0] == b.id {
		return nil
	}
	return fmt.Errorf("path %q does not address protocol %q", path, b.id)
}

// GetValue resolves a path to the referenced attribute value.
func (b *Base) GetValue(path ProtocolPath) (any, error) {
	if err := b.checkOwnPath(path); err != nil {
		return nil, err
	}

	steps, err := splitAttribute(path.PropertyName())
	if err != nil {
		return nil, err
	}

	spec, known := b.spec(steps[0].name)
	if !known {
		return nil, fmt.Errorf("protocol %q has no attribute %q", b.id, steps[0].name)
	}

	store := b.inputs
	if spec.Role == RoleOutput {
		store = b.outputs
	}

	current, found := store[spec.Name]
	if !found {
		return nil, nil
	}

	for _, step := range steps[1:] {
		if step.name != "" {
			current, err = getNamedAttribute(current, step.name)
		} else {
			current, err = getIndexedValue(current, step)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %q on protocol %q: %w", path, b.id, err)
		}
	}
	return current, nil
}

// SetValue assigns a value to a top-level attribute or to a single
// indexed element within one.
func (b *Base) SetValue(path ProtocolPath, value any) error {
	if err := b.checkOwnPath(path); err != nil {
		return err
	}

	steps, err := splitAttribute(path.PropertyName())
	if err != nil {
		return err
	}

	spec, known := b.spec(steps[0].name)
	if !known {
		return fmt.Errorf("protocol %q has no attribute %q", b.id, steps[0].name)
	}

	store := b.inputs
	if spec.Role == RoleOutput {
		store = b.outputs
	}

	switch len(steps) {
	case 1:
		store[spec.Name] = value
		return nil
	case 2:
		if steps[1].name != "" {
			return fmt.Errorf("cannot assign nested attribute %q on protocol %q", path, b.id)
		}
		container := store[spec.Name]
		switch typed := container.(type) {
		case []any:
			index, numeric := steps[1].listIndex()
			if !numeric {
				return fmt.Errorf("index %q is not numeric", steps[1].index)
			}
			if index < 0 || index >= len(typed) {
				return fmt.Errorf("index %d out of range (len %d)", index, len(typed))
			}
			typed[index] = value
			return nil
		case map[string]any:
			typed[steps[1].index] = value
			return nil
		}
		return fmt.Errorf("attribute %q of protocol %q is not indexable", spec.Name, b.id)
	}
	return fmt.Errorf("cannot assign deeply nested path %q on protocol %q", path, b.id)
}

// ValueReferences enumerates the protocol paths nested inside the value
// of the given input attribute.
func (b *Base) ValueReferences(input ProtocolPath) map[string]ProtocolPath {
	references := make(map[string]ProtocolPath)

	steps, err := splitAttribute(input.PropertyName())
	if err != nil {
		return references
	}
	name := steps[0].name

	value, found := b.inputs[name]
	if !found {
		return references
	}

	// Keys are relative path strings, so callers can parse them and
	// assign resolved values back through SetValue.
	switch typed := value.(type) {
	case ProtocolPath:
		references[NewProtocolPath(name).String()] = typed
	case []any:
		for index, element := range typed {
			if path, ok := element.(ProtocolPath); ok {
				references[NewProtocolPath(fmt.Sprintf("%s[%d]", name, index)).String()] = path
			}
		}
	case map[string]any:
		for key, element := range typed {
			if path, ok := element.(ProtocolPath); ok {
				references[NewProtocolPath(fmt.Sprintf("%s[%s]", name, key)).String()] = path
			}
		}
	}
	return references
}

// Dependencies lists every path referenced by the protocol's required
// inputs, in deterministic order.
func (b *Base) Dependencies() []ProtocolPath {
	return collectDependencies(b)
}

// AttributeType returns the declared type tag for a top-level
// attribute; nested accesses are not statically typed.
func (b *Base) AttributeType(path ProtocolPath) string {
	steps, err := splitAttribute(path.PropertyName())
	if err != nil {
		return ""
	}
	if len(steps) > 1 {
		return ""
	}
	spec, known := b.spec(steps[0].name)
	if !known {
		return ""
	}
	return spec.Type
}

// Schema returns a serializable snapshot of the protocol's state.
func (b *Base) Schema() *ProtocolSchema {
	inputs := make(map[string]any, len(b.inputs))
	for name, value := range b.inputs {
		inputs[name] = copyValue(value)
	}
	return &ProtocolSchema{ID: b.id, Type: b.typeTag, Inputs: inputs}
}

// SetSchema restores the protocol's state from a schema. Unknown input
// names are rejected, so a schema authored against a different protocol
// version fails loudly at deserialization rather than at execution.
func (b *Base) SetSchema(schema *ProtocolSchema, _ *ProtocolRegistry) error {
	if schema.Type != b.typeTag {
		return fmt.Errorf("schema type %q does not match protocol type %q", schema.Type, b.typeTag)
	}
	b.id = schema.ID
	for name, value := range schema.Inputs {
		spec, known := b.spec(name)
		if !known || spec.Role != RoleInput {
			return fmt.Errorf("protocol type %q has no input %q", b.typeTag, name)
		}
		b.inputs[name] = copyValue(value)
	}
	return nil
}

// SetUUID namespaces the protocol id and every referenced path with a
// workflow uuid.
func (b *Base) SetUUID(workflowUUID string) {
	b.id = appendUUIDToID(b.id, workflowUUID)
	for name, value := range b.inputs {
		b.inputs[name] = mapPaths(value, func(path ProtocolPath) ProtocolPath {
			return path.AppendUUID(workflowUUID)
		})
	}
}

// ReplaceProtocol rewrites the protocol's own id and every internal
// reference, replacing occurrences of oldID with newID.
func (b *Base) ReplaceProtocol(oldID, newID string) {
	if oldID == "" || oldID == newID {
		return
	}
	b.id = strings.ReplaceAll(b.id, oldID, newID)
	for name, value := range b.inputs {
		b.inputs[name] = mapPaths(value, func(path ProtocolPath) ProtocolPath {
			return path.ReplaceProtocol(oldID, newID)
		})
	}
}

// CanMerge implements the default merge predicate: two protocols can
// merge when they share a type and every exactly-equal input matches.
func (b *Base) CanMerge(other Protocol) bool {
	if other == nil || other.TypeTag() != b.typeTag {
		return false
	}
	for _, spec := range b.specs {
		if spec.Role != RoleInput || spec.Merge != MergeExactlyEqual {
			continue
		}
		otherValue, err := other.GetValue(NewProtocolPath(spec.Name))
		if err != nil {
			return false
		}
		if !valuesEqual(b.inputs[spec.Name], otherValue) {
			return false
		}
	}
	return true
}

// Merge folds a mergeable protocol into this one. Inputs declared with
// the greatest or smallest merge behavior adopt the winning value so
// the shared instance satisfies both workflows.
func (b *Base) Merge(other Protocol) (map[string]string, error) {
	if !b.CanMerge(other) {
		return nil, fmt.Errorf("cannot merge protocol %q into %q", other.ID(), b.id)
	}
	for _, spec := range b.specs {
		if spec.Role != RoleInput {
			continue
		}
		if spec.Merge != MergeGreatestValue && spec.Merge != MergeSmallestValue {
			continue
		}
		otherValue, err := other.GetValue(NewProtocolPath(spec.Name))
		if err != nil || otherValue == nil {
			continue
		}
		ordering, err := compareValues(b.inputs[spec.Name], otherValue)
		if err != nil {
			return nil, fmt.Errorf("merge input %q: %w", spec.Name, err)
		}
		if (spec.Merge == MergeGreatestValue && ordering < 0) ||
			(spec.Merge == MergeSmallestValue && ordering > 0) {
			b.inputs[spec.Name] = otherValue
		}
	}
	return map[string]string{}, nil
}

// ApplyReplicator is a no-op for protocols without nested children.
func (b *Base) ApplyReplicator(_ *ProtocolReplicator, _ ReplicationContext,
	_ *ProtocolRegistry) (ReplicationMap, error) {
	return ReplicationMap{}, nil
}

// InputValue returns the current value of a named input.
func (b *Base) InputValue(name string) any {
	return b.inputs[name]
}

// SetOutput records an execution output.
func (b *Base) SetOutput(name string, value any) {
	b.outputs[name] = value
}

// Outputs returns a copy of the recorded outputs.
func (b *Base) Outputs() map[string]any {
	outputs := make(map[string]any, len(b.outputs))
	for name, value := range b.outputs {
		outputs[name] = value
	}
	return outputs
}

// RelativeOutputs returns the recorded outputs keyed by relative
// attribute path strings, the form Execute reports results in.
func (b *Base) RelativeOutputs() map[string]any {
	outputs := make(map[string]any, len(b.outputs))
	for name, value := range b.outputs {
		outputs[NewProtocolPath(name).String()] = value
	}
	return outputs
}

func mapPaths(value any, transform func(ProtocolPath) ProtocolPath) any {
	switch typed := value.(type) {
	case ProtocolPath:
		return transform(typed)
	case []any:
		for index, element := range typed {
			typed[index] = mapPaths(element, transform)
		}
		return typed
	case map[string]any:
		for key, element := range typed {
			typed[key] = mapPaths(element, transform)
		}
		return typed
	}
	return value
}

func copyValue(value any) any {
	switch typed := value.(type) {
	case []any:
		copied := make([]any, len(typed))
		for index, element := range typed {
			copied[index] = copyValue(element)
		}
		return copied
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, element := range typed {
			copied[key] = copyValue(element)
		}
		return copied
	}
	return value
}
