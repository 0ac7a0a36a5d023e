package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/propflow/propflow/typedjson"
)

const (
	placeholderPrefix = "$("
	placeholderSuffix = ")"
)

// Placeholder is the replication token of a single replicator, written
// "$(replicator_id)". All placeholder matching and substitution goes
// through this type; no other code inspects the token syntax.
type Placeholder string

// NewPlaceholder builds the placeholder token for a replicator id.
func NewPlaceholder(replicatorID string) Placeholder {
	return Placeholder(placeholderPrefix + replicatorID + placeholderSuffix)
}

// String returns the literal token.
func (p Placeholder) String() string {
	return string(p)
}

// AppearsIn reports whether the token occurs in the given string.
func (p Placeholder) AppearsIn(s string) bool {
	return strings.Contains(s, string(p))
}

// Substitute replaces every occurrence of the token with the template
// index.
func (p Placeholder) Substitute(s string, index int) string {
	return strings.ReplaceAll(s, string(p), strconv.Itoa(index))
}

// SubstitutePath substitutes the template index into both the id chain
// and the attribute section of a path.
func (p Placeholder) SubstitutePath(path ProtocolPath, index int) ProtocolPath {
	ids := path.ProtocolIDs()
	for i, id := range ids {
		ids[i] = p.Substitute(id, index)
	}
	return NewProtocolPath(p.Substitute(path.PropertyName(), index), ids...)
}

// SubstituteValue substitutes the template index into a value, walking
// nested lists and maps and rewriting paths and strings.
func (p Placeholder) SubstituteValue(value any, index int) any {
	switch typed := value.(type) {
	case ProtocolPath:
		return p.SubstitutePath(typed, index)
	case string:
		return p.Substitute(typed, index)
	case []any:
		for i, element := range typed {
			typed[i] = p.SubstituteValue(element, index)
		}
		return typed
	case map[string]any:
		for key, element := range typed {
			typed[key] = p.SubstituteValue(element, index)
		}
		return typed
	}
	return value
}

// HasPlaceholderResidue reports whether a string still contains any
// replication token. After every replicator has been applied no residue
// may remain anywhere in a workflow; a leftover token is a fatal
// authoring error.
func HasPlaceholderResidue(s string) bool {
	return strings.Contains(s, placeholderPrefix)
}

// ProtocolReplicator declares that every protocol whose id contains the
// replicator's placeholder token must be cloned once per template
// value before the workflow is built.
type ProtocolReplicator struct {
	// ID names the replicator; its placeholder token is "$(ID)".
	ID string `json:"id"`
	// TemplateValues is either a concrete list of values or a global
	// metadata path which resolves to one.
	TemplateValues any `json:"template_values"`
}

// Placeholder returns the replicator's token.
func (r *ProtocolReplicator) Placeholder() Placeholder {
	return NewPlaceholder(r.ID)
}

type protocolReplicatorJSON struct {
	ID             string          `json:"id"`
	TemplateValues json.RawMessage `json:"template_values,omitempty"`
}

// MarshalJSON implements json.Marshaler. Template values use the
// tagged encoding since they may hold paths or quantities.
func (r *ProtocolReplicator) MarshalJSON() ([]byte, error) {
	encoded := protocolReplicatorJSON{ID: r.ID}
	if r.TemplateValues != nil {
		raw, err := typedjson.Encode(r.TemplateValues)
		if err != nil {
			return nil, fmt.Errorf("encode template values of replicator %q: %w", r.ID, err)
		}
		encoded.TemplateValues = raw
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ProtocolReplicator) UnmarshalJSON(data []byte) error {
	var decoded protocolReplicatorJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	r.ID = decoded.ID
	r.TemplateValues = nil
	if len(decoded.TemplateValues) > 0 {
		values, err := typedjson.Decode(decoded.TemplateValues)
		if err != nil {
			return fmt.Errorf("decode template values of replicator %q: %w", r.ID, err)
		}
		r.TemplateValues = values
	}
	return nil
}

// Replica records one clone produced by replication.
type Replica struct {
	// Chain is the slash-joined id chain of the clone.
	Chain string
	// Index is the template value index the clone was built for.
	Index int
}

// ReplicationMap records, per original protocol id chain, the clones
// which replaced it. Downstream reference rewiring consumes this map
// instead of re-deriving clone ids from strings.
type ReplicationMap map[string][]Replica

func (m ReplicationMap) merge(other ReplicationMap) {
	for chain, replicas := range other {
		m[chain] = append(m[chain], replicas...)
	}
}

// prefixed returns a copy of the map with every chain nested under a
// parent protocol id.
func (m ReplicationMap) prefixed(parentID string) ReplicationMap {
	prefixed := make(ReplicationMap, len(m))
	for chain, replicas := range m {
		moved := make([]Replica, len(replicas))
		for i, replica := range replicas {
			moved[i] = Replica{
				Chain: parentID + pathSeparator + replica.Chain,
				Index: replica.Index,
			}
		}
		prefixed[parentID+pathSeparator+chain] = moved
	}
	return prefixed
}

// replicaIndex resolves the template index of the protocol owning the
// given id chain, walking chain prefixes so that children of a
// replicated group inherit its index.
func (m ReplicationMap) replicaIndex(chain string) (int, bool) {
	indexes := make(map[string]int)
	for _, replicas := range m {
		for _, replica := range replicas {
			indexes[replica.Chain] = replica.Index
		}
	}
	ids := strings.Split(chain, pathSeparator)
	for length := len(ids); length > 0; length-- {
		if index, found := indexes[strings.Join(ids[:length], pathSeparator)]; found {
			return index, true
		}
	}
	return 0, false
}

// ReplicationContext tells a protocol how it is being replicated:
// either against the full template value list, or pinned to the single
// index of an already replicated ancestor.
type ReplicationContext struct {
	values []any
	index  int
	pinned bool
}

// ReplicateAll replicates against every template value.
func ReplicateAll(values []any) ReplicationContext {
	return ReplicationContext{values: values, index: -1}
}

// ReplicateIndex pins replication to a single template index, used for
// the descendants of a protocol already cloned at that index.
func ReplicateIndex(index int, value any) ReplicationContext {
	return ReplicationContext{values: []any{value}, index: index, pinned: true}
}

// Pinned reports whether the context is fixed to one template index.
func (c ReplicationContext) Pinned() bool {
	return c.pinned
}

// PinnedIndex returns the fixed template index; only meaningful when
// Pinned reports true.
func (c ReplicationContext) PinnedIndex() int {
	return c.index
}

// PinnedValue returns the fixed template value.
func (c ReplicationContext) PinnedValue() any {
	return c.values[0]
}

// Count returns the number of template values in scope.
func (c ReplicationContext) Count() int {
	return len(c.values)
}

// pairs enumerates the (index, value) combinations a protocol must be
// cloned for.
func (c ReplicationContext) pairs() []replicaPair {
	if c.pinned {
		return []replicaPair{{index: c.index, value: c.values[0]}}
	}
	pairs := make([]replicaPair, len(c.values))
	for i, value := range c.values {
		pairs[i] = replicaPair{index: i, value: value}
	}
	return pairs
}

type replicaPair struct {
	index int
	value any
}

// Apply expands the replicator over a set of protocols: protocols whose
// id contains the placeholder are replaced by one clone per template
// value, protocol groups recursively replicate their children, and all
// other protocols pass through untouched. The returned map holds the
// surviving protocols keyed by id; the replication map records every
// clone for reference rewiring.
func (r *ProtocolReplicator) Apply(protocols map[string]Protocol, context ReplicationContext,
	registry *ProtocolRegistry) (map[string]Protocol, ReplicationMap, error) {

	placeholder := r.Placeholder()
	result := make(map[string]Protocol, len(protocols))
	replicated := make(ReplicationMap)

	ids := make([]string, 0, len(protocols))
	for id := range protocols {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		protocol := protocols[id]

		if !placeholder.AppearsIn(id) {
			childMap, err := protocol.ApplyReplicator(r, context, registry)
			if err != nil {
				return nil, nil, fmt.Errorf("replicate children of %q: %w", id, err)
			}
			replicated.merge(childMap)
			result[protocol.ID()] = protocol
			continue
		}

		for _, pair := range context.pairs() {
			clone, err := r.replicate(protocol, pair, registry)
			if err != nil {
				return nil, nil, err
			}
			childMap, err := clone.ApplyReplicator(r, ReplicateIndex(pair.index, pair.value), registry)
			if err != nil {
				return nil, nil, fmt.Errorf("replicate children of %q: %w", clone.ID(), err)
			}
			replicated.merge(childMap)
			result[clone.ID()] = clone
			replicated[id] = append(replicated[id], Replica{Chain: clone.ID(), Index: pair.index})
		}
		if len(context.pairs()) == 0 {
			replicated[id] = []Replica{}
		}
	}

	return result, replicated, nil
}

// replicate builds the clone of a protocol for one template value.
func (r *ProtocolReplicator) replicate(protocol Protocol, pair replicaPair,
	registry *ProtocolRegistry) (Protocol, error) {

	schema, err := protocol.Schema().Clone()
	if err != nil {
		return nil, fmt.Errorf("clone schema of %q: %w", protocol.ID(), err)
	}
	schema.ID = r.Placeholder().Substitute(schema.ID, pair.index)

	clone, err := registry.FromSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("instantiate replica %q: %w", schema.ID, err)
	}
	if err := resolveReplicatorValues(clone, r.ID, r.Placeholder(), pair.index, pair.value); err != nil {
		return nil, fmt.Errorf("resolve template value on %q: %w", clone.ID(), err)
	}
	return clone, nil
}

// resolveReplicatorValues replaces ReplicatorValue placeholders in a
// protocol's inputs: values bound to this replicator become the current
// template value, and nested replicator references have the template
// index substituted into their id.
func resolveReplicatorValues(protocol Protocol, replicatorID string, placeholder Placeholder,
	index int, value any) error {

	for _, spec := range protocol.AttributeSpecs() {
		if spec.Role != RoleInput {
			continue
		}
		path := NewProtocolPath(spec.Name)
		current, err := protocol.GetValue(path)
		if err != nil || current == nil {
			continue
		}
		resolved, changed := resolveReplicatorValue(current, replicatorID, placeholder, index, value)
		if !changed {
			continue
		}
		if err := protocol.SetValue(path, resolved); err != nil {
			return err
		}
	}

	if group, ok := protocol.(interface{ ChildProtocols() []Protocol }); ok {
		for _, child := range group.ChildProtocols() {
			if err := resolveReplicatorValues(child, replicatorID, placeholder, index, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func resolveReplicatorValue(current any, replicatorID string, placeholder Placeholder,
	index int, value any) (any, bool) {

	switch typed := current.(type) {
	case ReplicatorValue:
		if typed.ReplicatorID == replicatorID {
			return value, true
		}
		if placeholder.AppearsIn(typed.ReplicatorID) {
			return ReplicatorValue{ReplicatorID: placeholder.Substitute(typed.ReplicatorID, index)}, true
		}
	case []any:
		changed := false
		for i, element := range typed {
			resolved, elementChanged := resolveReplicatorValue(element, replicatorID, placeholder, index, value)
			if elementChanged {
				typed[i] = resolved
				changed = true
			}
		}
		return typed, changed
	case map[string]any:
		changed := false
		for key, element := range typed {
			resolved, elementChanged := resolveReplicatorValue(element, replicatorID, placeholder, index, value)
			if elementChanged {
				typed[key] = resolved
				changed = true
			}
		}
		return typed, changed
	}
	return current, false
}

// UpdateReferences rewires every reference which still carries the
// replicator's placeholder. A reference held by one of the clones (or
// by a descendant of one) is substituted with that clone's own template
// index; a reference held by an unreplicated protocol fans out into the
// full list of clone references, index aligned with the template
// values.
func (r *ProtocolReplicator) UpdateReferences(protocols map[string]Protocol,
	replicated ReplicationMap, count int) error {

	placeholder := r.Placeholder()

	ids := make([]string, 0, len(protocols))
	for id := range protocols {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		protocol := protocols[id]
		for _, input := range protocol.RequiredInputs() {
			if err := r.updateInputReferences(protocol, input, replicated, count, placeholder); err != nil {
				return fmt.Errorf("rewire input %q of %q: %w", input, id, err)
			}
		}
	}
	return nil
}

func (r *ProtocolReplicator) updateInputReferences(protocol Protocol, input ProtocolPath,
	replicated ReplicationMap, count int, placeholder Placeholder) error {

	references := protocol.ValueReferences(input)

	hasPlaceholder := false
	for _, reference := range references {
		if placeholder.AppearsIn(reference.String()) {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		return nil
	}

	// The chain owning the input decides between index substitution and
	// fan out: inputs of a clone (or of anything nested inside one) are
	// pinned to the clone's index.
	ownerChain := protocol.ID()
	if inputChain := input.ProtocolChain(); inputChain != "" {
		ownerChain = ownerChain + pathSeparator + inputChain
	}

	if index, pinned := replicated.replicaIndex(ownerChain); pinned {
		keys := make([]string, 0, len(references))
		for key := range references {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			reference := references[key]
			if !placeholder.AppearsIn(reference.String()) {
				continue
			}
			sourcePath, err := ParsePath(key)
			if err != nil {
				return err
			}
			if err := protocol.SetValue(sourcePath, placeholder.SubstitutePath(reference, index)); err != nil {
				return err
			}
		}
		return nil
	}

	// Unreplicated consumer: the single placeholder reference becomes an
	// index aligned list over every clone. A placeholder reference
	// sitting inside a list is spliced in place.
	current, err := protocol.GetValue(input)
	if err != nil {
		return err
	}

	switch typed := current.(type) {
	case ProtocolPath:
		expanded := make([]any, count)
		for index := 0; index < count; index++ {
			expanded[index] = placeholder.SubstitutePath(typed, index)
		}
		return protocol.SetValue(input, expanded)
	case []any:
		expanded := make([]any, 0, len(typed)+count)
		for _, element := range typed {
			path, isPath := element.(ProtocolPath)
			if !isPath || !placeholder.AppearsIn(path.String()) {
				expanded = append(expanded, element)
				continue
			}
			for index := 0; index < count; index++ {
				expanded = append(expanded, placeholder.SubstitutePath(path, index))
			}
		}
		return protocol.SetValue(input, expanded)
	}
	return fmt.Errorf("input %q holds a replicated reference inside an unsupported %T container", input, current)
}

// ExpandNested rewrites the replicators still waiting to be applied
// after this one: a pending replicator whose id contains this
// replicator's placeholder splits into one replicator per template
// index, with the index substituted into its id and template values.
func (r *ProtocolReplicator) ExpandNested(pending []*ProtocolReplicator, count int) []*ProtocolReplicator {
	placeholder := r.Placeholder()

	var expanded []*ProtocolReplicator
	for _, replicator := range pending {
		if !placeholder.AppearsIn(replicator.ID) {
			expanded = append(expanded, replicator)
			continue
		}
		for index := 0; index < count; index++ {
			expanded = append(expanded, &ProtocolReplicator{
				ID:             placeholder.Substitute(replicator.ID, index),
				TemplateValues: placeholder.SubstituteValue(copyValue(replicator.TemplateValues), index),
			})
		}
	}
	return expanded
}
