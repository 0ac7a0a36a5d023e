package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/typedjson"
)

// Protocol is a single unit of computational work: an entity with an
// id, a table of typed inputs and outputs, a mergeability predicate and
// an execute operation. Protocol groups are protocols which contain
// nested protocols and add conditional looping semantics.
type Protocol interface {
	// ID returns the protocol's unique identifier, used as a map key
	// and as its working directory name.
	ID() string

	// TypeTag returns the registered type tag of the protocol.
	TypeTag() string

	// AttributeSpecs returns the protocol's declared attribute table.
	AttributeSpecs() []AttributeSpec

	// RequiredInputs lists the input attributes which must be set
	// before the protocol can execute.
	RequiredInputs() []ProtocolPath

	// Dependencies lists every protocol path this protocol's inputs
	// reference, including global paths.
	Dependencies() []ProtocolPath

	// GetValue resolves a path to the referenced attribute value.
	GetValue(path ProtocolPath) (any, error)

	// SetValue assigns a value to the attribute addressed by the path.
	SetValue(path ProtocolPath, value any) error

	// ValueReferences enumerates the protocol paths nested inside the
	// value of the given input, keyed by the sub-path which holds them
	// (e.g. "values[2]").
	ValueReferences(input ProtocolPath) map[string]ProtocolPath

	// AttributeType returns the declared type tag of an attribute, or
	// an empty string when the attribute is not statically typed.
	AttributeType(path ProtocolPath) string

	// Schema returns a serializable snapshot of the protocol.
	Schema() *ProtocolSchema

	// SetSchema restores the protocol's state from a schema.
	SetSchema(schema *ProtocolSchema, registry *ProtocolRegistry) error

	// SetUUID namespaces the protocol id, and every path it references,
	// with a workflow uuid.
	SetUUID(workflowUUID string)

	// ReplaceProtocol rewrites every internal reference to oldID so it
	// points at newID instead.
	ReplaceProtocol(oldID, newID string)

	// CanMerge reports whether the other protocol computes the same
	// thing as this one and could be replaced by it.
	CanMerge(other Protocol) bool

	// Merge folds a mergeable protocol into this one, returning a map
	// of renamed nested protocol ids (always empty for non-groups).
	Merge(other Protocol) (map[string]string, error)

	// ApplyReplicator lets protocol groups replicate their own nested
	// protocols. Non-group protocols return an empty map.
	ApplyReplicator(replicator *ProtocolReplicator, context ReplicationContext,
		registry *ProtocolRegistry) (ReplicationMap, error)

	// Execute runs the protocol inside its working directory and
	// returns its outputs keyed by relative path strings (".density"
	// for an output of the protocol itself, "child.density" for one of
	// a nested protocol). Errors returned here are converted into
	// structured error records by the execution layer; Execute must not
	// panic.
	Execute(ctx context.Context, directory string, resources backend.ComputeResources) (map[string]any, error)
}

// ProtocolSchema is the serializable description of a single protocol:
// its id, registered type and input values. Group schemas additionally
// carry the schemas of their nested protocols.
type ProtocolSchema struct {
	ID       string
	Type     string
	Inputs   map[string]any
	Grouped  []*ProtocolSchema
	MaxIters int          // group looping bound, groups only
	Conds    []*Condition // group loop conditions, groups only
}

type protocolSchemaJSON struct {
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Inputs   map[string]json.RawMessage `json:"inputs"`
	Grouped  []*ProtocolSchema          `json:"grouped_protocol_schemas,omitempty"`
	MaxIters int                        `json:"max_iterations,omitempty"`
	Conds    []*Condition               `json:"conditions,omitempty"`
}

// MarshalJSON implements json.Marshaler. Input values are written with
// the tagged typedjson encoding so paths, quantities and placeholder
// values survive the round trip.
func (s *ProtocolSchema) MarshalJSON() ([]byte, error) {
	encoded := protocolSchemaJSON{
		ID:       s.ID,
		Type:     s.Type,
		Inputs:   make(map[string]json.RawMessage, len(s.Inputs)),
		Grouped:  s.Grouped,
		MaxIters: s.MaxIters,
		Conds:    s.Conds,
	}
	for name, value := range s.Inputs {
		raw, err := typedjson.Encode(value)
		if err != nil {
			return nil, fmt.Errorf("encode input %q of %s: %w", name, s.ID, err)
		}
		encoded.Inputs[name] = raw
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ProtocolSchema) UnmarshalJSON(data []byte) error {
	var decoded protocolSchemaJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	s.ID = decoded.ID
	s.Type = decoded.Type
	s.Grouped = decoded.Grouped
	s.MaxIters = decoded.MaxIters
	s.Conds = decoded.Conds
	s.Inputs = make(map[string]any, len(decoded.Inputs))
	for name, raw := range decoded.Inputs {
		value, err := typedjson.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode input %q of %s: %w", name, s.ID, err)
		}
		s.Inputs[name] = value
	}
	return nil
}

// Clone returns a deep copy of the schema via a serialization round
// trip, so mutation of the copy never leaks into the original.
func (s *ProtocolSchema) Clone() (*ProtocolSchema, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	clone := &ProtocolSchema{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// ProtocolFactory constructs a fresh protocol instance with the given
// id.
type ProtocolFactory func(id string) Protocol

// ProtocolRegistry maps protocol type tags to factories. It replaces
// ambient global protocol tables: a registry is populated explicitly at
// startup and injected wherever protocols are instantiated from
// serialized type tags.
type ProtocolRegistry struct {
	mu        sync.RWMutex
	factories map[string]ProtocolFactory
}

// NewProtocolRegistry creates an empty registry.
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{factories: make(map[string]ProtocolFactory)}
}

// Register adds a factory for a protocol type tag. Registering a tag
// twice replaces the previous factory.
func (r *ProtocolRegistry) Register(typeTag string, factory ProtocolFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = factory
}

// New instantiates a protocol of the given registered type.
func (r *ProtocolRegistry) New(typeTag, id string) (Protocol, error) {
	r.mu.RLock()
	factory, found := r.factories[typeTag]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("protocol type %q is not registered", typeTag)
	}
	return factory(id), nil
}

// FromSchema instantiates a protocol and restores its state from a
// schema.
func (r *ProtocolRegistry) FromSchema(schema *ProtocolSchema) (Protocol, error) {
	protocol, err := r.New(schema.Type, schema.ID)
	if err != nil {
		return nil, err
	}
	if err := protocol.SetSchema(schema, r); err != nil {
		return nil, err
	}
	return protocol, nil
}

// Types returns the sorted list of registered type tags.
func (r *ProtocolRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
