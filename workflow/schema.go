package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/propflow/propflow/typedjson"
)

// SimulationDataToStore describes one data artifact to assemble once a
// workflow finishes: the files written by the protocols which generated
// it, plus the substance it was generated for. Any field may hold a
// literal, a protocol path resolved at gather time, or a replicator
// value resolved during replication.
type SimulationDataToStore struct {
	Substance               any
	TotalNumberOfMolecules  any
	CoordinateFilePath      any
	TrajectoryFilePath      any
	StatisticsFilePath      any
	StatisticalInefficiency any
}

type simulationDataToStoreJSON struct {
	Substance               json.RawMessage `json:"substance,omitempty"`
	TotalNumberOfMolecules  json.RawMessage `json:"total_number_of_molecules,omitempty"`
	CoordinateFilePath      json.RawMessage `json:"coordinate_file_path,omitempty"`
	TrajectoryFilePath      json.RawMessage `json:"trajectory_file_path,omitempty"`
	StatisticsFilePath      json.RawMessage `json:"statistics_file_path,omitempty"`
	StatisticalInefficiency json.RawMessage `json:"statistical_inefficiency,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *SimulationDataToStore) MarshalJSON() ([]byte, error) {
	encoded := simulationDataToStoreJSON{}
	for _, field := range []struct {
		value any
		raw   *json.RawMessage
	}{
		{s.Substance, &encoded.Substance},
		{s.TotalNumberOfMolecules, &encoded.TotalNumberOfMolecules},
		{s.CoordinateFilePath, &encoded.CoordinateFilePath},
		{s.TrajectoryFilePath, &encoded.TrajectoryFilePath},
		{s.StatisticsFilePath, &encoded.StatisticsFilePath},
		{s.StatisticalInefficiency, &encoded.StatisticalInefficiency},
	} {
		if field.value == nil {
			continue
		}
		raw, err := typedjson.Encode(field.value)
		if err != nil {
			return nil, err
		}
		*field.raw = raw
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SimulationDataToStore) UnmarshalJSON(data []byte) error {
	var decoded simulationDataToStoreJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	for _, field := range []struct {
		raw   json.RawMessage
		value *any
	}{
		{decoded.Substance, &s.Substance},
		{decoded.TotalNumberOfMolecules, &s.TotalNumberOfMolecules},
		{decoded.CoordinateFilePath, &s.CoordinateFilePath},
		{decoded.TrajectoryFilePath, &s.TrajectoryFilePath},
		{decoded.StatisticsFilePath, &s.StatisticsFilePath},
		{decoded.StatisticalInefficiency, &s.StatisticalInefficiency},
	} {
		if len(field.raw) == 0 {
			*field.value = nil
			continue
		}
		value, err := typedjson.Decode(field.raw)
		if err != nil {
			return err
		}
		*field.value = value
	}
	return nil
}

// transformValues applies a transformation to every field value.
func (s *SimulationDataToStore) transformValues(transform func(any) any) {
	s.Substance = transform(s.Substance)
	s.TotalNumberOfMolecules = transform(s.TotalNumberOfMolecules)
	s.CoordinateFilePath = transform(s.CoordinateFilePath)
	s.TrajectoryFilePath = transform(s.TrajectoryFilePath)
	s.StatisticsFilePath = transform(s.StatisticsFilePath)
	s.StatisticalInefficiency = transform(s.StatisticalInefficiency)
}

// paths lists the protocol paths held by the artifact's fields.
func (s *SimulationDataToStore) paths() []ProtocolPath {
	var paths []ProtocolPath
	s.transformValues(func(value any) any {
		if path, ok := value.(ProtocolPath); ok {
			paths = append(paths, path)
		}
		return value
	})
	return paths
}

func (s *SimulationDataToStore) clone() *SimulationDataToStore {
	copied := &SimulationDataToStore{}
	*copied = *s
	copied.transformValues(copyValue)
	return copied
}

// DataCollectionToStore groups several simulation data artifacts under
// one stored key.
type DataCollectionToStore struct {
	Data map[string]*SimulationDataToStore `json:"data"`
}

// transformValues applies a transformation to every nested field value.
func (c *DataCollectionToStore) transformValues(transform func(any) any) {
	for _, artifact := range c.Data {
		artifact.transformValues(transform)
	}
}

func (c *DataCollectionToStore) paths() []ProtocolPath {
	var paths []ProtocolPath
	keys := make([]string, 0, len(c.Data))
	for key := range c.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		paths = append(paths, c.Data[key].paths()...)
	}
	return paths
}

func (c *DataCollectionToStore) clone() *DataCollectionToStore {
	copied := &DataCollectionToStore{Data: make(map[string]*SimulationDataToStore, len(c.Data))}
	for key, artifact := range c.Data {
		copied.Data[key] = artifact.clone()
	}
	return copied
}

func init() {
	typedjson.Register("workflow.SimulationDataToStore", &SimulationDataToStore{})
	typedjson.Register("workflow.DataCollectionToStore", &DataCollectionToStore{})
}

// storedOutput is the common behavior of the outputs-to-store values.
type storedOutput interface {
	transformValues(transform func(any) any)
	paths() []ProtocolPath
}

// WorkflowSchema declares how to estimate one physical property type:
// an ordered set of protocol schemas, replicators to expand, the path
// of the final value, the paths of any gradients, and the data
// artifacts to assemble afterwards.
type WorkflowSchema struct {
	// PropertyType names the property the workflow estimates.
	PropertyType string
	// Protocols holds the protocol schemas in declaration order.
	Protocols []*ProtocolSchema
	// Replicators are applied in order before the workflow is built.
	Replicators []*ProtocolReplicator
	// FinalValueSource addresses the output holding the estimated
	// value. May be zero for workflows which only produce stored data.
	FinalValueSource ProtocolPath
	// GradientsSources address the outputs holding parameter gradients.
	GradientsSources []ProtocolPath
	// OutputsToStore maps stored data keys to *SimulationDataToStore or
	// *DataCollectionToStore descriptions.
	OutputsToStore map[string]any
}

type workflowSchemaJSON struct {
	PropertyType     string                     `json:"property_type"`
	Protocols        []*ProtocolSchema          `json:"protocols"`
	Replicators      []*ProtocolReplicator      `json:"replicators,omitempty"`
	FinalValueSource *ProtocolPath              `json:"final_value_source,omitempty"`
	GradientsSources []ProtocolPath             `json:"gradients_sources,omitempty"`
	OutputsToStore   map[string]json.RawMessage `json:"outputs_to_store,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *WorkflowSchema) MarshalJSON() ([]byte, error) {
	encoded := workflowSchemaJSON{
		PropertyType:     s.PropertyType,
		Protocols:        s.Protocols,
		Replicators:      s.Replicators,
		GradientsSources: s.GradientsSources,
	}
	if !s.FinalValueSource.IsZero() {
		source := s.FinalValueSource
		encoded.FinalValueSource = &source
	}
	if len(s.OutputsToStore) > 0 {
		encoded.OutputsToStore = make(map[string]json.RawMessage, len(s.OutputsToStore))
		for key, output := range s.OutputsToStore {
			raw, err := typedjson.Encode(output)
			if err != nil {
				return nil, fmt.Errorf("encode output to store %q: %w", key, err)
			}
			encoded.OutputsToStore[key] = raw
		}
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *WorkflowSchema) UnmarshalJSON(data []byte) error {
	var decoded workflowSchemaJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	s.PropertyType = decoded.PropertyType
	s.Protocols = decoded.Protocols
	s.Replicators = decoded.Replicators
	s.GradientsSources = decoded.GradientsSources
	s.FinalValueSource = ProtocolPath{}
	if decoded.FinalValueSource != nil {
		s.FinalValueSource = *decoded.FinalValueSource
	}
	s.OutputsToStore = nil
	if len(decoded.OutputsToStore) > 0 {
		s.OutputsToStore = make(map[string]any, len(decoded.OutputsToStore))
		for key, raw := range decoded.OutputsToStore {
			output, err := typedjson.Decode(raw)
			if err != nil {
				return fmt.Errorf("decode output to store %q: %w", key, err)
			}
			s.OutputsToStore[key] = output
		}
	}
	return nil
}

// Clone returns a deep copy of the schema via a serialization round
// trip.
func (s *WorkflowSchema) Clone() (*WorkflowSchema, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	clone := &WorkflowSchema{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// ValidateInterfaces checks that the schema is internally consistent:
// the final value and gradient sources address declared attributes,
// replicators carry usable template values, every required input is
// set, and every cross-protocol reference points at an existing
// attribute of a compatible type. Checks run in that order so the
// failure surfaced first is the most fundamental one.
func (s *WorkflowSchema) ValidateInterfaces(registry *ProtocolRegistry) error {
	protocols := make(map[string]Protocol, len(s.Protocols))
	order := make([]string, 0, len(s.Protocols))
	for _, protocolSchema := range s.Protocols {
		if _, duplicate := protocols[protocolSchema.ID]; duplicate {
			return fmt.Errorf("duplicate protocol id %q", protocolSchema.ID)
		}
		protocol, err := registry.FromSchema(protocolSchema)
		if err != nil {
			return fmt.Errorf("protocol %q: %w", protocolSchema.ID, err)
		}
		protocols[protocol.ID()] = protocol
		order = append(order, protocol.ID())
	}

	validateSource := func(kind string, path ProtocolPath, wantType string) error {
		if path.IsGlobal() {
			return fmt.Errorf("%s must not reference global metadata", kind)
		}
		target, found := protocols[path.StartProtocol()]
		if !found {
			return fmt.Errorf("%s references unknown protocol %q", kind, path.StartProtocol())
		}
		if _, err := target.GetValue(path); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		// Nested accesses are not statically typed; only a declared
		// top-level attribute type can contradict the expectation.
		if wantType != "" {
			if declared := target.AttributeType(path); declared != "" && declared != wantType {
				return fmt.Errorf("%s %q must resolve to a %q attribute, got %q",
					kind, path, wantType, declared)
			}
		}
		return nil
	}

	if !s.FinalValueSource.IsZero() {
		if err := validateSource("final value source", s.FinalValueSource, "EstimatedQuantity"); err != nil {
			return err
		}
	}
	for _, source := range s.GradientsSources {
		if err := validateSource("gradient source", source, "ParameterGradient"); err != nil {
			return err
		}
	}

	for _, replicator := range s.Replicators {
		if replicator.ID == "" {
			return fmt.Errorf("replicator with empty id")
		}
		switch values := replicator.TemplateValues.(type) {
		case []any:
		case ProtocolPath:
			if !values.IsGlobal() {
				return fmt.Errorf("template values of replicator %q must come from global metadata, got %q",
					replicator.ID, values)
			}
		default:
			return fmt.Errorf("replicator %q has no usable template values", replicator.ID)
		}
	}

	outputKeys := make([]string, 0, len(s.OutputsToStore))
	for key := range s.OutputsToStore {
		outputKeys = append(outputKeys, key)
	}
	sort.Strings(outputKeys)
	for _, key := range outputKeys {
		output, ok := s.OutputsToStore[key].(storedOutput)
		if !ok {
			return fmt.Errorf("output to store %q has unsupported type %T", key, s.OutputsToStore[key])
		}
		if _, isCollection := output.(*DataCollectionToStore); isCollection && HasPlaceholderResidue(key) {
			return fmt.Errorf("data collection %q cannot be replicated", key)
		}
		for _, path := range output.paths() {
			if path.IsGlobal() || HasPlaceholderResidue(path.String()) {
				continue
			}
			if err := validateSource(fmt.Sprintf("output to store %q", key), path, ""); err != nil {
				return err
			}
		}
	}

	for _, id := range order {
		protocol := protocols[id]
		for _, input := range protocol.RequiredInputs() {
			value, err := protocol.GetValue(input)
			if err != nil {
				return fmt.Errorf("protocol %q: %w", id, err)
			}
			if value == nil {
				return fmt.Errorf("required input %q of protocol %q is not set", input, id)
			}
		}
	}

	for _, id := range order {
		protocol := protocols[id]
		for _, input := range protocol.RequiredInputs() {
			references := protocol.ValueReferences(input)
			keys := make([]string, 0, len(references))
			for key := range references {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				reference := references[key]
				if reference.IsGlobal() {
					continue
				}
				target, found := protocols[reference.StartProtocol()]
				if !found {
					return fmt.Errorf("input %q of protocol %q references unknown protocol %q",
						key, id, reference.StartProtocol())
				}
				if _, err := target.GetValue(reference); err != nil {
					return fmt.Errorf("input %q of protocol %q: %w", key, id, err)
				}

				// Replicated references resolve to different attributes
				// per clone, so their types are only checkable after
				// expansion.
				if HasPlaceholderResidue(reference.String()) || HasPlaceholderResidue(id) {
					continue
				}
				sourcePath, err := ParsePath(key)
				if err != nil {
					continue
				}
				sourceType := protocol.AttributeType(sourcePath)
				targetType := target.AttributeType(reference)
				if sourceType != "" && targetType != "" && sourceType != targetType {
					return fmt.Errorf("input %q of protocol %q expects %q but %q provides %q",
						key, id, sourceType, reference, targetType)
				}
			}
		}
	}

	return nil
}
