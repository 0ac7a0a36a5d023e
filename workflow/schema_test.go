package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propflow/propflow/types"
)

func validTestSchema() *WorkflowSchema {
	return &WorkflowSchema{
		PropertyType: "Density",
		Protocols: []*ProtocolSchema{
			{
				ID:     "echo_$(comp)",
				Type:   "Echo",
				Inputs: map[string]any{"input_value": NewReplicatorValue("comp")},
			},
			{
				ID:   "collect",
				Type: "Sum",
				Inputs: map[string]any{
					"values": []any{MustParsePath("echo_$(comp).output_value")},
				},
			},
		},
		Replicators: []*ProtocolReplicator{
			{ID: "comp", TemplateValues: NewGlobalPath("components")},
		},
		FinalValueSource: MustParsePath("collect.result"),
	}
}

func TestValidateInterfaces(t *testing.T) {
	registry := newTestRegistry()
	require.NoError(t, validTestSchema().ValidateInterfaces(registry))
}

func TestValidateInterfacesDuplicateID(t *testing.T) {
	schema := validTestSchema()
	schema.Protocols = append(schema.Protocols, schema.Protocols[0])

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate protocol id")
}

func TestValidateInterfacesUnknownFinalSource(t *testing.T) {
	schema := validTestSchema()
	schema.FinalValueSource = MustParsePath("missing.result")

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final value source")
}

func TestValidateInterfacesGlobalFinalSource(t *testing.T) {
	schema := validTestSchema()
	schema.FinalValueSource = NewGlobalPath("substance")

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not reference global metadata")
}

func TestValidateInterfacesMissingRequiredInput(t *testing.T) {
	schema := validTestSchema()
	schema.Protocols[0].Inputs = map[string]any{}

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not set")
}

func TestValidateInterfacesUnknownReference(t *testing.T) {
	schema := validTestSchema()
	schema.Protocols[1].Inputs = map[string]any{
		"values": []any{MustParsePath("nowhere.output_value")},
	}

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "references unknown protocol")
}

func TestValidateInterfacesTypeMismatch(t *testing.T) {
	schema := &WorkflowSchema{
		PropertyType: "Density",
		Protocols: []*ProtocolSchema{
			{
				ID:     "produce",
				Type:   "Typed",
				Inputs: map[string]any{"quantity": types.NewQuantity(1, "K")},
			},
			{
				ID:     "consume",
				Type:   "Typed",
				Inputs: map[string]any{"quantity": MustParsePath("produce.count")},
			},
		},
	}

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `expects "Quantity"`)
}

func TestValidateInterfacesFinalValueSourceType(t *testing.T) {
	schema := &WorkflowSchema{
		PropertyType: "Density",
		Protocols: []*ProtocolSchema{{
			ID:     "produce",
			Type:   "Typed",
			Inputs: map[string]any{"quantity": types.NewQuantity(1, "K")},
		}},
		FinalValueSource: MustParsePath("produce.count"),
	}

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `must resolve to a "EstimatedQuantity" attribute`)
}

func TestValidateInterfacesGradientSourceType(t *testing.T) {
	schema := &WorkflowSchema{
		PropertyType: "Density",
		Protocols: []*ProtocolSchema{{
			ID:     "produce",
			Type:   "Typed",
			Inputs: map[string]any{"quantity": types.NewQuantity(1, "K")},
		}},
		GradientsSources: []ProtocolPath{MustParsePath("produce.count")},
	}

	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `must resolve to a "ParameterGradient" attribute`)
}

func TestValidateInterfacesReplicators(t *testing.T) {
	schema := validTestSchema()
	schema.Replicators = []*ProtocolReplicator{{ID: ""}}
	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty id")

	schema = validTestSchema()
	schema.Replicators = []*ProtocolReplicator{
		{ID: "comp", TemplateValues: MustParsePath("collect.result")},
	}
	err = schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global metadata")
}

func TestValidateInterfacesOutputsToStore(t *testing.T) {
	schema := validTestSchema()
	schema.OutputsToStore = map[string]any{"artifact": "not a stored output"}
	err := schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")

	schema = validTestSchema()
	schema.OutputsToStore = map[string]any{
		"artifact": &SimulationDataToStore{
			Substance:          NewGlobalPath("substance"),
			CoordinateFilePath: MustParsePath("missing.output_value"),
		},
	}
	err = schema.ValidateInterfaces(newTestRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "references unknown protocol")
}

func TestWorkflowSchemaJSONRoundTrip(t *testing.T) {
	schema := validTestSchema()
	schema.GradientsSources = []ProtocolPath{MustParsePath("collect.result")}
	schema.OutputsToStore = map[string]any{
		"component_data_$(comp)": &SimulationDataToStore{
			Substance:               NewReplicatorValue("comp"),
			TotalNumberOfMolecules:  1000.0,
			StatisticalInefficiency: 1.0,
		},
	}

	data, err := json.Marshal(schema)
	require.NoError(t, err)

	decoded := &WorkflowSchema{}
	require.NoError(t, json.Unmarshal(data, decoded))

	assert.Equal(t, schema.PropertyType, decoded.PropertyType)
	require.Len(t, decoded.Protocols, 2)
	assert.Equal(t, "echo_$(comp)", decoded.Protocols[0].ID)
	assert.Equal(t, NewReplicatorValue("comp"), decoded.Protocols[0].Inputs["input_value"])
	assert.True(t, decoded.FinalValueSource.Equal(schema.FinalValueSource))
	require.Len(t, decoded.Replicators, 1)

	stored, ok := decoded.OutputsToStore["component_data_$(comp)"].(*SimulationDataToStore)
	require.True(t, ok)
	assert.Equal(t, NewReplicatorValue("comp"), stored.Substance)
	assert.Equal(t, 1000.0, stored.TotalNumberOfMolecules)
}

func TestWorkflowSchemaCloneIsDeep(t *testing.T) {
	schema := validTestSchema()
	clone, err := schema.Clone()
	require.NoError(t, err)

	clone.Protocols[0].Inputs["input_value"] = "mutated"
	assert.Equal(t, NewReplicatorValue("comp"), schema.Protocols[0].Inputs["input_value"])
}
