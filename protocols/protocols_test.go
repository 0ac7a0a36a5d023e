package protocols

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/types"
	"github.com/propflow/propflow/workflow"
)

func setInput(t *testing.T, p workflow.Protocol, name string, value any) {
	t.Helper()
	require.NoError(t, p.SetValue(workflow.MustParsePath("."+name), value))
}

func execute(t *testing.T, p workflow.Protocol) map[string]any {
	t.Helper()
	outputs, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{CPUCount: 1})
	require.NoError(t, err)
	return outputs
}

func TestConstantValue(t *testing.T) {
	p := NewConstantValue("constant")
	setInput(t, p, "value", types.NewQuantity(298.15, "K"))

	outputs := execute(t, p)
	assert.Equal(t, types.NewQuantity(298.15, "K"), outputs[".result"])
}

func TestConstantValueRequiresValue(t *testing.T) {
	p := NewConstantValue("constant")
	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no value was set")
}

func TestAddValues(t *testing.T) {
	p := NewAddValues("add")
	setInput(t, p, "values", []any{
		types.NewEstimatedQuantity(types.NewQuantity(10.0, "K"), types.NewQuantity(3.0, "K"), "a"),
		types.NewEstimatedQuantity(types.NewQuantity(5.0, "K"), types.NewQuantity(4.0, "K"), "b"),
	})

	outputs := execute(t, p)
	sum, ok := outputs[".result"].(types.EstimatedQuantity)
	require.True(t, ok)
	assert.Equal(t, 15.0, sum.Value.Value)
	assert.Equal(t, "K", sum.Value.Unit)
	// Independent uncertainties combine in quadrature: sqrt(9 + 16).
	assert.Equal(t, 5.0, sum.Uncertainty.Value)
	assert.Equal(t, "add", sum.Source)
}

func TestAddValuesPlainNumbers(t *testing.T) {
	p := NewAddValues("add")
	setInput(t, p, "values", []any{1.0, 2.0, 3.5})

	outputs := execute(t, p)
	assert.Equal(t, 6.5, outputs[".result"])
}

func TestAddValuesUnitMismatch(t *testing.T) {
	p := NewAddValues("add")
	setInput(t, p, "values", []any{
		types.NewQuantity(1.0, "K"),
		types.NewQuantity(1.0, "g/L"),
	})

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot combine values with units")
}

func TestAddValuesRejectsEmptyList(t *testing.T) {
	p := NewAddValues("add")
	setInput(t, p, "values", []any{})

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty list")
}

func TestSubtractValues(t *testing.T) {
	p := NewSubtractValues("subtract")
	setInput(t, p, "value_a", types.NewQuantity(2.0, "K"))
	setInput(t, p, "value_b", types.NewQuantity(5.0, "K"))

	// The convention is value_b - value_a.
	outputs := execute(t, p)
	assert.Equal(t, types.NewQuantity(3.0, "K"), outputs[".result"])
}

func TestMultiplyValue(t *testing.T) {
	p := NewMultiplyValue("multiply")
	setInput(t, p, "value", types.NewEstimatedQuantity(
		types.NewQuantity(2.0, "K"), types.NewQuantity(0.5, "K"), "a"))
	setInput(t, p, "multiplier", 3.0)

	outputs := execute(t, p)
	scaled, ok := outputs[".result"].(types.EstimatedQuantity)
	require.True(t, ok)
	assert.Equal(t, 6.0, scaled.Value.Value)
	assert.Equal(t, 1.5, scaled.Uncertainty.Value)
}

func TestMultiplyValueRejectsDimensionedMultiplier(t *testing.T) {
	p := NewMultiplyValue("multiply")
	setInput(t, p, "value", 2.0)
	setInput(t, p, "multiplier", types.NewQuantity(3.0, "K"))

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensionless")
}

func TestDivideValue(t *testing.T) {
	p := NewDivideValue("divide")
	setInput(t, p, "value", types.NewQuantity(6.0, "K"))
	setInput(t, p, "divisor", 2.0)

	outputs := execute(t, p)
	assert.Equal(t, types.NewQuantity(3.0, "K"), outputs[".result"])
}

func TestDivideValueByZero(t *testing.T) {
	p := NewDivideValue("divide")
	setInput(t, p, "value", 6.0)
	setInput(t, p, "divisor", 0.0)

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divide by zero")
}

func TestWeightByMoleFraction(t *testing.T) {
	p := NewWeightByMoleFraction("weight")
	setInput(t, p, "value", types.NewQuantity(100.0, "g/L"))
	setInput(t, p, "component", types.PureSubstance("O"))
	setInput(t, p, "full_substance", types.NewSubstance(
		types.Component{SMILES: "O", MoleFraction: 0.25},
		types.Component{SMILES: "CO", MoleFraction: 0.75},
	))

	outputs := execute(t, p)
	assert.Equal(t, types.NewQuantity(25.0, "g/L"), outputs[".weighted_value"])
}

func TestWeightByMoleFractionUnknownComponent(t *testing.T) {
	p := NewWeightByMoleFraction("weight")
	setInput(t, p, "value", 1.0)
	setInput(t, p, "component", types.PureSubstance("CCO"))
	setInput(t, p, "full_substance", types.PureSubstance("O"))

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not part of the full substance")
}

func TestWeightByMoleFractionRequiresPureComponent(t *testing.T) {
	p := NewWeightByMoleFraction("weight")
	setInput(t, p, "value", 1.0)
	setInput(t, p, "component", types.NewSubstance(
		types.Component{SMILES: "O", MoleFraction: 0.5},
		types.Component{SMILES: "CO", MoleFraction: 0.5},
	))
	setInput(t, p, "full_substance", types.PureSubstance("O"))

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one species")
}

func TestAverageValues(t *testing.T) {
	p := NewAverageValues("average")
	setInput(t, p, "values", []any{
		types.NewQuantity(1.0, "g/L"),
		types.NewQuantity(2.0, "g/L"),
		types.NewQuantity(3.0, "g/L"),
	})

	outputs := execute(t, p)
	estimate, ok := outputs[".estimate"].(types.EstimatedQuantity)
	require.True(t, ok)
	assert.Equal(t, 2.0, estimate.Value.Value)
	assert.Equal(t, "g/L", estimate.Value.Unit)
	// Standard error of the mean: sqrt(variance / n) with variance 1.
	assert.InDelta(t, math.Sqrt(1.0/3.0), estimate.Uncertainty.Value, 1e-12)
	assert.Equal(t, "average", estimate.Source)
	assert.Equal(t, 3, outputs[".sample_count"])
}

func TestAverageValuesSingleSample(t *testing.T) {
	p := NewAverageValues("average")
	setInput(t, p, "values", []any{4.5})

	outputs := execute(t, p)
	estimate, ok := outputs[".estimate"].(types.EstimatedQuantity)
	require.True(t, ok)
	assert.Equal(t, 4.5, estimate.Value.Value)
	assert.Equal(t, 0.0, estimate.Uncertainty.Value)
}

func TestAverageValuesEnforcesMinimumSamples(t *testing.T) {
	p := NewAverageValues("average")
	setInput(t, p, "values", []any{1.0, 2.0})
	setInput(t, p, "minimum_samples", 5)

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 5 samples")
}

func TestAverageValuesUnitMismatch(t *testing.T) {
	p := NewAverageValues("average")
	setInput(t, p, "values", []any{
		types.NewQuantity(1.0, "K"),
		types.NewQuantity(2.0, "g/L"),
	})

	_, err := p.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `has unit "g/L", want "K"`)
}

func TestArtifactRoundTrip(t *testing.T) {
	directory := t.TempDir()
	artifact := types.NewEstimatedQuantity(
		types.NewQuantity(998.2, "g/L"), types.NewQuantity(0.5, "g/L"), "run-1")

	writer := NewWriteArtifact("write")
	setInput(t, writer, "data", artifact)
	setInput(t, writer, "file_name", "density.json")

	outputs, err := writer.Execute(context.Background(), directory, backend.ComputeResources{})
	require.NoError(t, err)
	path, ok := outputs[".artifact_path"].(string)
	require.True(t, ok)
	assert.FileExists(t, path)

	reader := NewReadArtifact("read")
	setInput(t, reader, "artifact_path", path)

	outputs, err = reader.Execute(context.Background(), directory, backend.ComputeResources{})
	require.NoError(t, err)
	assert.Equal(t, artifact, outputs[".data"])
}

func TestWriteArtifactRejectsMissingData(t *testing.T) {
	writer := NewWriteArtifact("write")
	_, err := writer.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data was set")
}

func TestReadArtifactMissingFile(t *testing.T) {
	reader := NewReadArtifact("read")
	setInput(t, reader, "artifact_path", "/nonexistent/artifact.json")

	_, err := reader.Execute(context.Background(), t.TempDir(), backend.ComputeResources{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRegisterDefaults(t *testing.T) {
	registry := RegisterDefaults(nil)
	require.NotNil(t, registry)

	tags := registry.Types()
	for _, tag := range []string{
		TypeConstantValue, TypeAddValues, TypeSubtractValues,
		TypeMultiplyValue, TypeDivideValue, TypeWeightByMoleFraction,
		TypeAverageValues, TypeWriteArtifact, TypeReadArtifact,
	} {
		assert.Contains(t, tags, tag)
	}

	p, err := registry.New(TypeAverageValues, "average")
	require.NoError(t, err)
	assert.Equal(t, TypeAverageValues, p.TypeTag())
	assert.Equal(t, "average", p.ID())
}
