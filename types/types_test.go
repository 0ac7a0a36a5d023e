package types

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantityArithmetic(t *testing.T) {
	q := NewQuantity(10.0, "K")

	assert.Equal(t, NewQuantity(5.0, "K"), q.Mul(0.5))
	assert.Equal(t, NewQuantity(2.0, "K"), q.Div(5.0))

	sum, err := q.Add(NewQuantity(2.0, "K"))
	require.NoError(t, err)
	assert.Equal(t, NewQuantity(12.0, "K"), sum)

	_, err = q.Add(NewQuantity(2.0, "g/L"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched units")
}

func TestQuantityComparison(t *testing.T) {
	greater, err := NewQuantity(2.0, "K").GreaterThan(NewQuantity(1.0, "K"))
	require.NoError(t, err)
	assert.True(t, greater)

	less, err := NewQuantity(2.0, "K").LessThan(NewQuantity(1.0, "K"))
	require.NoError(t, err)
	assert.False(t, less)

	_, err = NewQuantity(2.0, "K").GreaterThan(NewQuantity(1.0, "g/L"))
	require.Error(t, err)

	// An infinite bound compares against any unit, so disabled
	// convergence targets never trip the unit check.
	infinite := Quantity{Value: math.Inf(1)}
	less, err = NewQuantity(2.0, "K").LessThan(infinite)
	require.NoError(t, err)
	assert.True(t, less)
	assert.True(t, infinite.Infinite())
}

func TestQuantityString(t *testing.T) {
	assert.Equal(t, "298.15 K", NewQuantity(298.15, "K").String())
	assert.Equal(t, "0.5", Dimensionless(0.5).String())
	assert.Equal(t, "998.2 g/L ± 0.5 g/L", NewEstimatedQuantity(
		NewQuantity(998.2, "g/L"), NewQuantity(0.5, "g/L"), "run").String())
}

func TestEvaluatorError(t *testing.T) {
	err := NewEvaluatorError(ErrCodeExecution, "it broke").
		WithDirectory("/tmp/wfa|boom").
		WithProtocol("wfa|boom")

	assert.Equal(t, "[EXECUTION] it broke (in /tmp/wfa|boom)", err.Error())
	assert.Equal(t, "wfa|boom", err.Protocol)

	bare := NewEvaluatorError(ErrCodeGather, "missing output")
	assert.Equal(t, "[GATHER] missing output", bare.Error())
}

func TestWrapExecution(t *testing.T) {
	err := WrapExecution(assert.AnError, "/tmp/dir")
	assert.Equal(t, ErrCodeExecution, err.Code)
	assert.Equal(t, "/tmp/dir", err.Directory)
	assert.Contains(t, err.Message, assert.AnError.Error())
}

func TestAsEvaluatorError(t *testing.T) {
	record := NewEvaluatorError(ErrCodeGather, "boom")

	found, ok := AsEvaluatorError(record)
	require.True(t, ok)
	assert.Same(t, record, found)

	found, ok = AsEvaluatorError(*record)
	require.True(t, ok)
	assert.Equal(t, record.Message, found.Message)

	_, ok = AsEvaluatorError("just a string")
	assert.False(t, ok)
}

func TestPhysicalPropertyClone(t *testing.T) {
	property := &PhysicalProperty{
		ID:        "prop-1",
		Type:      "Density",
		Substance: PureSubstance("O"),
		Value:     NewQuantity(998.2, "g/L"),
		Gradients: []ParameterGradient{{
			Key:   ParameterGradientKey{Tag: "vdW", SMIRKS: "[#6:1]"},
			Value: NewQuantity(0.1, "g/L"),
		}},
		Metadata: map[string]any{"source": "thermoml"},
		Source:   &CalculationSource{Fidelity: "workflow"},
	}

	clone := property.Clone()
	require.Equal(t, property, clone)

	clone.Value = NewQuantity(1.0, "g/L")
	clone.Gradients[0].Value = NewQuantity(9.9, "g/L")
	clone.Metadata["source"] = "changed"
	clone.Source.Fidelity = "surrogate"

	assert.Equal(t, NewQuantity(998.2, "g/L"), property.Value)
	assert.Equal(t, NewQuantity(0.1, "g/L"), property.Gradients[0].Value)
	assert.Equal(t, "thermoml", property.Metadata["source"])
	assert.Equal(t, "workflow", property.Source.Fidelity)
}

func TestSubstanceIdentifier(t *testing.T) {
	binary := NewSubstance(
		Component{SMILES: "O", MoleFraction: 0.5},
		Component{SMILES: "CO", MoleFraction: 0.5},
	)
	reordered := NewSubstance(
		Component{SMILES: "CO", MoleFraction: 0.5},
		Component{SMILES: "O", MoleFraction: 0.5},
	)

	// The identifier is independent of component order.
	assert.Equal(t, binary.Identifier(), reordered.Identifier())
	assert.NotEqual(t, binary.Identifier(), PureSubstance("O").Identifier())
	assert.Equal(t, 2, binary.NumberOfComponents())
}

func TestQuantityProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("Mul and Div are inverse for non-zero factors", prop.ForAll(
		func(value, factor float64) bool {
			if math.Abs(factor) < 1e-6 {
				return true
			}
			q := NewQuantity(value, "K")
			round := q.Mul(factor).Div(factor)
			return round.Unit == "K" &&
				(math.Abs(round.Value-value) <= 1e-9*math.Max(1, math.Abs(value)))
		},
		gen.Float64Range(-1e6, 1e6), gen.Float64Range(-1e3, 1e3),
	))

	properties.Property("Add preserves the unit", prop.ForAll(
		func(a, b float64) bool {
			sum, err := NewQuantity(a, "g/L").Add(NewQuantity(b, "g/L"))
			return err == nil && sum.Unit == "g/L" && sum.Value == a+b
		},
		gen.Float64Range(-1e6, 1e6), gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}
