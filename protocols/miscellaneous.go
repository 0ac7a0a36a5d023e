// Package protocols provides the built-in protocol types: small
// arithmetic and bookkeeping building blocks which property estimation
// schemas compose into larger calculations. Every type registers
// through RegisterDefaults rather than an ambient global table.
package protocols

import (
	"context"
	"fmt"
	"math"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/types"
	"github.com/propflow/propflow/workflow"
)

// Registered protocol type tags.
const (
	TypeConstantValue        = "ConstantValue"
	TypeAddValues            = "AddValues"
	TypeSubtractValues       = "SubtractValues"
	TypeMultiplyValue        = "MultiplyValue"
	TypeDivideValue          = "DivideValue"
	TypeWeightByMoleFraction = "WeightByMoleFraction"
)

// numeric is the common shape the arithmetic protocols operate on: a
// value with an optional unit and an optional statistical uncertainty.
type numeric struct {
	value       float64
	uncertainty float64
	unit        string
	estimated   bool
}

func toNumeric(value any) (numeric, error) {
	switch typed := value.(type) {
	case types.EstimatedQuantity:
		return numeric{
			value:       typed.Value.Value,
			uncertainty: typed.Uncertainty.Value,
			unit:        typed.Value.Unit,
			estimated:   true,
		}, nil
	case *types.EstimatedQuantity:
		if typed != nil {
			return toNumeric(*typed)
		}
	case types.Quantity:
		return numeric{value: typed.Value, unit: typed.Unit}, nil
	case float64:
		return numeric{value: typed}, nil
	case int:
		return numeric{value: float64(typed)}, nil
	}
	return numeric{}, fmt.Errorf("value of type %T is not numeric", value)
}

func (n numeric) materialize(source string) any {
	if n.estimated {
		return types.EstimatedQuantity{
			Value:       types.Quantity{Value: n.value, Unit: n.unit},
			Uncertainty: types.Quantity{Value: n.uncertainty, Unit: n.unit},
			Source:      source,
		}
	}
	if n.unit != "" {
		return types.Quantity{Value: n.value, Unit: n.unit}
	}
	return n.value
}

func (n numeric) add(other numeric) (numeric, error) {
	if n.unit != other.unit {
		return numeric{}, fmt.Errorf("cannot combine values with units %q and %q", n.unit, other.unit)
	}
	return numeric{
		value: n.value + other.value,
		// Independent uncertainties combine in quadrature.
		uncertainty: math.Sqrt(n.uncertainty*n.uncertainty + other.uncertainty*other.uncertainty),
		unit:        n.unit,
		estimated:   n.estimated || other.estimated,
	}, nil
}

func (n numeric) scale(factor float64) numeric {
	return numeric{
		value:       n.value * factor,
		uncertainty: math.Abs(n.uncertainty * factor),
		unit:        n.unit,
		estimated:   n.estimated,
	}
}

// ConstantValue passes its input through unchanged. It mainly exists to
// lift a literal schema value, or a value pulled from global metadata,
// into an output other protocols can reference.
type ConstantValue struct {
	workflow.Base
}

// NewConstantValue creates a ConstantValue protocol.
func NewConstantValue(id string) *ConstantValue {
	return &ConstantValue{Base: workflow.NewBase(id, TypeConstantValue, []workflow.AttributeSpec{
		workflow.InputSpec("value", ""),
		workflow.OutputSpec("result", ""),
	})}
}

// Execute implements workflow.Protocol.
func (p *ConstantValue) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	value := p.InputValue("value")
	if value == nil {
		return nil, fmt.Errorf("no value was set")
	}
	p.SetOutput("result", value)
	return p.RelativeOutputs(), nil
}

// AddValues sums a list of numeric values with matching units,
// combining uncertainties in quadrature.
type AddValues struct {
	workflow.Base
}

// NewAddValues creates an AddValues protocol.
func NewAddValues(id string) *AddValues {
	return &AddValues{Base: workflow.NewBase(id, TypeAddValues, []workflow.AttributeSpec{
		workflow.InputSpec("values", "list"),
		workflow.OutputSpec("result", ""),
	})}
}

// Execute implements workflow.Protocol.
func (p *AddValues) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	values, ok := p.InputValue("values").([]any)
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("values must be a non-empty list, got %T", p.InputValue("values"))
	}

	total, err := toNumeric(values[0])
	if err != nil {
		return nil, fmt.Errorf("values[0]: %w", err)
	}
	for index, value := range values[1:] {
		term, err := toNumeric(value)
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", index+1, err)
		}
		total, err = total.add(term)
		if err != nil {
			return nil, err
		}
	}

	p.SetOutput("result", total.materialize(p.ID()))
	return p.RelativeOutputs(), nil
}

// SubtractValues computes value_b - value_a.
type SubtractValues struct {
	workflow.Base
}

// NewSubtractValues creates a SubtractValues protocol.
func NewSubtractValues(id string) *SubtractValues {
	return &SubtractValues{Base: workflow.NewBase(id, TypeSubtractValues, []workflow.AttributeSpec{
		workflow.InputSpec("value_a", ""),
		workflow.InputSpec("value_b", ""),
		workflow.OutputSpec("result", ""),
	})}
}

// Execute implements workflow.Protocol.
func (p *SubtractValues) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	valueA, err := toNumeric(p.InputValue("value_a"))
	if err != nil {
		return nil, fmt.Errorf("value_a: %w", err)
	}
	valueB, err := toNumeric(p.InputValue("value_b"))
	if err != nil {
		return nil, fmt.Errorf("value_b: %w", err)
	}

	difference, err := valueB.add(valueA.scale(-1))
	if err != nil {
		return nil, err
	}
	p.SetOutput("result", difference.materialize(p.ID()))
	return p.RelativeOutputs(), nil
}

// MultiplyValue scales a numeric value by a dimensionless multiplier.
type MultiplyValue struct {
	workflow.Base
}

// NewMultiplyValue creates a MultiplyValue protocol.
func NewMultiplyValue(id string) *MultiplyValue {
	return &MultiplyValue{Base: workflow.NewBase(id, TypeMultiplyValue, []workflow.AttributeSpec{
		workflow.InputSpec("value", ""),
		workflow.InputSpec("multiplier", "float"),
		workflow.OutputSpec("result", ""),
	})}
}

// Execute implements workflow.Protocol.
func (p *MultiplyValue) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	value, err := toNumeric(p.InputValue("value"))
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	multiplier, err := toNumeric(p.InputValue("multiplier"))
	if err != nil || multiplier.unit != "" {
		return nil, fmt.Errorf("multiplier must be a dimensionless number, got %v", p.InputValue("multiplier"))
	}
	p.SetOutput("result", value.scale(multiplier.value).materialize(p.ID()))
	return p.RelativeOutputs(), nil
}

// DivideValue divides a numeric value by a dimensionless divisor.
type DivideValue struct {
	workflow.Base
}

// NewDivideValue creates a DivideValue protocol.
func NewDivideValue(id string) *DivideValue {
	return &DivideValue{Base: workflow.NewBase(id, TypeDivideValue, []workflow.AttributeSpec{
		workflow.InputSpec("value", ""),
		workflow.InputSpec("divisor", "float"),
		workflow.OutputSpec("result", ""),
	})}
}

// Execute implements workflow.Protocol.
func (p *DivideValue) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	value, err := toNumeric(p.InputValue("value"))
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	divisor, err := toNumeric(p.InputValue("divisor"))
	if err != nil || divisor.unit != "" {
		return nil, fmt.Errorf("divisor must be a dimensionless number, got %v", p.InputValue("divisor"))
	}
	if divisor.value == 0 {
		return nil, fmt.Errorf("cannot divide by zero")
	}
	p.SetOutput("result", value.scale(1/divisor.value).materialize(p.ID()))
	return p.RelativeOutputs(), nil
}

// WeightByMoleFraction scales a value estimated for a pure component by
// that component's mole fraction within the full substance, the
// building block of ideal mixing rules.
type WeightByMoleFraction struct {
	workflow.Base
}

// NewWeightByMoleFraction creates a WeightByMoleFraction protocol.
func NewWeightByMoleFraction(id string) *WeightByMoleFraction {
	return &WeightByMoleFraction{Base: workflow.NewBase(id, TypeWeightByMoleFraction, []workflow.AttributeSpec{
		workflow.InputSpec("value", ""),
		workflow.InputSpec("component", "Substance"),
		workflow.InputSpec("full_substance", "Substance"),
		workflow.OutputSpec("weighted_value", ""),
	})}
}

// Execute implements workflow.Protocol.
func (p *WeightByMoleFraction) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	component, ok := p.InputValue("component").(types.Substance)
	if !ok {
		return nil, fmt.Errorf("component must be a substance, got %T", p.InputValue("component"))
	}
	if component.NumberOfComponents() != 1 {
		return nil, fmt.Errorf("component must contain exactly one species, got %d",
			component.NumberOfComponents())
	}
	fullSubstance, ok := p.InputValue("full_substance").(types.Substance)
	if !ok {
		return nil, fmt.Errorf("full_substance must be a substance, got %T", p.InputValue("full_substance"))
	}

	moleFraction := -1.0
	for _, candidate := range fullSubstance.Components {
		if candidate.SMILES == component.Components[0].SMILES {
			moleFraction = candidate.MoleFraction
			break
		}
	}
	if moleFraction < 0 {
		return nil, fmt.Errorf("component %q is not part of the full substance",
			component.Components[0].SMILES)
	}

	value, err := toNumeric(p.InputValue("value"))
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	p.SetOutput("weighted_value", value.scale(moleFraction).materialize(p.ID()))
	return p.RelativeOutputs(), nil
}
