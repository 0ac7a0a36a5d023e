package protocols

import (
	"context"
	"fmt"
	"math"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/types"
	"github.com/propflow/propflow/workflow"
)

// TypeAverageValues is the registered tag of the AverageValues protocol.
const TypeAverageValues = "AverageValues"

// AverageValues reduces a series of observations to an estimate: the
// sample mean with the standard error of the mean as its uncertainty.
// It is the terminal analysis step of most estimation schemas, and the
// output driving a workflow's convergence check.
type AverageValues struct {
	workflow.Base
}

// NewAverageValues creates an AverageValues protocol.
func NewAverageValues(id string) *AverageValues {
	minimumSamples := workflow.OptionalInputSpec("minimum_samples", "int", 1)
	// Two workflows sharing a merged analysis step both get the larger
	// sample requirement.
	minimumSamples.Merge = workflow.MergeGreatestValue

	return &AverageValues{Base: workflow.NewBase(id, TypeAverageValues, []workflow.AttributeSpec{
		workflow.InputSpec("values", "list"),
		minimumSamples,
		workflow.OutputSpec("estimate", "EstimatedQuantity"),
		workflow.OutputSpec("sample_count", "int"),
	})}
}

// Execute implements workflow.Protocol.
func (p *AverageValues) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	values, ok := p.InputValue("values").([]any)
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("values must be a non-empty list, got %T", p.InputValue("values"))
	}

	minimum, err := toNumeric(p.InputValue("minimum_samples"))
	if err != nil {
		return nil, fmt.Errorf("minimum_samples: %w", err)
	}
	if float64(len(values)) < minimum.value {
		return nil, fmt.Errorf("need at least %g samples, got %d", minimum.value, len(values))
	}

	unit := ""
	samples := make([]float64, len(values))
	for index, value := range values {
		observation, err := toNumeric(value)
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", index, err)
		}
		if index == 0 {
			unit = observation.unit
		} else if observation.unit != unit {
			return nil, fmt.Errorf("values[%d] has unit %q, want %q", index, observation.unit, unit)
		}
		samples[index] = observation.value
	}

	mean := 0.0
	for _, sample := range samples {
		mean += sample
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, sample := range samples {
		deviation := sample - mean
		variance += deviation * deviation
	}
	standardError := 0.0
	if len(samples) > 1 {
		variance /= float64(len(samples) - 1)
		standardError = math.Sqrt(variance / float64(len(samples)))
	}

	p.SetOutput("estimate", types.EstimatedQuantity{
		Value:       types.Quantity{Value: mean, Unit: unit},
		Uncertainty: types.Quantity{Value: standardError, Unit: unit},
		Source:      p.ID(),
	})
	p.SetOutput("sample_count", len(samples))
	return p.RelativeOutputs(), nil
}
