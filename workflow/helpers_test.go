package workflow

import (
	"context"
	"fmt"

	"github.com/propflow/propflow/backend"
)

// echoProtocol copies its input straight through to its output. It
// stands in for arbitrary work in tests which only exercise wiring.
type echoProtocol struct {
	Base
}

func newEchoProtocol(id string) *echoProtocol {
	return &echoProtocol{Base: NewBase(id, "Echo", []AttributeSpec{
		InputSpec("input_value", ""),
		OutputSpec("output_value", ""),
	})}
}

func (p *echoProtocol) Execute(_ context.Context, _ string,
	_ backend.ComputeResources) (map[string]any, error) {
	p.SetOutput("output_value", p.InputValue("input_value"))
	return p.RelativeOutputs(), nil
}

// sumProtocol adds a list of numbers.
type sumProtocol struct {
	Base
}

func newSumProtocol(id string) *sumProtocol {
	return &sumProtocol{Base: NewBase(id, "Sum", []AttributeSpec{
		InputSpec("values", "list"),
		OutputSpec("result", ""),
	})}
}

func (p *sumProtocol) Execute(_ context.Context, _ string,
	_ backend.ComputeResources) (map[string]any, error) {
	values, ok := p.InputValue("values").([]any)
	if !ok {
		return nil, fmt.Errorf("values input holds %T, want a list", p.InputValue("values"))
	}
	total := 0.0
	for index, value := range values {
		number, numeric := asFloat(value)
		if !numeric {
			return nil, fmt.Errorf("value %d is not numeric (%T)", index, value)
		}
		total += number
	}
	p.SetOutput("result", total)
	return p.RelativeOutputs(), nil
}

// failingProtocol always fails, exercising the error record path.
type failingProtocol struct {
	Base
}

func newFailingProtocol(id string) *failingProtocol {
	return &failingProtocol{Base: NewBase(id, "Fail", []AttributeSpec{
		OptionalInputSpec("input_value", "", nil),
		OutputSpec("output_value", ""),
	})}
}

func (p *failingProtocol) Execute(_ context.Context, _ string,
	_ backend.ComputeResources) (map[string]any, error) {
	return nil, fmt.Errorf("deliberate failure of %q", p.ID())
}

// counterProtocol counts its own executions, so loop iterations are
// observable from the outside.
type counterProtocol struct {
	Base
	runs int
}

func newCounterProtocol(id string) *counterProtocol {
	return &counterProtocol{Base: NewBase(id, "Counter", []AttributeSpec{
		OptionalInputSpec("increment", "float", 1.0),
		OutputSpec("count", "float"),
	})}
}

func (p *counterProtocol) Execute(_ context.Context, _ string,
	_ backend.ComputeResources) (map[string]any, error) {
	p.runs++
	p.SetOutput("count", float64(p.runs))
	return p.RelativeOutputs(), nil
}

// samplerProtocol carries a merge-by-greatest input.
type samplerProtocol struct {
	Base
}

func newSamplerProtocol(id string) *samplerProtocol {
	return &samplerProtocol{Base: NewBase(id, "Sampler", []AttributeSpec{
		InputSpec("input_value", ""),
		{
			Name:     "minimum_samples",
			Role:     RoleInput,
			Type:     "float",
			Optional: true,
			Merge:    MergeGreatestValue,
			Default:  1.0,
		},
		OutputSpec("output_value", ""),
	})}
}

func (p *samplerProtocol) Execute(_ context.Context, _ string,
	_ backend.ComputeResources) (map[string]any, error) {
	p.SetOutput("output_value", p.InputValue("input_value"))
	return p.RelativeOutputs(), nil
}

// typedProtocol declares typed attributes for interface validation.
type typedProtocol struct {
	Base
}

func newTypedProtocol(id string) *typedProtocol {
	return &typedProtocol{Base: NewBase(id, "Typed", []AttributeSpec{
		InputSpec("quantity", "Quantity"),
		OutputSpec("count", "int"),
	})}
}

func (p *typedProtocol) Execute(_ context.Context, _ string,
	_ backend.ComputeResources) (map[string]any, error) {
	p.SetOutput("count", 1)
	return p.RelativeOutputs(), nil
}

func newTestRegistry() *ProtocolRegistry {
	registry := NewProtocolRegistry()
	RegisterGroupTypes(registry)
	registry.Register("Echo", func(id string) Protocol { return newEchoProtocol(id) })
	registry.Register("Sum", func(id string) Protocol { return newSumProtocol(id) })
	registry.Register("Fail", func(id string) Protocol { return newFailingProtocol(id) })
	registry.Register("Counter", func(id string) Protocol { return newCounterProtocol(id) })
	registry.Register("Sampler", func(id string) Protocol { return newSamplerProtocol(id) })
	registry.Register("Typed", func(id string) Protocol { return newTypedProtocol(id) })
	return registry
}
