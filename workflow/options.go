package workflow

import (
	"fmt"
	"math"

	"github.com/propflow/propflow/typedjson"
	"github.com/propflow/propflow/types"
)

// ConvergenceMode selects how a workflow decides whether an estimate is
// good enough to report.
type ConvergenceMode string

const (
	// ConvergenceNoChecks accepts any uncertainty.
	ConvergenceNoChecks ConvergenceMode = "no_checks"
	// ConvergenceRelativeUncertainty targets a fraction of the measured
	// uncertainty of the property being estimated.
	ConvergenceRelativeUncertainty ConvergenceMode = "relative_uncertainty"
	// ConvergenceAbsoluteUncertainty targets a fixed uncertainty.
	ConvergenceAbsoluteUncertainty ConvergenceMode = "absolute_uncertainty"
)

// WorkflowOptions controls the convergence target handed to workflows
// through their global metadata.
type WorkflowOptions struct {
	ConvergenceMode ConvergenceMode `json:"convergence_mode" yaml:"convergence_mode"`
	// RelativeUncertaintyFraction scales the measured uncertainty in
	// relative mode.
	RelativeUncertaintyFraction float64 `json:"relative_uncertainty_fraction" yaml:"relative_uncertainty_fraction"`
	// AbsoluteUncertainty is the fixed target in absolute mode.
	AbsoluteUncertainty types.Quantity `json:"absolute_uncertainty" yaml:"absolute_uncertainty"`
}

// NewWorkflowOptions creates options for the given convergence mode
// with a relative fraction of one.
func NewWorkflowOptions(mode ConvergenceMode) *WorkflowOptions {
	return &WorkflowOptions{
		ConvergenceMode:             mode,
		RelativeUncertaintyFraction: 1.0,
	}
}

// Validate checks the mode specific requirements.
func (o *WorkflowOptions) Validate() error {
	switch o.ConvergenceMode {
	case ConvergenceNoChecks:
		return nil
	case ConvergenceRelativeUncertainty:
		if o.RelativeUncertaintyFraction <= 0 {
			return fmt.Errorf("relative uncertainty fraction must be positive, got %g",
				o.RelativeUncertaintyFraction)
		}
		return nil
	case ConvergenceAbsoluteUncertainty:
		if o.AbsoluteUncertainty.IsZero() {
			return fmt.Errorf("absolute convergence requires a target uncertainty")
		}
		return nil
	}
	return fmt.Errorf("unknown convergence mode %q", o.ConvergenceMode)
}

// targetUncertainty derives the convergence target for one property.
func (o *WorkflowOptions) targetUncertainty(property *types.PhysicalProperty) (types.Quantity, error) {
	if err := o.Validate(); err != nil {
		return types.Quantity{}, err
	}
	switch o.ConvergenceMode {
	case ConvergenceRelativeUncertainty:
		return property.Uncertainty.Mul(o.RelativeUncertaintyFraction), nil
	case ConvergenceAbsoluteUncertainty:
		return o.AbsoluteUncertainty, nil
	}
	return types.Quantity{Value: math.Inf(1), Unit: property.Uncertainty.Unit}, nil
}

// GradientKeyFilter narrows the gradient keys requested of a workflow
// down to those which apply to a given property, e.g. dropping
// parameters whose SMIRKS match nothing in the substance.
type GradientKeyFilter interface {
	FilterKeys(property *types.PhysicalProperty,
		keys []types.ParameterGradientKey) []types.ParameterGradientKey
}

// GradientKeyFilterFunc adapts a function to the GradientKeyFilter
// interface.
type GradientKeyFilterFunc func(property *types.PhysicalProperty,
	keys []types.ParameterGradientKey) []types.ParameterGradientKey

// FilterKeys implements GradientKeyFilter.
func (f GradientKeyFilterFunc) FilterKeys(property *types.PhysicalProperty,
	keys []types.ParameterGradientKey) []types.ParameterGradientKey {
	return f(property, keys)
}

// The metadata keys populated by GenerateDefaultMetadata.
const (
	MetadataThermodynamicState      = "thermodynamic_state"
	MetadataSubstance               = "substance"
	MetadataComponents              = "components"
	MetadataTargetUncertainty       = "target_uncertainty"
	MetadataPerComponentUncertainty = "per_component_uncertainty"
	MetadataForceFieldPath          = "force_field_path"
	MetadataParameterGradientKeys   = "parameter_gradient_keys"
)

// GenerateDefaultMetadata builds the global metadata every workflow
// schema may reference: the property's state and substance, the
// per-component substances, the convergence targets and the force
// field. The per component target is tightened by sqrt(n+1) so that
// component estimates combine into the full target.
func GenerateDefaultMetadata(property *types.PhysicalProperty, forceFieldPath string,
	gradientKeys []types.ParameterGradientKey, options *WorkflowOptions,
	filter GradientKeyFilter) (map[string]any, error) {

	if property == nil {
		return nil, fmt.Errorf("metadata requires a property")
	}
	if options == nil {
		options = NewWorkflowOptions(ConvergenceNoChecks)
	}

	target, err := options.targetUncertainty(property)
	if err != nil {
		return nil, err
	}

	components := make([]any, 0, property.Substance.NumberOfComponents())
	for _, component := range property.Substance.Components {
		components = append(components, types.PureSubstance(component.SMILES))
	}

	keys := gradientKeys
	if filter != nil {
		keys = filter.FilterKeys(property, keys)
	}
	keyValues := make([]any, 0, len(keys))
	for _, key := range keys {
		keyValues = append(keyValues, key)
	}

	perComponent := target.Div(math.Sqrt(float64(property.Substance.NumberOfComponents() + 1)))

	return map[string]any{
		MetadataThermodynamicState:      property.ThermodynamicState,
		MetadataSubstance:               property.Substance,
		MetadataComponents:              components,
		MetadataTargetUncertainty:       target,
		MetadataPerComponentUncertainty: perComponent,
		MetadataForceFieldPath:          forceFieldPath,
		MetadataParameterGradientKeys:   keyValues,
	}, nil
}

func init() {
	typedjson.Register("workflow.ConvergenceMode", ConvergenceMode(""))
}
