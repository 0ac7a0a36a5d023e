package types

// CalculationSource records the provenance of an estimated property:
// the fidelity of the layer which produced it and a snapshot of the
// inputs which went into the estimate.
type CalculationSource struct {
	Fidelity   string         `json:"fidelity"`
	Provenance map[string]any `json:"provenance,omitempty"`
}

// PhysicalProperty is a measured or estimated physical property of a
// substance at a given thermodynamic state. The workflow engine treats
// the property type as an opaque string, e.g. "Density".
type PhysicalProperty struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	ThermodynamicState ThermodynamicState  `json:"thermodynamic_state"`
	Substance          Substance           `json:"substance"`
	Value              Quantity            `json:"value"`
	Uncertainty        Quantity            `json:"uncertainty"`
	Gradients          []ParameterGradient `json:"gradients,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	Source             *CalculationSource  `json:"source,omitempty"`
}

// Clone returns a deep enough copy of the property for a workflow to
// mutate the value, uncertainty and gradients without affecting the
// caller's instance.
func (p *PhysicalProperty) Clone() *PhysicalProperty {
	clone := *p
	clone.Gradients = append([]ParameterGradient(nil), p.Gradients...)
	if p.Metadata != nil {
		clone.Metadata = make(map[string]any, len(p.Metadata))
		for key, value := range p.Metadata {
			clone.Metadata[key] = value
		}
	}
	if p.Source != nil {
		source := *p.Source
		clone.Source = &source
	}
	return &clone
}
