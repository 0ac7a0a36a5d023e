package types

import (
	"fmt"
	"sort"
	"strings"
)

// ThermodynamicState describes the temperature and pressure at which a
// property was measured or should be estimated.
type ThermodynamicState struct {
	Temperature Quantity `json:"temperature"`
	Pressure    Quantity `json:"pressure,omitempty"`
}

// String returns a human readable representation of the state.
func (s ThermodynamicState) String() string {
	if s.Pressure.IsZero() {
		return fmt.Sprintf("T=%s", s.Temperature)
	}
	return fmt.Sprintf("T=%s p=%s", s.Temperature, s.Pressure)
}

// Component is a single chemical species within a substance, identified
// by its SMILES pattern.
type Component struct {
	SMILES       string  `json:"smiles"`
	MoleFraction float64 `json:"mole_fraction"`
}

// Substance is the composition of a system of interest, made up of one
// or more components with their mole fractions.
type Substance struct {
	Components []Component `json:"components"`
}

// NewSubstance creates a substance from a list of components.
func NewSubstance(components ...Component) Substance {
	return Substance{Components: components}
}

// PureSubstance creates a single component substance.
func PureSubstance(smiles string) Substance {
	return Substance{Components: []Component{{SMILES: smiles, MoleFraction: 1.0}}}
}

// NumberOfComponents returns the number of components in the substance.
func (s Substance) NumberOfComponents() int {
	return len(s.Components)
}

// Identifier returns a stable identifier for the substance, built from
// the sorted component SMILES patterns and mole fractions.
func (s Substance) Identifier() string {
	parts := make([]string, 0, len(s.Components))
	for _, component := range s.Components {
		parts = append(parts, fmt.Sprintf("%s{%.6f}", component.SMILES, component.MoleFraction))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// ParameterGradientKey identifies a single force field parameter with
// respect to which an observable should be differentiated.
type ParameterGradientKey struct {
	Tag       string `json:"tag"`
	SMIRKS    string `json:"smirks"`
	Attribute string `json:"attribute,omitempty"`
}

// String returns a human readable representation of the key.
func (k ParameterGradientKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Tag, k.SMIRKS, k.Attribute)
}

// ParameterGradient is the gradient of an observable with respect to a
// single force field parameter.
type ParameterGradient struct {
	Key   ParameterGradientKey `json:"key"`
	Value Quantity             `json:"value"`
}
