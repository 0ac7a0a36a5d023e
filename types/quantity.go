package types

import (
	"fmt"
	"math"
)

// Quantity represents a physical value together with the unit it is
// expressed in. Unit conversion is out of scope for this module; two
// quantities are only comparable when their units match.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// NewQuantity creates a new Quantity.
func NewQuantity(value float64, unit string) Quantity {
	return Quantity{Value: value, Unit: unit}
}

// Dimensionless creates a quantity with no unit.
func Dimensionless(value float64) Quantity {
	return Quantity{Value: value}
}

// Infinite reports whether the quantity is unbounded. An infinite
// quantity is used as the target uncertainty when convergence checks
// are disabled.
func (q Quantity) Infinite() bool {
	return math.IsInf(q.Value, 0)
}

// IsZero reports whether the quantity is the zero value.
func (q Quantity) IsZero() bool {
	return q.Value == 0 && q.Unit == ""
}

// Mul returns the quantity scaled by a dimensionless factor.
func (q Quantity) Mul(factor float64) Quantity {
	return Quantity{Value: q.Value * factor, Unit: q.Unit}
}

// Div returns the quantity divided by a dimensionless factor.
func (q Quantity) Div(divisor float64) Quantity {
	return Quantity{Value: q.Value / divisor, Unit: q.Unit}
}

// Add returns the sum of two quantities.
func (q Quantity) Add(other Quantity) (Quantity, error) {
	if q.Unit != other.Unit {
		return Quantity{}, fmt.Errorf("cannot add quantities with mismatched units %q and %q", q.Unit, other.Unit)
	}
	return Quantity{Value: q.Value + other.Value, Unit: q.Unit}, nil
}

// GreaterThan compares two quantities with matching units.
func (q Quantity) GreaterThan(other Quantity) (bool, error) {
	if q.Unit != other.Unit && !q.Infinite() && !other.Infinite() {
		return false, fmt.Errorf("cannot compare quantities with mismatched units %q and %q", q.Unit, other.Unit)
	}
	return q.Value > other.Value, nil
}

// LessThan compares two quantities with matching units.
func (q Quantity) LessThan(other Quantity) (bool, error) {
	if q.Unit != other.Unit && !q.Infinite() && !other.Infinite() {
		return false, fmt.Errorf("cannot compare quantities with mismatched units %q and %q", q.Unit, other.Unit)
	}
	return q.Value < other.Value, nil
}

// String returns a human readable representation of the quantity.
func (q Quantity) String() string {
	if q.Unit == "" {
		return fmt.Sprintf("%g", q.Value)
	}
	return fmt.Sprintf("%g %s", q.Value, q.Unit)
}

// EstimatedQuantity is a quantity with an associated statistical
// uncertainty and a record of where the estimate came from. It is the
// type a workflow's final value source must resolve to.
type EstimatedQuantity struct {
	Value       Quantity `json:"value"`
	Uncertainty Quantity `json:"uncertainty"`
	Source      string   `json:"source,omitempty"`
}

// NewEstimatedQuantity creates a new EstimatedQuantity.
func NewEstimatedQuantity(value, uncertainty Quantity, source string) EstimatedQuantity {
	return EstimatedQuantity{Value: value, Uncertainty: uncertainty, Source: source}
}

// String returns a human readable representation of the estimate.
func (e EstimatedQuantity) String() string {
	return fmt.Sprintf("%s ± %s", e.Value, e.Uncertainty)
}
