package types

import "github.com/propflow/propflow/typedjson"

// The domain types cross `any` boundaries in protocol inputs, output
// files and stored manifests, so they all carry typedjson tags.
func init() {
	typedjson.Register("types.Quantity", Quantity{})
	typedjson.Register("types.EstimatedQuantity", EstimatedQuantity{})
	typedjson.Register("types.ThermodynamicState", ThermodynamicState{})
	typedjson.Register("types.Component", Component{})
	typedjson.Register("types.Substance", Substance{})
	typedjson.Register("types.ParameterGradientKey", ParameterGradientKey{})
	typedjson.Register("types.ParameterGradient", ParameterGradient{})
	typedjson.Register("types.CalculationSource", CalculationSource{})
	typedjson.Register("types.PhysicalProperty", &PhysicalProperty{})
	typedjson.Register("types.EvaluatorError", &EvaluatorError{})
}
