package protocols

import "github.com/propflow/propflow/workflow"

// RegisterDefaults adds every built-in protocol type, including the
// group types, to a registry. Callers typically register their own
// domain protocols on top of the returned registry.
func RegisterDefaults(registry *workflow.ProtocolRegistry) *workflow.ProtocolRegistry {
	if registry == nil {
		registry = workflow.NewProtocolRegistry()
	}

	workflow.RegisterGroupTypes(registry)

	registry.Register(TypeConstantValue, func(id string) workflow.Protocol { return NewConstantValue(id) })
	registry.Register(TypeAddValues, func(id string) workflow.Protocol { return NewAddValues(id) })
	registry.Register(TypeSubtractValues, func(id string) workflow.Protocol { return NewSubtractValues(id) })
	registry.Register(TypeMultiplyValue, func(id string) workflow.Protocol { return NewMultiplyValue(id) })
	registry.Register(TypeDivideValue, func(id string) workflow.Protocol { return NewDivideValue(id) })
	registry.Register(TypeWeightByMoleFraction, func(id string) workflow.Protocol { return NewWeightByMoleFraction(id) })
	registry.Register(TypeAverageValues, func(id string) workflow.Protocol { return NewAverageValues(id) })
	registry.Register(TypeWriteArtifact, func(id string) workflow.Protocol { return NewWriteArtifact(id) })
	registry.Register(TypeReadArtifact, func(id string) workflow.Protocol { return NewReadArtifact(id) })

	return registry
}
