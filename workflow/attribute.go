package workflow

// AttributeRole distinguishes protocol inputs from outputs.
type AttributeRole string

const (
	// RoleInput marks an attribute which must be provided before the
	// protocol executes.
	RoleInput AttributeRole = "input"
	// RoleOutput marks an attribute produced by execution.
	RoleOutput AttributeRole = "output"
)

// MergeBehavior controls how an input participates in the merge
// predicate when two structurally similar protocols are deduplicated
// across workflows.
type MergeBehavior string

const (
	// MergeExactlyEqual requires both protocols to declare identical
	// values for the input.
	MergeExactlyEqual MergeBehavior = "exactly-equal"
	// MergeGreatestValue keeps the larger of the two values, so the
	// merged protocol satisfies both workflows.
	MergeGreatestValue MergeBehavior = "greatest-value"
	// MergeSmallestValue keeps the smaller of the two values.
	MergeSmallestValue MergeBehavior = "smallest-value"
)

// AttributeSpec declares a single typed attribute of a protocol type.
// The set of specs forms the protocol's attribute table, validated at
// construction and deserialization, and backs the RequiredInputs and
// AttributeType contract used during schema validation.
type AttributeSpec struct {
	// Name is the attribute name, referenced by protocol paths.
	Name string
	// Role marks the attribute as an input or an output.
	Role AttributeRole
	// Type is the declared type tag used for interface validation. An
	// empty tag disables type checking for the attribute.
	Type string
	// Optional inputs may be left unset without failing validation.
	Optional bool
	// Merge selects the merge behavior for input attributes.
	Merge MergeBehavior
	// Default is the initial value assigned at construction.
	Default any
}

// InputSpec declares a required input attribute with exact-equality
// merge behavior.
func InputSpec(name, typeTag string) AttributeSpec {
	return AttributeSpec{Name: name, Role: RoleInput, Type: typeTag, Merge: MergeExactlyEqual}
}

// OptionalInputSpec declares an input which may be left unset.
func OptionalInputSpec(name, typeTag string, defaultValue any) AttributeSpec {
	return AttributeSpec{
		Name:     name,
		Role:     RoleInput,
		Type:     typeTag,
		Optional: true,
		Merge:    MergeExactlyEqual,
		Default:  defaultValue,
	}
}

// OutputSpec declares an output attribute.
func OutputSpec(name, typeTag string) AttributeSpec {
	return AttributeSpec{Name: name, Role: RoleOutput, Type: typeTag}
}
