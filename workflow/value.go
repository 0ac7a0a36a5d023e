package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/propflow/propflow/typedjson"
	"github.com/propflow/propflow/types"
)

// ReplicatorValue is a placeholder input meaning "substitute the current
// template value of the named replicator". It is resolved during
// replication expansion and must never survive to execution time.
type ReplicatorValue struct {
	ReplicatorID string `json:"replicator_id"`
}

// NewReplicatorValue creates a placeholder bound to a replicator id.
func NewReplicatorValue(replicatorID string) ReplicatorValue {
	return ReplicatorValue{ReplicatorID: replicatorID}
}

func init() {
	typedjson.Register("workflow.ReplicatorValue", ReplicatorValue{})
}

// getNestedAttribute walks a dotted attribute chain starting at an
// arbitrary value, supporting map[string]any lookups and exported
// struct fields matched case-insensitively.
func getNestedAttribute(root any, attribute string) (any, error) {
	current := root
	for _, segment := range strings.Split(attribute, ".") {
		next, err := getAttributeSegment(current, segment)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func getAttributeSegment(value any, segment string) (any, error) {
	steps, err := splitAttribute(segment)
	if err != nil {
		return nil, err
	}

	current := value
	for _, step := range steps {
		if step.name != "" {
			next, err := getNamedAttribute(current, step.name)
			if err != nil {
				return nil, err
			}
			current = next
			continue
		}
		next, err := getIndexedValue(current, step)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func getNamedAttribute(value any, name string) (any, error) {
	if value == nil {
		return nil, fmt.Errorf("cannot access attribute %q of a nil value", name)
	}

	if asMap, ok := value.(map[string]any); ok {
		nested, found := asMap[name]
		if !found {
			return nil, fmt.Errorf("attribute %q not found", name)
		}
		return nested, nil
	}

	reflected := reflect.ValueOf(value)
	for reflected.Kind() == reflect.Pointer {
		if reflected.IsNil() {
			return nil, fmt.Errorf("cannot access attribute %q of a nil value", name)
		}
		reflected = reflected.Elem()
	}

	if reflected.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot access attribute %q of a %T value", name, value)
	}

	valueType := reflected.Type()
	for index := 0; index < valueType.NumField(); index++ {
		field := valueType.Field(index)
		if !field.IsExported() {
			continue
		}
		if strings.EqualFold(field.Name, name) {
			return reflected.Field(index).Interface(), nil
		}
	}
	return nil, fmt.Errorf("attribute %q not found on %T", name, value)
}

func getIndexedValue(value any, step attributeStep) (any, error) {
	switch container := value.(type) {
	case []any:
		index, numeric := step.listIndex()
		if !numeric {
			return nil, fmt.Errorf("index %q is not numeric", step.index)
		}
		if index < 0 || index >= len(container) {
			return nil, fmt.Errorf("index %d out of range (len %d)", index, len(container))
		}
		return container[index], nil
	case map[string]any:
		nested, found := container[step.index]
		if !found {
			return nil, fmt.Errorf("key %q not found", step.index)
		}
		return nested, nil
	}

	reflected := reflect.ValueOf(value)
	if reflected.Kind() == reflect.Slice {
		index, numeric := step.listIndex()
		if !numeric {
			return nil, fmt.Errorf("index %q is not numeric", step.index)
		}
		if index < 0 || index >= reflected.Len() {
			return nil, fmt.Errorf("index %d out of range (len %d)", index, reflected.Len())
		}
		return reflected.Index(index).Interface(), nil
	}

	return nil, fmt.Errorf("cannot index into a %T value", value)
}

// valuesEqual compares two attribute values structurally, normalizing
// numeric kinds so that values which round-trip through JSON still
// compare equal.
func valuesEqual(left, right any) bool {
	if leftPath, ok := left.(ProtocolPath); ok {
		rightPath, ok := right.(ProtocolPath)
		return ok && leftPath.Equal(rightPath)
	}

	if leftNumber, ok := asFloat(left); ok {
		rightNumber, ok := asFloat(right)
		return ok && leftNumber == rightNumber
	}

	switch typedLeft := left.(type) {
	case []any:
		typedRight, ok := right.([]any)
		if !ok || len(typedLeft) != len(typedRight) {
			return false
		}
		for index := range typedLeft {
			if !valuesEqual(typedLeft[index], typedRight[index]) {
				return false
			}
		}
		return true
	case map[string]any:
		typedRight, ok := right.(map[string]any)
		if !ok || len(typedLeft) != len(typedRight) {
			return false
		}
		for key := range typedLeft {
			if !valuesEqual(typedLeft[key], typedRight[key]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(left, right)
}

func asFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	}
	return 0, false
}

// compareValues orders two values when both are numeric or quantities
// with matching units. Used by the greatest/smallest merge behaviors.
func compareValues(left, right any) (int, error) {
	if leftQuantity, ok := left.(types.Quantity); ok {
		rightQuantity, ok := right.(types.Quantity)
		if !ok {
			return 0, fmt.Errorf("cannot order %T against %T", left, right)
		}
		if leftQuantity.Unit != rightQuantity.Unit {
			return 0, fmt.Errorf("cannot order quantities with units %q and %q",
				leftQuantity.Unit, rightQuantity.Unit)
		}
		switch {
		case leftQuantity.Value < rightQuantity.Value:
			return -1, nil
		case leftQuantity.Value > rightQuantity.Value:
			return 1, nil
		}
		return 0, nil
	}

	leftNumber, leftOK := asFloat(left)
	rightNumber, rightOK := asFloat(right)
	if leftOK && rightOK {
		switch {
		case leftNumber < rightNumber:
			return -1, nil
		case leftNumber > rightNumber:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot order values of type %T and %T", left, right)
}
