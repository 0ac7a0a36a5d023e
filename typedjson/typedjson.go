// Package typedjson implements a tagged JSON encoding which round-trips
// rich Go values losslessly through `any` boundaries. Values of
// registered types are encoded as JSON objects carrying an "@type"
// field naming the concrete type, so that decoding can reconstruct the
// original value rather than a generic map.
//
// The encoding is the persistence currency of the workflow engine: the
// per-protocol output files, gathered results and stored data manifests
// are all written with it.
package typedjson

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

const (
	typeKey  = "@type"
	valueKey = "@value"
)

var registry = struct {
	sync.RWMutex
	byTag  map[string]reflect.Type
	byType map[reflect.Type]string
}{
	byTag:  make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

// Register associates a type tag with a prototype value. The prototype
// decides how decoded values are returned: registering a value type
// (e.g. Quantity{}) yields values, registering a pointer type
// (e.g. &EvaluatorError{}) yields pointers. Registering the same tag
// twice with a different type panics, as it indicates conflicting
// packages at startup.
func Register(tag string, prototype any) {
	prototypeType := reflect.TypeOf(prototype)
	if prototypeType == nil {
		panic("typedjson: cannot register a nil prototype")
	}

	registry.Lock()
	defer registry.Unlock()

	if existing, ok := registry.byTag[tag]; ok && existing != prototypeType {
		panic(fmt.Sprintf("typedjson: tag %q already registered for %v", tag, existing))
	}

	registry.byTag[tag] = prototypeType
	registry.byType[prototypeType] = tag

	// Allow values of T to be encoded when *T was registered and vice
	// versa, without changing the decoded representation.
	if prototypeType.Kind() == reflect.Pointer {
		registry.byType[prototypeType.Elem()] = tag
	} else {
		registry.byType[reflect.PointerTo(prototypeType)] = tag
	}
}

func lookupTag(valueType reflect.Type) (string, bool) {
	registry.RLock()
	defer registry.RUnlock()
	tag, ok := registry.byType[valueType]
	return tag, ok
}

func lookupType(tag string) (reflect.Type, bool) {
	registry.RLock()
	defer registry.RUnlock()
	prototypeType, ok := registry.byTag[tag]
	return prototypeType, ok
}

// Encode serializes a value into its tagged JSON form.
func Encode(value any) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage("null"), nil
	}

	switch typed := value.(type) {
	case []any:
		elements := make([]json.RawMessage, 0, len(typed))
		for index, element := range typed {
			encoded, err := Encode(element)
			if err != nil {
				return nil, fmt.Errorf("encode element %d: %w", index, err)
			}
			elements = append(elements, encoded)
		}
		return json.Marshal(elements)

	case map[string]any:
		encoded := make(map[string]json.RawMessage, len(typed))
		for key, element := range typed {
			encodedElement, err := Encode(element)
			if err != nil {
				return nil, fmt.Errorf("encode key %q: %w", key, err)
			}
			encoded[key] = encodedElement
		}
		return json.Marshal(encoded)
	}

	valueType := reflect.TypeOf(value)

	tag, registered := lookupTag(valueType)
	if !registered {
		// Primitives and plain containers fall through to the standard
		// encoder. Unregistered struct types are rejected so that every
		// persisted artifact is guaranteed to round-trip.
		kind := valueType.Kind()
		if kind == reflect.Pointer {
			kind = valueType.Elem().Kind()
		}
		if kind == reflect.Struct {
			return nil, fmt.Errorf("type %v is not registered with typedjson", valueType)
		}
		return json.Marshal(value)
	}

	plain, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal %v: %w", valueType, err)
	}

	if len(plain) > 0 && plain[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(plain, &fields); err != nil {
			return nil, fmt.Errorf("reshape %v: %w", valueType, err)
		}
		fields[typeKey], _ = json.Marshal(tag)
		return json.Marshal(fields)
	}

	// Non-object forms (named string or numeric types) are wrapped so
	// that the tag has somewhere to live.
	wrapper := map[string]json.RawMessage{}
	wrapper[typeKey], _ = json.Marshal(tag)
	wrapper[valueKey] = plain
	return json.Marshal(wrapper)
}

// Decode deserializes a tagged JSON document produced by Encode.
// Objects carrying an "@type" field are reconstructed as their
// registered Go type; everything else decodes to the usual generic
// representation (map[string]any, []any, float64, string, bool, nil).
func Decode(data json.RawMessage) (any, error) {
	trimmed := skipWhitespace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("cannot decode an empty document")
	}

	switch trimmed[0] {
	case '{':
		return decodeObject(trimmed)
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, err
		}
		decoded := make([]any, 0, len(elements))
		for index, element := range elements {
			decodedElement, err := Decode(element)
			if err != nil {
				return nil, fmt.Errorf("decode element %d: %w", index, err)
			}
			decoded = append(decoded, decodedElement)
		}
		return decoded, nil
	default:
		var plain any
		if err := json.Unmarshal(trimmed, &plain); err != nil {
			return nil, err
		}
		return plain, nil
	}
}

func decodeObject(data json.RawMessage) (any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	rawTag, tagged := fields[typeKey]
	if !tagged {
		decoded := make(map[string]any, len(fields))
		for key, element := range fields {
			decodedElement, err := Decode(element)
			if err != nil {
				return nil, fmt.Errorf("decode key %q: %w", key, err)
			}
			decoded[key] = decodedElement
		}
		return decoded, nil
	}

	var tag string
	if err := json.Unmarshal(rawTag, &tag); err != nil {
		return nil, fmt.Errorf("decode type tag: %w", err)
	}

	prototypeType, registered := lookupType(tag)
	if !registered {
		return nil, fmt.Errorf("unknown type tag %q", tag)
	}

	targetType := prototypeType
	returnPointer := false
	if targetType.Kind() == reflect.Pointer {
		targetType = targetType.Elem()
		returnPointer = true
	}

	instance := reflect.New(targetType)

	if wrapped, ok := fields[valueKey]; ok && len(fields) == 2 {
		if err := json.Unmarshal(wrapped, instance.Interface()); err != nil {
			return nil, fmt.Errorf("decode %q: %w", tag, err)
		}
	} else {
		delete(fields, typeKey)
		body, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, instance.Interface()); err != nil {
			return nil, fmt.Errorf("decode %q: %w", tag, err)
		}
	}

	if returnPointer {
		return instance.Interface(), nil
	}
	return instance.Elem().Interface(), nil
}

// Marshal is a convenience wrapper around Encode.
func Marshal(value any) ([]byte, error) {
	return Encode(value)
}

// Unmarshal is a convenience wrapper around Decode.
func Unmarshal(data []byte) (any, error) {
	return Decode(data)
}

func skipWhitespace(data []byte) []byte {
	start := 0
	for start < len(data) {
		switch data[start] {
		case ' ', '\t', '\n', '\r':
			start++
		default:
			return data[start:]
		}
	}
	return nil
}
