package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/propflow/propflow/typedjson"
)

const (
	// GlobalScope is the reserved protocol id which roots paths resolved
	// against a workflow's global metadata rather than a protocol.
	GlobalScope = "global"

	pathSeparator     = "/"
	propertySeparator = "."
	uuidSeparator     = "|"
)

// ParseError reports a malformed protocol path or attribute string.
type ParseError struct {
	Input  string
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Input, e.Reason)
}

// ProtocolPath addresses a named attribute on a named protocol, or on a
// protocol nested inside a chain of protocol groups. It is the universal
// cross-reference currency between protocol inputs and outputs.
//
// The string form joins the protocol id chain with '/' and separates the
// attribute with the first '.', e.g. "group/child.output_value". The
// attribute itself may use dotted sub-attribute access and bracketed
// indexing, e.g. "value.uncertainty" or "values[2]". A path rooted at
// the reserved "global" id resolves against workflow metadata instead.
type ProtocolPath struct {
	propertyName string
	protocolIDs  []string
}

// NewProtocolPath creates a path to an attribute of the protocol
// identified by the given id chain.
func NewProtocolPath(propertyName string, protocolIDs ...string) ProtocolPath {
	return ProtocolPath{
		propertyName: propertyName,
		protocolIDs:  append([]string(nil), protocolIDs...),
	}
}

// NewGlobalPath creates a path resolved against global workflow
// metadata.
func NewGlobalPath(propertyName string) ProtocolPath {
	return ProtocolPath{propertyName: propertyName, protocolIDs: []string{GlobalScope}}
}

// ParsePath parses the string form of a protocol path. The exact input
// is recoverable through String: ParsePath(s).String() == s for every
// valid s.
func ParsePath(input string) (ProtocolPath, error) {
	separatorIndex := strings.Index(input, propertySeparator)
	if separatorIndex < 0 {
		return ProtocolPath{}, &ParseError{Input: input, Reason: "missing property separator"}
	}

	idSection := input[:separatorIndex]
	propertyName := input[separatorIndex+1:]

	if propertyName == "" {
		return ProtocolPath{}, &ParseError{Input: input, Reason: "empty property name"}
	}
	if err := validateAttribute(propertyName); err != nil {
		return ProtocolPath{}, &ParseError{Input: input, Reason: err.Error()}
	}

	var protocolIDs []string
	if idSection != "" {
		protocolIDs = strings.Split(idSection, pathSeparator)
		for _, protocolID := range protocolIDs {
			if protocolID == "" {
				return ProtocolPath{}, &ParseError{Input: input, Reason: "empty protocol id"}
			}
		}
	}

	return ProtocolPath{propertyName: propertyName, protocolIDs: protocolIDs}, nil
}

// MustParsePath parses a path and panics on failure. Intended for
// statically known path literals in schema definitions and tests.
func MustParsePath(input string) ProtocolPath {
	parsed, err := ParsePath(input)
	if err != nil {
		panic(err)
	}
	return parsed
}

func validateAttribute(attribute string) error {
	depth := 0
	lastOpen := -1
	for index, character := range attribute {
		switch character {
		case '[':
			if depth != 0 {
				return fmt.Errorf("nested '[' at offset %d", index)
			}
			depth++
			lastOpen = index
		case ']':
			if depth != 1 {
				return fmt.Errorf("unmatched ']' at offset %d", index)
			}
			if index == lastOpen+1 {
				return fmt.Errorf("empty index expression at offset %d", lastOpen)
			}
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("unterminated '[' at offset %d", lastOpen)
	}
	return nil
}

// PropertyName returns the attribute section of the path.
func (p ProtocolPath) PropertyName() string {
	return p.propertyName
}

// ProtocolIDs returns a copy of the protocol id chain.
func (p ProtocolPath) ProtocolIDs() []string {
	return append([]string(nil), p.protocolIDs...)
}

// StartProtocol returns the first id in the chain, or an empty string
// for a bare attribute path.
func (p ProtocolPath) StartProtocol() string {
	if len(p.protocolIDs) == 0 {
		return ""
	}
	return p.protocolIDs[0]
}

// LastProtocol returns the final id in the chain, which owns the
// attribute the path terminates at.
func (p ProtocolPath) LastProtocol() string {
	if len(p.protocolIDs) == 0 {
		return ""
	}
	return p.protocolIDs[len(p.protocolIDs)-1]
}

// IsGlobal reports whether the path resolves against global workflow
// metadata.
func (p ProtocolPath) IsGlobal() bool {
	return len(p.protocolIDs) > 0 && p.protocolIDs[0] == GlobalScope
}

// ProtocolChain returns the slash-joined id chain without the attribute
// section.
func (p ProtocolPath) ProtocolChain() string {
	return strings.Join(p.protocolIDs, pathSeparator)
}

// String returns the canonical string form of the path.
func (p ProtocolPath) String() string {
	return p.ProtocolChain() + propertySeparator + p.propertyName
}

// PrependProtocolID returns a copy of the path with the given id pushed
// onto the front of the chain. Global paths are returned unchanged.
func (p ProtocolPath) PrependProtocolID(protocolID string) ProtocolPath {
	if p.IsGlobal() {
		return p
	}
	ids := make([]string, 0, len(p.protocolIDs)+1)
	ids = append(ids, protocolID)
	ids = append(ids, p.protocolIDs...)
	return ProtocolPath{propertyName: p.propertyName, protocolIDs: ids}
}

// ReplaceProtocol returns a copy of the path with every occurrence of
// oldID replaced by newID as a substring of each chain entry. Used when
// protocols are renamed during replication or merging.
func (p ProtocolPath) ReplaceProtocol(oldID, newID string) ProtocolPath {
	if oldID == "" || oldID == newID {
		return p
	}
	ids := make([]string, len(p.protocolIDs))
	for index, protocolID := range p.protocolIDs {
		if protocolID == GlobalScope {
			ids[index] = protocolID
			continue
		}
		ids[index] = strings.ReplaceAll(protocolID, oldID, newID)
	}
	return ProtocolPath{propertyName: p.propertyName, protocolIDs: ids}
}

// AppendUUID returns a copy of the path with each id in the chain
// namespaced by the given workflow uuid. Ids which already carry a
// namespace, and the global scope, are left untouched.
func (p ProtocolPath) AppendUUID(workflowUUID string) ProtocolPath {
	if workflowUUID == "" {
		return p
	}
	ids := make([]string, len(p.protocolIDs))
	for index, protocolID := range p.protocolIDs {
		ids[index] = appendUUIDToID(protocolID, workflowUUID)
	}
	return ProtocolPath{propertyName: p.propertyName, protocolIDs: ids}
}

func appendUUIDToID(protocolID, workflowUUID string) string {
	if protocolID == GlobalScope || strings.Contains(protocolID, uuidSeparator) {
		return protocolID
	}
	return workflowUUID + uuidSeparator + protocolID
}

// Equal reports whether two paths address the same attribute.
func (p ProtocolPath) Equal(other ProtocolPath) bool {
	return p.String() == other.String()
}

// IsZero reports whether the path is the zero value.
func (p ProtocolPath) IsZero() bool {
	return p.propertyName == "" && len(p.protocolIDs) == 0
}

// MarshalJSON implements json.Marshaler.
func (p ProtocolPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"full_path": p.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ProtocolPath) UnmarshalJSON(data []byte) error {
	var wrapper map[string]string
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	parsed, err := ParsePath(wrapper["full_path"])
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// attributeComponents breaks an attribute section into its access
// steps: a leading name, then any mix of bracket indices and dotted
// sub-attributes, in order.
type attributeStep struct {
	name  string // set for named steps
	index string // set for bracketed steps; may be numeric or a map key
}

func splitAttribute(attribute string) ([]attributeStep, error) {
	var steps []attributeStep
	current := strings.Builder{}

	flush := func() {
		if current.Len() > 0 {
			steps = append(steps, attributeStep{name: current.String()})
			current.Reset()
		}
	}

	reader := attribute
	for len(reader) > 0 {
		switch reader[0] {
		case '.':
			flush()
			reader = reader[1:]
		case '[':
			flush()
			closing := strings.IndexByte(reader, ']')
			if closing < 0 {
				return nil, fmt.Errorf("unterminated index in %q", attribute)
			}
			index := reader[1:closing]
			if index == "" {
				return nil, fmt.Errorf("empty index in %q", attribute)
			}
			steps = append(steps, attributeStep{index: index})
			reader = reader[closing+1:]
		default:
			current.WriteByte(reader[0])
			reader = reader[1:]
		}
	}
	flush()

	if len(steps) == 0 || steps[0].name == "" {
		return nil, fmt.Errorf("attribute %q must start with a name", attribute)
	}
	return steps, nil
}

func (s attributeStep) listIndex() (int, bool) {
	index, err := strconv.Atoi(s.index)
	if err != nil {
		return 0, false
	}
	return index, true
}

func init() {
	typedjson.Register("workflow.ProtocolPath", ProtocolPath{})
}
