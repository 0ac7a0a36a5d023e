package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/propflow/propflow/typedjson"
	"github.com/propflow/propflow/types"
)

// ProtocolResult is the record a protocol execution leaves behind: either
// the outputs it produced, keyed by their full protocol paths, or the
// error which stopped it. Results are written next to the protocol's
// working directory and handed unchanged to every dependant, so a single
// failure propagates through the graph without re-running anything.
type ProtocolResult struct {
	ProtocolID string
	Directory  string
	Outputs    map[string]any
	Error      *types.EvaluatorError
}

// OkResult records a successful execution.
func OkResult(protocolID, directory string, outputs map[string]any) *ProtocolResult {
	return &ProtocolResult{
		ProtocolID: protocolID,
		Directory:  directory,
		Outputs:    outputs,
	}
}

// ErrResult records a failed execution.
func ErrResult(protocolID, directory string, execErr *types.EvaluatorError) *ProtocolResult {
	return &ProtocolResult{
		ProtocolID: protocolID,
		Directory:  directory,
		Error:      execErr,
	}
}

// Failed reports whether the execution produced an error instead of
// outputs.
func (r *ProtocolResult) Failed() bool {
	return r != nil && r.Error != nil
}

type protocolResultJSON struct {
	ProtocolID string                     `json:"protocol_id"`
	Directory  string                     `json:"directory,omitempty"`
	Outputs    map[string]json.RawMessage `json:"outputs,omitempty"`
	Error      *types.EvaluatorError      `json:"error,omitempty"`
}

// MarshalJSON encodes the outputs with their type tags so that protocol
// paths, quantities and stored data round trip through the result file.
func (r *ProtocolResult) MarshalJSON() ([]byte, error) {
	encoded := protocolResultJSON{
		ProtocolID: r.ProtocolID,
		Directory:  r.Directory,
		Error:      r.Error,
	}
	if len(r.Outputs) > 0 {
		encoded.Outputs = make(map[string]json.RawMessage, len(r.Outputs))
		for key, value := range r.Outputs {
			data, err := typedjson.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encode output %q of protocol %q: %w",
					key, r.ProtocolID, err)
			}
			encoded.Outputs[key] = data
		}
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ProtocolResult) UnmarshalJSON(data []byte) error {
	var decoded protocolResultJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	r.ProtocolID = decoded.ProtocolID
	r.Directory = decoded.Directory
	r.Error = decoded.Error
	r.Outputs = nil
	if len(decoded.Outputs) > 0 {
		r.Outputs = make(map[string]any, len(decoded.Outputs))
		for key, raw := range decoded.Outputs {
			value, err := typedjson.Unmarshal(raw)
			if err != nil {
				return fmt.Errorf("decode output %q of protocol %q: %w",
					key, decoded.ProtocolID, err)
			}
			r.Outputs[key] = value
		}
	}
	return nil
}

// StoredDataRef points at an artifact a workflow persisted through a
// storage backend.
type StoredDataRef struct {
	// Key is the stored output's name within the workflow.
	Key string `json:"key"`
	// Location is the backend specific address of the stored artifact.
	Location string `json:"location"`
}

// CalculationResult is the outcome of gathering one workflow: the
// estimated property when the workflow converged, the error when any of
// its protocols failed, or neither when the estimate's uncertainty did
// not meet the convergence target.
type CalculationResult struct {
	WorkflowUUID string                  `json:"workflow_uuid"`
	PropertyID   string                  `json:"property_id,omitempty"`
	Property     *types.PhysicalProperty `json:"property,omitempty"`
	Error        *types.EvaluatorError   `json:"error,omitempty"`
	// DataReferences lists the artifacts stored alongside the estimate.
	DataReferences []StoredDataRef `json:"data_references,omitempty"`
}

// Failed reports whether the workflow produced an error.
func (r *CalculationResult) Failed() bool {
	return r != nil && r.Error != nil
}

// Converged reports whether the workflow produced an estimate meeting
// its convergence target.
func (r *CalculationResult) Converged() bool {
	return r != nil && r.Error == nil && r.Property != nil
}

func init() {
	typedjson.Register("workflow.ProtocolResult", &ProtocolResult{})
	typedjson.Register("workflow.CalculationResult", &CalculationResult{})
	typedjson.Register("workflow.StoredDataRef", StoredDataRef{})
}
