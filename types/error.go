package types

import "fmt"

// ErrorCode classifies an evaluator error record.
type ErrorCode string

const (
	// ErrCodeExecution marks an exception raised inside a protocol's
	// Execute method.
	ErrCodeExecution ErrorCode = "EXECUTION"
	// ErrCodeDeserialization marks a dependency output file which could
	// not be read back.
	ErrCodeDeserialization ErrorCode = "DESERIALIZATION"
	// ErrCodeSerialization marks an output which could not be written.
	ErrCodeSerialization ErrorCode = "SERIALIZATION"
	// ErrCodeGather marks a failure while assembling a workflow's final
	// result.
	ErrCodeGather ErrorCode = "GATHER"
)

// EvaluatorError is a structured, serializable error record. Once a
// protocol starts executing on a compute backend, errors become data
// rather than control flow: they are written to the protocol's output
// location and propagated unchanged to every downstream dependent.
type EvaluatorError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Directory string    `json:"directory,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
}

// Error implements the error interface.
func (e *EvaluatorError) Error() string {
	if e.Directory != "" {
		return fmt.Sprintf("[%s] %s (in %s)", e.Code, e.Message, e.Directory)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewEvaluatorError creates a new error record.
func NewEvaluatorError(code ErrorCode, message string) *EvaluatorError {
	return &EvaluatorError{Code: code, Message: message}
}

// WithDirectory records the working directory the error occurred in.
func (e *EvaluatorError) WithDirectory(directory string) *EvaluatorError {
	e.Directory = directory
	return e
}

// WithProtocol records the id of the protocol which failed.
func (e *EvaluatorError) WithProtocol(protocolID string) *EvaluatorError {
	e.Protocol = protocolID
	return e
}

// WrapExecution converts an arbitrary error raised during protocol
// execution into an error record.
func WrapExecution(err error, directory string) *EvaluatorError {
	return &EvaluatorError{
		Code:      ErrCodeExecution,
		Message:   fmt.Sprintf("an unhandled error occurred: %v", err),
		Directory: directory,
	}
}

// AsEvaluatorError returns the value as an *EvaluatorError when it is
// one, either directly or by value.
func AsEvaluatorError(value any) (*EvaluatorError, bool) {
	switch typed := value.(type) {
	case *EvaluatorError:
		return typed, true
	case EvaluatorError:
		return &typed, true
	}
	return nil, false
}
