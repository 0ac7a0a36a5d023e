package protocols

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/typedjson"
	"github.com/propflow/propflow/workflow"
)

// Registered artifact protocol type tags.
const (
	TypeWriteArtifact = "WriteArtifact"
	TypeReadArtifact  = "ReadArtifact"
)

// WriteArtifact serializes an input value into the protocol's working
// directory with the tagged encoding and reports the file's path, so
// intermediate values can be referenced by stored outputs or inspected
// after a run.
type WriteArtifact struct {
	workflow.Base
}

// NewWriteArtifact creates a WriteArtifact protocol.
func NewWriteArtifact(id string) *WriteArtifact {
	return &WriteArtifact{Base: workflow.NewBase(id, TypeWriteArtifact, []workflow.AttributeSpec{
		workflow.InputSpec("data", ""),
		workflow.OptionalInputSpec("file_name", "string", "artifact.json"),
		workflow.OutputSpec("artifact_path", "string"),
	})}
}

// Execute implements workflow.Protocol.
func (p *WriteArtifact) Execute(_ context.Context, directory string, _ backend.ComputeResources) (map[string]any, error) {
	data := p.InputValue("data")
	if data == nil {
		return nil, fmt.Errorf("no data was set")
	}
	fileName, ok := p.InputValue("file_name").(string)
	if !ok || fileName == "" {
		return nil, fmt.Errorf("file_name must be a non-empty string")
	}

	encoded, err := typedjson.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	path := filepath.Join(directory, fileName)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	p.SetOutput("artifact_path", path)
	return p.RelativeOutputs(), nil
}

// ReadArtifact loads a value previously written with WriteArtifact.
type ReadArtifact struct {
	workflow.Base
}

// NewReadArtifact creates a ReadArtifact protocol.
func NewReadArtifact(id string) *ReadArtifact {
	return &ReadArtifact{Base: workflow.NewBase(id, TypeReadArtifact, []workflow.AttributeSpec{
		workflow.InputSpec("artifact_path", "string"),
		workflow.OutputSpec("data", ""),
	})}
}

// Execute implements workflow.Protocol.
func (p *ReadArtifact) Execute(_ context.Context, _ string, _ backend.ComputeResources) (map[string]any, error) {
	path, ok := p.InputValue("artifact_path").(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("artifact_path must be a non-empty string")
	}

	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	data, err := typedjson.Unmarshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}

	p.SetOutput("data", data)
	return p.RelativeOutputs(), nil
}
