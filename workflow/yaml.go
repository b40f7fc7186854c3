package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"conductor/core"
)

// ParseWorkflow decodes a workflow specification from YAML. Unknown fields
// are rejected so typos surface at load time rather than as silently ignored
// configuration.
func ParseWorkflow(r io.Reader) (core.WorkflowSpec, error) {
	var spec core.WorkflowSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return core.WorkflowSpec{}, fmt.Errorf("decode workflow: %w", err)
	}
	if len(spec.Nodes) == 0 {
		return core.WorkflowSpec{}, fmt.Errorf("workflow declares no nodes")
	}
	return spec, nil
}

// ParseWorkflowBytes decodes a workflow specification from raw YAML bytes.
func ParseWorkflowBytes(data []byte) (core.WorkflowSpec, error) {
	return ParseWorkflow(bytes.NewReader(data))
}

// LoadWorkflow reads and decodes a workflow specification from a file.
func LoadWorkflow(path string) (core.WorkflowSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.WorkflowSpec{}, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()
	return ParseWorkflow(f)
}

// ParseTask decodes a full task, workflow and safety envelope included.
func ParseTask(r io.Reader) (core.Task, error) {
	var task core.Task
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&task); err != nil {
		return core.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if task.Instructions == "" {
		return core.Task{}, fmt.Errorf("task declares no instructions")
	}
	if len(task.Workflow.Nodes) == 0 {
		return core.Task{}, fmt.Errorf("task declares no workflow nodes")
	}
	return task, nil
}

// LoadTask reads and decodes a task from a file.
func LoadTask(path string) (core.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Task{}, fmt.Errorf("open task: %w", err)
	}
	defer f.Close()
	return ParseTask(f)
}

// MarshalWorkflow serializes a workflow specification to YAML, the inverse
// of ParseWorkflow.
func MarshalWorkflow(spec core.WorkflowSpec) ([]byte, error) {
	out, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	return out, nil
}
