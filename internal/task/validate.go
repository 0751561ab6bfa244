package task

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTask = errors.New("invalid task")

// Validate reports every problem found, joined into one error wrapping ErrInvalidTask.
func (t *Task) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if strings.TrimSpace(t.Owner) == "" {
		add("owner_id is required")
	}
	if !t.Type.Known() {
		add("unknown task type %q", t.Type)
	}
	r := t.Requirements
	if r.CPUPercent < 0 || r.CPUPercent > 100 {
		add("cpu_percent must be between 0 and 100")
	}
	if r.RAMGB <= 0 {
		add("ram_gb must be positive")
	}
	if r.GPUPercent < 0 || r.GPUPercent > 100 {
		add("gpu_percent must be between 0 and 100")
	}
	if r.TimeoutSeconds < 0 {
		add("timeout_seconds must not be negative")
	}
	switch t.Config.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		add("unknown priority %q", t.Config.Priority)
	}
	switch t.Privacy.NormalizedVerification() {
	case VerificationOff, VerificationBasic, VerificationStrict:
	default:
		add("unknown verification level %q", t.Privacy.Verification)
	}
	if t.Type.Known() {
		errs = append(errs, t.validatePayload()...)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: task %s: %w", ErrInvalidTask, t.ID, errors.Join(errs...))
}

func (t *Task) validatePayload() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	switch t.Type {
	case TypeGeneric:
		if t.Spec != nil {
			add("generic task must not carry a %s payload", t.Spec.TaskType())
		}
		return errs
	case TypePipeline:
		if t.Spec != nil {
			add("pipeline task must not carry a %s payload", t.Spec.TaskType())
		}
		return append(errs, t.validatePipeline()...)
	}
	if t.Spec == nil {
		add("%s task requires its %s payload", t.Type, t.Type)
		return errs
	}
	if t.Spec.TaskType() != t.Type {
		add("%s task carries a %s payload", t.Type, t.Spec.TaskType())
		return errs
	}
	switch s := t.Spec.(type) {
	case *RangeReduceSpec:
		if s.Start >= s.End {
			add("range start must be less than end")
		}
		if s.ChunkSize < 0 {
			add("range chunk_size must not be negative")
		}
	case *MapSpec:
		if len(s.Data) == 0 {
			add("map data must not be empty")
		}
	case *MapReduceSpec:
		if len(s.Data) == 0 {
			add("map_reduce data must not be empty")
		}
	case *MatrixOpsSpec:
		if len(s.MatrixA) == 0 {
			add("matrix_a must not be empty")
		}
	case *MLInferenceSpec:
		if strings.TrimSpace(s.ModelPath) == "" {
			add("model_path is required")
		}
	case *MLTrainStepSpec:
		if strings.TrimSpace(s.ModelPath) == "" {
			add("model_path is required")
		}
		if len(s.TrainingData) == 0 {
			add("training_data must not be empty")
		}
	}
	return errs
}

func (t *Task) validatePipeline() []error {
	var errs []error
	if len(t.Nodes) == 0 {
		return []error{errors.New("pipeline requires at least one node")}
	}
	seen := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			errs = append(errs, errors.New("pipeline node id is required"))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate pipeline node %q", n.ID))
		}
		seen[n.ID] = true
		if n.Task == nil {
			errs = append(errs, fmt.Errorf("pipeline node %q has no task", n.ID))
		}
	}
	for _, n := range t.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("pipeline node %q depends on unknown node %q", n.ID, dep))
			}
		}
	}
	return errs
}
