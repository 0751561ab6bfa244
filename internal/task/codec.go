package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type taskJSON struct {
	ID           string           `json:"task_id"`
	Type         Type             `json:"type"`
	Owner        string           `json:"owner_id"`
	CreatedAt    time.Time        `json:"created_at"`
	Requirements *Requirements    `json:"requirements,omitempty"`
	Config       *Config          `json:"config,omitempty"`
	Privacy      Privacy          `json:"privacy"`
	CodeRef      *CodeRef         `json:"code_ref,omitempty"`
	Input        any              `json:"input,omitempty"`
	Parallel     *Parallel        `json:"parallel,omitempty"`
	Pipeline     []PipelineNode   `json:"pipeline,omitempty"`
	RangeReduce  *RangeReduceSpec `json:"range_reduce,omitempty"`
	Map          *MapSpec         `json:"map,omitempty"`
	MapReduce    *MapReduceSpec   `json:"map_reduce,omitempty"`
	MatrixOps    *MatrixOpsSpec   `json:"matrix_ops,omitempty"`
	MLInference  *MLInferenceSpec `json:"ml_inference,omitempty"`
	MLTrainStep  *MLTrainStepSpec `json:"ml_train_step,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	Status       Status           `json:"status,omitempty"`
}

var ErrMultiplePayloads = errors.New("task carries more than one type payload")

func (t Task) MarshalJSON() ([]byte, error) {
	w := taskJSON{
		ID:           t.ID,
		Type:         t.Type,
		Owner:        t.Owner,
		CreatedAt:    t.CreatedAt,
		Requirements: &t.Requirements,
		Config:       &t.Config,
		Privacy:      t.Privacy,
		Input:        t.Input,
		Pipeline:     t.Nodes,
		Metadata:     t.Metadata,
		Status:       t.Status,
	}
	if t.CodeRef.Kind != "" || t.CodeRef.Handler != "" || len(t.CodeRef.Params) > 0 {
		cr := t.CodeRef
		w.CodeRef = &cr
	}
	if t.Parallel != (Parallel{}) {
		p := t.Parallel
		w.Parallel = &p
	}
	switch s := t.Spec.(type) {
	case *RangeReduceSpec:
		w.RangeReduce = s
	case *MapSpec:
		w.Map = s
	case *MapReduceSpec:
		w.MapReduce = s
	case *MatrixOpsSpec:
		w.MatrixOps = s
	case *MLInferenceSpec:
		w.MLInference = s
	case *MLTrainStepSpec:
		w.MLTrainStep = s
	}
	return json.Marshal(w)
}

func (t *Task) UnmarshalJSON(b []byte) error {
	req, cfg := DefaultRequirements(), DefaultConfig()
	// Fields absent from the document keep their defaults.
	w := taskJSON{Requirements: &req, Config: &cfg}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var specs []Spec
	if w.RangeReduce != nil {
		specs = append(specs, w.RangeReduce)
	}
	if w.Map != nil {
		specs = append(specs, w.Map)
	}
	if w.MapReduce != nil {
		specs = append(specs, w.MapReduce)
	}
	if w.MatrixOps != nil {
		specs = append(specs, w.MatrixOps)
	}
	if w.MLInference != nil {
		specs = append(specs, w.MLInference)
	}
	if w.MLTrainStep != nil {
		specs = append(specs, w.MLTrainStep)
	}
	if len(specs) > 1 {
		return fmt.Errorf("task %s: %w", w.ID, ErrMultiplePayloads)
	}
	*t = Task{
		ID:           w.ID,
		Type:         w.Type,
		Owner:        w.Owner,
		CreatedAt:    w.CreatedAt,
		Requirements: req,
		Config:       cfg,
		Privacy:      w.Privacy,
		Input:        w.Input,
		Nodes:        w.Pipeline,
		Metadata:     w.Metadata,
		Status:       w.Status,
	}
	if w.CodeRef != nil {
		t.CodeRef = *w.CodeRef
	}
	if w.Parallel != nil {
		t.Parallel = *w.Parallel
	}
	if len(specs) == 1 {
		t.Spec = specs[0]
		if t.Type == "" {
			t.Type = specs[0].TaskType()
		}
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	return nil
}

// DecodeYAML reads a task document written in YAML. The document is
// converted to JSON so both formats share one decoder.
func DecodeYAML(b []byte) (*Task, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse task yaml: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert task yaml: %w", err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
