package task

import (
	"strings"
	"time"
)

type Type string

const (
	TypeRangeReduce Type = "range_reduce"
	TypeMap         Type = "map"
	TypeMapReduce   Type = "map_reduce"
	TypeMatrixOps   Type = "matrix_ops"
	TypeMLInference Type = "ml_inference"
	TypeMLTrainStep Type = "ml_train_step"
	TypeGeneric     Type = "generic"
	TypePipeline    Type = "pipeline"
)

func (t Type) Known() bool {
	switch t {
	case TypeRangeReduce, TypeMap, TypeMapReduce, TypeMatrixOps, TypeMLInference, TypeMLTrainStep, TypeGeneric, TypePipeline:
		return true
	}
	return false
}

// Status is the coarse task lifecycle reported to owners.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

const (
	PrivacyNone  = "none"
	PrivacyAuto  = "auto"
	PrivacyShard = "shard"
	PrivacyMask  = "mask"
)

const (
	VerificationOff    = "off"
	VerificationBasic  = "basic"
	VerificationStrict = "strict"
)

const (
	ParallelSingle    = "single"
	ParallelMap       = "map"
	ParallelMapReduce = "map_reduce"
)

const (
	CodeBuiltin      = "builtin"
	CodeMLFramework  = "ml_framework"
	CodePythonScript = "python_script"
	CodeWasm         = "wasm"
	CodeContainer    = "container"
)

type Requirements struct {
	CPUPercent     float64 `json:"cpu_percent"`
	RAMGB          float64 `json:"ram_gb"`
	GPUPercent     float64 `json:"gpu_percent"`
	VRAMGB         float64 `json:"vram_gb"`
	DiskGB         float64 `json:"disk_gb"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func DefaultRequirements() Requirements {
	return Requirements{CPUPercent: 50, RAMGB: 1, DiskGB: 0.1, TimeoutSeconds: 300}
}

// Timeout converts TimeoutSeconds, which may be fractional.
func (r Requirements) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

type Config struct {
	MaxPrice   float64 `json:"max_price"`
	Priority   string  `json:"priority"`
	RetryCount int     `json:"retry_count"`
}

func DefaultConfig() Config {
	return Config{MaxPrice: 0.1, Priority: PriorityNormal, RetryCount: 3}
}

type Privacy struct {
	Mode         string `json:"mode"`
	Verification string `json:"verification"`
}

func (p Privacy) NormalizedMode() string {
	m := strings.ToLower(strings.TrimSpace(p.Mode))
	if m == "" {
		return PrivacyNone
	}
	return m
}

func (p Privacy) NormalizedVerification() string {
	v := strings.ToLower(strings.TrimSpace(p.Verification))
	if v == "" {
		return VerificationOff
	}
	return v
}

// CodeRef selects the handler a generic job is dispatched to.
type CodeRef struct {
	Kind    string         `json:"kind,omitempty"`
	Handler string         `json:"handler,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

func (c CodeRef) Param(key string) (any, bool) {
	if c.Params == nil {
		return nil, false
	}
	v, ok := c.Params[key]
	return v, ok
}

func (c CodeRef) StringParam(key string) string {
	v, _ := c.Param(key)
	s, _ := v.(string)
	return s
}

type Parallel struct {
	Mode      string `json:"mode,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

type PipelineNode struct {
	ID        string   `json:"id"`
	DependsOn []string `json:"depends_on,omitempty"`
	Task      *Task    `json:"task"`
}

type Task struct {
	ID           string
	Type         Type
	Owner        string
	CreatedAt    time.Time
	Requirements Requirements
	Config       Config
	Privacy      Privacy
	CodeRef      CodeRef
	Input        any
	Parallel     Parallel
	Nodes        []PipelineNode
	// Spec holds the type-specific payload. It is nil for generic and pipeline tasks.
	Spec     Spec
	Metadata map[string]any
	Status   Status
}

// MaxAttempts is the per-job attempt budget derived from the retry count.
func (t *Task) MaxAttempts() int {
	if t.Config.RetryCount > 0 {
		return t.Config.RetryCount
	}
	return 3
}

func (t *Task) RangeReduce() (*RangeReduceSpec, bool) {
	s, ok := t.Spec.(*RangeReduceSpec)
	return s, ok && s != nil
}

func (t *Task) Map() (*MapSpec, bool) {
	s, ok := t.Spec.(*MapSpec)
	return s, ok && s != nil
}

func (t *Task) MapReduce() (*MapReduceSpec, bool) {
	s, ok := t.Spec.(*MapReduceSpec)
	return s, ok && s != nil
}

func (t *Task) MatrixOps() (*MatrixOpsSpec, bool) {
	s, ok := t.Spec.(*MatrixOpsSpec)
	return s, ok && s != nil
}

func (t *Task) MLInference() (*MLInferenceSpec, bool) {
	s, ok := t.Spec.(*MLInferenceSpec)
	return s, ok && s != nil
}

func (t *Task) MLTrainStep() (*MLTrainStepSpec, bool) {
	s, ok := t.Spec.(*MLTrainStepSpec)
	return s, ok && s != nil
}

func (t *Task) SetMetadata(key string, v any) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[key] = v
}

// Clone returns a copy that can be mutated without affecting t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.CodeRef.Params = cloneAnyMap(t.CodeRef.Params)
	out.Metadata = cloneAnyMap(t.Metadata)
	out.Input = cloneValue(t.Input)
	if t.Spec != nil {
		out.Spec = t.Spec.clone()
	}
	if t.Nodes != nil {
		out.Nodes = make([]PipelineNode, len(t.Nodes))
		for i, n := range t.Nodes {
			out.Nodes[i] = PipelineNode{
				ID:        n.ID,
				DependsOn: append([]string(nil), n.DependsOn...),
				Task:      n.Task.Clone(),
			}
		}
	}
	return &out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case map[string]any:
		return cloneAnyMap(x)
	case []int:
		return append([]int(nil), x...)
	default:
		return v
	}
}
