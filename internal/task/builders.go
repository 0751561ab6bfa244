package task

import (
	"time"

	"github.com/google/uuid"
)

type Option func(*Task)

func WithID(id string) Option {
	return func(t *Task) { t.ID = id }
}

func WithRequirements(r Requirements) Option {
	return func(t *Task) { t.Requirements = r }
}

func WithTimeout(seconds float64) Option {
	return func(t *Task) { t.Requirements.TimeoutSeconds = seconds }
}

func WithConfig(c Config) Option {
	return func(t *Task) { t.Config = c }
}

func WithRetryCount(n int) Option {
	return func(t *Task) { t.Config.RetryCount = n }
}

func WithPrivacy(mode, verification string) Option {
	return func(t *Task) { t.Privacy = Privacy{Mode: mode, Verification: verification} }
}

func WithCodeRef(c CodeRef) Option {
	return func(t *Task) { t.CodeRef = c }
}

func WithInput(v any) Option {
	return func(t *Task) { t.Input = v }
}

func WithParallel(mode string, chunkSize int) Option {
	return func(t *Task) { t.Parallel = Parallel{Mode: mode, ChunkSize: chunkSize} }
}

func WithMetadata(key string, v any) Option {
	return func(t *Task) { t.SetMetadata(key, v) }
}

// NewID returns a fresh task id.
func NewID() string { return uuid.NewString() }

func newTask(typ Type, owner string, spec Spec, opts []Option) *Task {
	t := &Task{
		ID:           NewID(),
		Type:         typ,
		Owner:        owner,
		CreatedAt:    time.Now().UTC(),
		Requirements: DefaultRequirements(),
		Config:       DefaultConfig(),
		Privacy:      Privacy{Mode: PrivacyNone, Verification: VerificationOff},
		Spec:         spec,
		Status:       StatusPending,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func NewRangeReduce(owner string, start, end int64, operation string, chunkSize int64, opts ...Option) *Task {
	return newTask(TypeRangeReduce, owner, &RangeReduceSpec{Start: start, End: end, Operation: operation, ChunkSize: chunkSize}, opts)
}

func NewMap(owner string, data []any, function string, params map[string]any, opts ...Option) *Task {
	return newTask(TypeMap, owner, &MapSpec{Data: data, Function: function, Params: params}, opts)
}

func NewMapReduce(owner string, data []any, mapFunction, reduceFunction string, opts ...Option) *Task {
	return newTask(TypeMapReduce, owner, &MapReduceSpec{Data: data, MapFunction: mapFunction, ReduceFunction: reduceFunction}, opts)
}

func NewMatrixOps(owner, operation string, a, b [][]float64, opts ...Option) *Task {
	return newTask(TypeMatrixOps, owner, &MatrixOpsSpec{Operation: operation, MatrixA: a, MatrixB: b}, opts)
}

func NewMLInference(owner, modelPath string, input []any, batchSize int, opts ...Option) *Task {
	if batchSize <= 0 {
		batchSize = 32
	}
	return newTask(TypeMLInference, owner, &MLInferenceSpec{ModelPath: modelPath, InputData: input, ModelType: "pytorch", BatchSize: batchSize}, opts)
}

func NewMLTrainStep(owner, modelPath string, data []any, learningRate float64, epochs int, opts ...Option) *Task {
	if learningRate <= 0 {
		learningRate = 0.001
	}
	if epochs <= 0 {
		epochs = 1
	}
	return newTask(TypeMLTrainStep, owner, &MLTrainStepSpec{
		ModelPath:    modelPath,
		TrainingData: data,
		BatchSize:    32,
		LearningRate: learningRate,
		Epochs:       epochs,
		ModelType:    "pytorch",
	}, opts)
}

func NewGeneric(owner string, code CodeRef, input any, opts ...Option) *Task {
	opts = append([]Option{WithCodeRef(code), WithInput(input)}, opts...)
	return newTask(TypeGeneric, owner, nil, opts)
}

func NewPipeline(owner string, nodes []PipelineNode, opts ...Option) *Task {
	t := newTask(TypePipeline, owner, nil, opts)
	t.Nodes = nodes
	return t
}
