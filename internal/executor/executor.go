package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/planner"
	"github.com/ari3lYT/p2pnet/internal/sandbox"
	"github.com/ari3lYT/p2pnet/internal/task"
)

var (
	ErrNoSandbox      = errors.New("sandbox executor is not configured")
	ErrNotImplemented = errors.New("not implemented")
	ErrUnsupported    = errors.New("unsupported")
)

type Options struct {
	WorkerID string
	Sandbox  sandbox.Sandbox
}

// Executor runs a single job shard on the local machine.
type Executor struct {
	workerID string
	sandbox  sandbox.Sandbox
}

func New(opts Options) *Executor {
	id := strings.TrimSpace(opts.WorkerID)
	if id == "" {
		id = fmt.Sprintf("local-worker-%d", os.Getpid())
	}
	return &Executor{workerID: id, sandbox: opts.Sandbox}
}

func (e *Executor) WorkerID(j task.Job) string {
	if j.Replica {
		return fmt.Sprintf("%s-replica-%d", e.workerID, j.ReplicaIndex)
	}
	return e.workerID
}

func (e *Executor) RunJob(ctx context.Context, t *task.Task, j task.Job) task.JobResult {
	started := time.Now()
	out, count, err := e.run(ctx, t, j)
	res := task.JobResult{
		JobID:        j.ID,
		TaskID:       j.TaskID,
		WorkerID:     e.WorkerID(j),
		CanonicalID:  j.Canonical(),
		Replica:      j.Replica,
		ReplicaIndex: j.ReplicaIndex,
		Count:        count,
		Runtime:      time.Since(started),
	}
	if err != nil {
		res.Error = err.Error()
		log.Debug().Str("component", "executor").Str("job_id", j.ID).Err(err).Msg("job failed")
		return res
	}
	res.Success = true
	res.Output = out
	return res
}

func (e *Executor) run(ctx context.Context, t *task.Task, j task.Job) (any, *int64, error) {
	p := j.Payload
	switch {
	case p.Range != nil:
		n := p.Range.End - p.Range.Start
		out, err := runRangeShard(p.Range)
		return out, &n, err
	case p.Map != nil:
		out, err := runMap(p.Map.Function, p.Map.Data, p.Map.Params)
		return out, nil, err
	case p.Chunk != nil:
		out, err := e.runGeneric(ctx, t, p.Chunk.CodeRef, p.Chunk.InputData)
		return out, nil, err
	case p.Snapshot != nil:
		out, err := e.runTask(ctx, p.Snapshot)
		return out, nil, err
	}
	if t == nil {
		return nil, nil, fmt.Errorf("job %s has no payload", j.ID)
	}
	out, err := e.runTask(ctx, t)
	return out, nil, err
}

// runTask executes a whole task in one go.
func (e *Executor) runTask(ctx context.Context, t *task.Task) (any, error) {
	switch s := t.Spec.(type) {
	case *task.RangeReduceSpec:
		return runRange(s.Start, s.End, s.Operation)
	case *task.MapSpec:
		return runMap(s.Function, s.Data, s.Params)
	case *task.MapReduceSpec:
		mapped, err := runMap(s.MapFunction, s.Data, s.Params)
		if err != nil {
			return nil, err
		}
		return reduceList(s.ReduceFunction, mapped)
	case *task.MatrixOpsSpec:
		return runMatrix(s.Operation, s.MatrixA, s.MatrixB)
	case *task.MLInferenceSpec:
		return mlInference(s.ModelPath, s.ModelType, s.BatchSize, s.InputData), nil
	case *task.MLTrainStepSpec:
		return mlTrainStep(s.ModelPath, s.Epochs, s.BatchSize, s.LearningRate), nil
	}
	if t.Type == task.TypeGeneric {
		return e.runGeneric(ctx, t, t.CodeRef, t.Input)
	}
	return nil, fmt.Errorf("%w task type %q", ErrUnsupported, t.Type)
}

func (e *Executor) runGeneric(ctx context.Context, t *task.Task, code task.CodeRef, input any) (any, error) {
	switch code.Kind {
	case task.CodeBuiltin:
		return runBuiltin(code, input)
	case task.CodeMLFramework:
		data, _ := input.([]any)
		switch code.Handler {
		case "ml_inference":
			return mlInference(code.StringParam("model_path"), firstNonEmpty(code.StringParam("framework"), "pytorch"), intParam(code.Params, "batch_size", 1), data), nil
		case "ml_train_step":
			return mlTrainStep(code.StringParam("model_path"), intParam(code.Params, "epochs", 1), intParam(code.Params, "batch_size", 32), floatParam(code.Params, "learning_rate", 0.001)), nil
		}
	case task.CodePythonScript:
		return e.runScript(ctx, t, code)
	case task.CodeWasm, task.CodeContainer:
		log.Warn().Str("component", "executor").Str("kind", code.Kind).Msg("code_ref kind requested but not implemented")
		return nil, fmt.Errorf("%s code_ref %w", code.Kind, ErrNotImplemented)
	}
	return nil, fmt.Errorf("%w code_ref %s/%s", ErrUnsupported, code.Kind, code.Handler)
}

func runBuiltin(code task.CodeRef, input any) (any, error) {
	switch code.Handler {
	case "range_reduce":
		in, _ := input.(map[string]any)
		start, _ := planner.Number(in["start"])
		end, _ := planner.Number(in["end"])
		return runRange(int64(start), int64(end), firstNonEmpty(code.StringParam("operation"), "sum"))
	case "map_expression", "map_reduce":
		data, ok := input.([]any)
		if !ok {
			data = []any{input}
		}
		fn := firstNonEmpty(code.StringParam("function"), code.StringParam("map_function"), "square")
		// reduce for map_reduce is applied when results are combined
		return runMap(fn, data, code.Params)
	case "matrix_ops":
		in, _ := input.(map[string]any)
		op := firstNonEmpty(code.StringParam("operation"), stringOf(in["operation"]))
		a, err := toMatrix("matrix_a", in["matrix_a"])
		if err != nil {
			return nil, err
		}
		b, err := toMatrix("matrix_b", in["matrix_b"])
		if err != nil {
			return nil, err
		}
		return runMatrix(op, a, b)
	}
	return nil, fmt.Errorf("%w builtin handler %q", ErrUnsupported, code.Handler)
}

func (e *Executor) runScript(ctx context.Context, t *task.Task, code task.CodeRef) (any, error) {
	if e.sandbox == nil {
		return nil, ErrNoSandbox
	}
	source := code.StringParam("source")
	if source == "" {
		if loc := code.StringParam("location"); loc != "" {
			b, err := os.ReadFile(loc)
			if err != nil {
				return nil, fmt.Errorf("read script %s: %w", loc, err)
			}
			source = string(b)
		}
	}
	bundle := sandbox.CodeBundle{
		Source: source,
		Entry:  firstNonEmpty(code.StringParam("entry"), "main.py"),
		Args:   stringList(code.Params["args"]),
		Env:    stringMap(code.Params["env"]),
	}
	limits := sandbox.Limits{}
	if t != nil {
		limits.Timeout = t.Requirements.Timeout()
		limits.MemoryMB = int(t.Requirements.RAMGB * 1024)
		limits.CPUPercent = t.Requirements.CPUPercent
	}
	res, err := e.sandbox.Execute(ctx, bundle, limits)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = fmt.Sprintf("script exited with code %d", res.ExitCode)
		}
		return nil, errors.New(msg)
	}
	return res.Output, nil
}
