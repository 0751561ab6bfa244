package planner

import (
	"github.com/ari3lYT/p2pnet/internal/task"
)

const defaultRangeChunk = 1000

// Split turns a task into its ordered job shards. The first matching rule wins.
func Split(t *task.Task) []task.Job {
	var jobs []task.Job
	switch {
	case t.Type == task.TypeRangeReduce && isRange(t):
		jobs = splitRange(t)
	case t.Type == task.TypeMap && isMap(t):
		jobs = splitMap(t)
	case chunkable(t):
		jobs = splitChunks(t)
	case t.Type == task.TypeGeneric:
		jobs = []task.Job{newJob(t, 0, task.JobPayload{Chunk: &task.ChunkPayload{
			InputData: t.Input,
			CodeRef:   t.CodeRef,
		}})}
	}
	if len(jobs) == 0 {
		jobs = []task.Job{newJob(t, 0, task.JobPayload{Snapshot: t.Clone()})}
	}
	return jobs
}

func newJob(t *task.Task, index int, payload task.JobPayload) task.Job {
	id := task.JobID(t.ID, index)
	return task.Job{
		ID:          id,
		TaskID:      t.ID,
		Index:       index,
		Type:        t.Type,
		Payload:     payload,
		Status:      task.JobPending,
		MaxAttempts: t.MaxAttempts(),
		CanonicalID: id,
	}
}

func isRange(t *task.Task) bool {
	_, ok := t.RangeReduce()
	return ok
}

func isMap(t *task.Task) bool {
	_, ok := t.Map()
	return ok
}

func splitRange(t *task.Task) []task.Job {
	rr, _ := t.RangeReduce()
	chunk := rr.ChunkSize
	if chunk <= 0 {
		chunk = defaultRangeChunk
	}
	var jobs []task.Job
	for start := rr.Start; start < rr.End; start += chunk {
		end := start + chunk
		if end > rr.End {
			end = rr.End
		}
		jobs = append(jobs, newJob(t, len(jobs), task.JobPayload{Range: &task.RangePayload{
			Start:     start,
			End:       end,
			Operation: rr.Operation,
		}}))
	}
	return jobs
}

func splitMap(t *task.Task) []task.Job {
	m, _ := t.Map()
	size := intParam(m.Params, "chunk_size")
	if size <= 0 {
		size = t.Parallel.ChunkSize
	}
	var jobs []task.Job
	for _, part := range chunks(m.Data, size) {
		jobs = append(jobs, newJob(t, len(jobs), task.JobPayload{Map: &task.MapPayload{
			Function: m.Function,
			Data:     part,
			Params:   m.Params,
		}}))
	}
	return jobs
}

// chunkable reports whether the task is split into list chunks dispatched
// through a code reference.
func chunkable(t *task.Task) bool {
	if _, ok := t.MapReduce(); ok {
		return true
	}
	if t.Type != task.TypeGeneric {
		return false
	}
	switch t.Parallel.Mode {
	case task.ParallelMap, task.ParallelMapReduce:
		_, isList := t.Input.([]any)
		return isList
	}
	return false
}

func splitChunks(t *task.Task) []task.Job {
	data, _ := t.Input.([]any)
	mode := t.Parallel.Mode
	size := t.Parallel.ChunkSize
	if mr, ok := t.MapReduce(); ok {
		data = mr.Data
		mode = task.ParallelMapReduce
		if size <= 0 {
			size = intParam(mr.Params, "chunk_size")
		}
	}
	code := CodeRefFor(t)
	var jobs []task.Job
	for _, part := range chunks(data, size) {
		jobs = append(jobs, newJob(t, len(jobs), task.JobPayload{Chunk: &task.ChunkPayload{
			InputData:    part,
			CodeRef:      code,
			ParallelMode: mode,
		}}))
	}
	return jobs
}

// CodeRefFor returns the task's code reference, deriving the builtin
// map_reduce handler for typed map_reduce tasks that do not declare one.
func CodeRefFor(t *task.Task) task.CodeRef {
	if t.CodeRef.Kind != "" {
		return t.CodeRef
	}
	if mr, ok := t.MapReduce(); ok {
		params := map[string]any{
			"map_function":    mr.MapFunction,
			"reduce_function": mr.ReduceFunction,
		}
		for k, v := range mr.Params {
			if _, set := params[k]; !set {
				params[k] = v
			}
		}
		return task.CodeRef{Kind: task.CodeBuiltin, Handler: "map_reduce", Params: params}
	}
	return t.CodeRef
}

func chunks(data []any, size int) [][]any {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 || size > len(data) {
		size = len(data)
	}
	out := make([][]any, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end:end])
	}
	return out
}

func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	f, ok := Number(params[key])
	if !ok {
		return 0
	}
	return int(f)
}
