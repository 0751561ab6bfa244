package planner

import (
	"testing"

	"github.com/ari3lYT/p2pnet/internal/task"
)

func TestSplitRangeIntoChunks(t *testing.T) {
	tk := task.NewRangeReduce("o", 1, 6, "sum", 2, task.WithID("t1"))
	jobs := Split(tk)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	want := [][2]int64{{1, 3}, {3, 5}, {5, 6}}
	for i, j := range jobs {
		if j.ID != task.JobID("t1", i) || j.CanonicalID != j.ID {
			t.Fatalf("unexpected job identity: %+v", j)
		}
		if j.Payload.Range == nil || j.Payload.Range.Start != want[i][0] || j.Payload.Range.End != want[i][1] {
			t.Fatalf("job %d: unexpected range payload %+v", i, j.Payload.Range)
		}
		if j.MaxAttempts != 3 || j.Status != task.JobPending {
			t.Fatalf("job %d: unexpected defaults %+v", i, j)
		}
	}
}

func TestSplitRangeDefaultChunk(t *testing.T) {
	jobs := Split(task.NewRangeReduce("o", 0, 2500, "sum", 0))
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs with the default chunk, got %d", len(jobs))
	}
}

func TestSplitMapChunkSizeSources(t *testing.T) {
	data := []any{1.0, 2.0, 3.0, 4.0, 5.0}
	byParams := Split(task.NewMap("o", data, "square", map[string]any{"chunk_size": 2}))
	if len(byParams) != 3 || len(byParams[2].Payload.Map.Data) != 1 {
		t.Fatalf("unexpected map split by params: %d jobs", len(byParams))
	}
	byParallel := Split(task.NewMap("o", data, "square", nil, task.WithParallel(task.ParallelMap, 4)))
	if len(byParallel) != 2 {
		t.Fatalf("unexpected map split by parallel hint: %d jobs", len(byParallel))
	}
	whole := Split(task.NewMap("o", data, "square", nil))
	if len(whole) != 1 || len(whole[0].Payload.Map.Data) != 5 {
		t.Fatalf("expected single job over the full list")
	}
}

func TestSplitGeneric(t *testing.T) {
	code := task.CodeRef{Kind: task.CodeBuiltin, Handler: "map_expression", Params: map[string]any{"function": "square"}}
	single := Split(task.NewGeneric("o", code, []any{1.0, 2.0}))
	if len(single) != 1 || single[0].Payload.Chunk == nil || single[0].Payload.Chunk.CodeRef.Handler != "map_expression" {
		t.Fatalf("unexpected single generic split: %+v", single)
	}
	parallel := Split(task.NewGeneric("o", code, []any{1.0, 2.0, 3.0}, task.WithParallel(task.ParallelMap, 2)))
	if len(parallel) != 2 || parallel[1].Payload.Chunk.ParallelMode != task.ParallelMap {
		t.Fatalf("unexpected parallel generic split: %+v", parallel)
	}
}

func TestSplitMapReduceDerivesCodeRef(t *testing.T) {
	jobs := Split(task.NewMapReduce("o", []any{1.0, 2.0, 3.0}, "square", "sum", task.WithParallel("", 2)))
	if len(jobs) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(jobs))
	}
	c := jobs[0].Payload.Chunk
	if c == nil || c.CodeRef.Handler != "map_reduce" || c.CodeRef.StringParam("reduce_function") != "sum" {
		t.Fatalf("unexpected chunk payload: %+v", c)
	}
}

func TestSplitFallsBackToSnapshot(t *testing.T) {
	tk := task.NewMatrixOps("o", "transpose", [][]float64{{1, 2}}, nil)
	jobs := Split(tk)
	if len(jobs) != 1 || jobs[0].Payload.Snapshot == nil || jobs[0].Payload.Snapshot.ID != tk.ID {
		t.Fatalf("expected snapshot job, got %+v", jobs)
	}
}

func ok(out any) task.JobResult {
	return task.JobResult{Success: true, Output: out}
}

func withCount(r task.JobResult, n int64) task.JobResult {
	r.Count = &n
	return r
}

func TestCombineRangeOperations(t *testing.T) {
	results := []task.JobResult{ok(1.0), ok(2.0), ok(3.0)}
	cases := map[string]float64{"sum": 6, "product": 6, "min": 1, "max": 3}
	for op, want := range cases {
		got := Combine(task.NewRangeReduce("o", 0, 3, op, 1), results)
		if got != want {
			t.Fatalf("%s: expected %v, got %v", op, want, got)
		}
	}
}

func TestCombineRangeAverageUsesCounts(t *testing.T) {
	tk := task.NewRangeReduce("o", 1, 5, "average", 2)
	results := []task.JobResult{withCount(ok(3.0), 2), withCount(ok(7.0), 2)}
	if got := Combine(tk, results); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
}

func TestCombineRangeAverageWithoutCountIsZero(t *testing.T) {
	tk := task.NewRangeReduce("o", 1, 5, "average", 2)
	if got := Combine(tk, []task.JobResult{ok(3.0), ok(7.0)}); got != 0.0 {
		t.Fatalf("expected 0 with no counts, got %v", got)
	}
}

func TestCombineMapConcatenates(t *testing.T) {
	tk := task.NewMap("o", []any{1.0}, "square", nil)
	got := Combine(tk, []task.JobResult{ok([]any{1.0, 4.0}), {Success: false}, ok([]any{9.0})})
	list, isList := got.([]any)
	if !isList || len(list) != 3 || list[2] != 9.0 {
		t.Fatalf("unexpected combined map output: %#v", got)
	}
}

func TestCombineMapReduce(t *testing.T) {
	tk := task.NewMapReduce("o", []any{1.0, 2.0, 3.0}, "transform", "sum")
	if got := Combine(tk, []task.JobResult{ok([]any{1.0, 2.0}), ok([]any{3.0})}); got != 6.0 {
		t.Fatalf("expected 6, got %v", got)
	}
	code := task.CodeRef{Kind: task.CodeBuiltin, Handler: "map_reduce", Params: map[string]any{"reduce_function": "product"}}
	generic := task.NewGeneric("o", code, []any{2.0, 3.0}, task.WithParallel(task.ParallelMapReduce, 1))
	if got := Combine(generic, []task.JobResult{ok([]any{2.0}), ok([]any{3.0})}); got != 6.0 {
		t.Fatalf("expected product 6, got %v", got)
	}
}

func TestCombineDefaultAndEmpty(t *testing.T) {
	if Combine(task.NewMatrixOps("o", "transpose", [][]float64{{1}}, nil), nil) != nil {
		t.Fatalf("expected nil for empty results")
	}
	tk := task.NewMatrixOps("o", "transpose", [][]float64{{1}}, nil)
	got := Combine(tk, []task.JobResult{{Success: false, Output: "x"}, ok("y")})
	if got != "y" {
		t.Fatalf("expected first successful output, got %v", got)
	}
}
