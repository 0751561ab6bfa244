package planner

import (
	"github.com/ari3lYT/p2pnet/internal/task"
)

// Combine merges per-job results into the task's final value.
func Combine(t *task.Task, results []task.JobResult) any {
	if len(results) == 0 {
		return nil
	}
	if rr, ok := t.RangeReduce(); ok && t.Type == task.TypeRangeReduce {
		return combineRange(rr.Operation, results)
	}
	switch combineMode(t) {
	case task.ParallelMap:
		return concat(results)
	case task.ParallelMapReduce:
		values := concat(results)
		fn, _ := CodeRefFor(t).Param("reduce_function")
		op, _ := fn.(string)
		if v, ok := Reduce(op, Numbers(values)); ok {
			return v
		}
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	}
	for _, r := range results {
		if r.Success {
			return r.Output
		}
	}
	return results[0].Output
}

func combineMode(t *task.Task) string {
	switch {
	case t.Type == task.TypeMap:
		return task.ParallelMap
	case t.Type == task.TypeMapReduce:
		return task.ParallelMapReduce
	case t.Type == task.TypeGeneric:
		return t.Parallel.Mode
	}
	return ""
}

func combineRange(op string, results []task.JobResult) any {
	var values []float64
	var last any
	var count int64
	for _, r := range results {
		if r.Count != nil {
			count += *r.Count
		}
		if !r.Success {
			continue
		}
		last = r.Output
		if f, ok := Number(r.Output); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil
	}
	if op == "average" {
		if count == 0 {
			return 0.0
		}
		total, _ := Reduce("sum", values)
		return total / float64(count)
	}
	if v, ok := Reduce(op, values); ok {
		return v
	}
	return last
}

func concat(results []task.JobResult) []any {
	out := []any{}
	for _, r := range results {
		if !r.Success {
			continue
		}
		if list, ok := r.Output.([]any); ok {
			out = append(out, list...)
			continue
		}
		out = append(out, r.Output)
	}
	return out
}
