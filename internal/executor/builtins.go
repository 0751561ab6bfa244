package executor

import (
	"fmt"
	"strings"

	"github.com/ari3lYT/p2pnet/internal/planner"
	"github.com/ari3lYT/p2pnet/internal/task"
)

// runRangeShard computes one slice of a range task. Average shards return
// their partial sum; the combiner divides by the total count.
func runRangeShard(p *task.RangePayload) (any, error) {
	op := p.Operation
	if op == "average" {
		op = "sum"
	}
	return runRange(p.Start, p.End, op)
}

func runRange(start, end int64, op string) (any, error) {
	if end <= start {
		if op == "sum" || op == "average" {
			return 0.0, nil
		}
		if op == "product" {
			return 1.0, nil
		}
		return nil, fmt.Errorf("empty range [%d,%d) for %s", start, end, op)
	}
	switch op {
	case "min":
		return float64(start), nil
	case "max":
		return float64(end - 1), nil
	case "sum", "average":
		// arithmetic series over [start, end)
		n := float64(end - start)
		sum := n * float64(start+end-1) / 2
		if op == "average" {
			return sum / n, nil
		}
		return sum, nil
	case "product":
		p := 1.0
		for i := start; i < end; i++ {
			p *= float64(i)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w range_reduce operation %q", ErrUnsupported, op)
}

func runMap(function string, data []any, params map[string]any) ([]any, error) {
	out := make([]any, 0, len(data))
	switch function {
	case "square":
		for _, v := range data {
			f, ok := planner.Number(v)
			if !ok {
				return nil, fmt.Errorf("square: non-numeric value %v", v)
			}
			out = append(out, f*f)
		}
	case "increment":
		inc := floatParam(params, "increment", 1)
		for _, v := range data {
			f, ok := planner.Number(v)
			if !ok {
				return nil, fmt.Errorf("increment: non-numeric value %v", v)
			}
			out = append(out, f+inc)
		}
	case "transform":
		out = append(out, data...)
	case "filter":
		for _, v := range data {
			if truthy(v) {
				out = append(out, v)
			}
		}
	default:
		return nil, fmt.Errorf("%w map function %q", ErrUnsupported, function)
	}
	return out, nil
}

func reduceList(op string, values []any) (any, error) {
	if op == "count" {
		return float64(len(values)), nil
	}
	v, ok := planner.Reduce(op, planner.Numbers(values))
	if !ok {
		return nil, fmt.Errorf("%w reduce function %q", ErrUnsupported, op)
	}
	return v, nil
}

func runMatrix(op string, a, b [][]float64) (any, error) {
	rows, cols, err := shape("matrix_a", a)
	if err != nil {
		return nil, err
	}
	switch op {
	case "transpose":
		out := make([][]float64, cols)
		for i := range out {
			out[i] = make([]float64, rows)
			for j := range a {
				out[i][j] = a[j][i]
			}
		}
		return out, nil
	case "add":
		bRows, bCols, err := shape("matrix_b", b)
		if err != nil {
			return nil, fmt.Errorf("addition: %w", err)
		}
		if rows != bRows || cols != bCols {
			return nil, fmt.Errorf("matrix shapes differ: %dx%d vs %dx%d", rows, cols, bRows, bCols)
		}
		out := make([][]float64, rows)
		for i := range a {
			out[i] = make([]float64, cols)
			for j := range a[i] {
				out[i][j] = a[i][j] + b[i][j]
			}
		}
		return out, nil
	case "multiply":
		bRows, bCols, err := shape("matrix_b", b)
		if err != nil {
			return nil, fmt.Errorf("multiplication: %w", err)
		}
		if cols != bRows {
			return nil, fmt.Errorf("cannot multiply %dx%d by %dx%d", rows, cols, bRows, bCols)
		}
		out := make([][]float64, rows)
		for i := range a {
			out[i] = make([]float64, bCols)
			for j := 0; j < bCols; j++ {
				for k := range b {
					out[i][j] += a[i][k] * b[k][j]
				}
			}
		}
		return out, nil
	case "inverse", "decompose":
		return nil, fmt.Errorf("matrix operation %s %w", op, ErrNotImplemented)
	}
	return nil, fmt.Errorf("%w matrix operation %q", ErrUnsupported, op)
}

// shape returns the dimensions of a non-empty rectangular matrix.
func shape(name string, m [][]float64) (int, int, error) {
	if len(m) == 0 || len(m[0]) == 0 {
		return 0, 0, fmt.Errorf("%s must not be empty", name)
	}
	cols := len(m[0])
	for i, row := range m {
		if len(row) != cols {
			return 0, 0, fmt.Errorf("%s row %d has %d columns, expected %d", name, i, len(row), cols)
		}
	}
	return len(m), cols, nil
}

// mlInference and mlTrainStep return deterministic placeholders until a
// model runtime is attached to workers.
func mlInference(modelPath, modelType string, batchSize int, input []any) map[string]any {
	preds := make([]any, len(input))
	for i := range preds {
		preds[i] = 0.5
	}
	return map[string]any{
		"predictions": preds,
		"model_info": map[string]any{
			"model_path": modelPath,
			"model_type": modelType,
			"batch_size": batchSize,
		},
	}
}

func mlTrainStep(modelPath string, epochs, batchSize int, learningRate float64) map[string]any {
	return map[string]any{
		"loss":          0.1,
		"accuracy":      0.95,
		"model_updated": true,
		"training_info": map[string]any{
			"model_path":    modelPath,
			"epochs":        epochs,
			"batch_size":    batchSize,
			"learning_rate": learningRate,
		},
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := planner.Number(v); ok {
		return f != 0
	}
	return true
}

func toMatrix(name string, v any) ([][]float64, error) {
	var out [][]float64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case [][]float64:
		out = x
	case []any:
		out = make([][]float64, len(x))
		for i, row := range x {
			cells, ok := row.([]any)
			if !ok {
				return nil, fmt.Errorf("%s row %d is not a list", name, i)
			}
			out[i] = make([]float64, len(cells))
			for j, c := range cells {
				f, ok := planner.Number(c)
				if !ok {
					return nil, fmt.Errorf("%s cell [%d][%d] is not numeric", name, i, j)
				}
				out[i][j] = f
			}
		}
	default:
		return nil, fmt.Errorf("unsupported %s value %T", name, v)
	}
	if len(out) == 0 {
		return out, nil
	}
	if _, _, err := shape(name, out); err != nil {
		return nil, err
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	if f, ok := planner.Number(params[key]); ok {
		return f
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	return int(floatParam(params, key, float64(fallback)))
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, fmt.Sprint(e))
	}
	return out
}

func stringMap(v any) map[string]string {
	m, _ := v.(map[string]any)
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		out[k] = fmt.Sprint(e)
	}
	return out
}
