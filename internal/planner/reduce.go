package planner

import (
	"encoding/json"
	"math"
	"strconv"
)

// Number converts decoded JSON and Go numeric values to float64.
func Number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Numbers flattens values into floats, skipping anything non-numeric.
func Numbers(values []any) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := Number(v); ok {
			out = append(out, f)
		}
	}
	return out
}

// Reduce applies a named reduction. ok is false for unknown operations.
func Reduce(op string, values []float64) (float64, bool) {
	switch op {
	case "sum":
		var s float64
		for _, v := range values {
			s += v
		}
		return s, true
	case "product":
		p := 1.0
		for _, v := range values {
			p *= v
		}
		return p, true
	case "min":
		if len(values) == 0 {
			return 0, true
		}
		m := math.Inf(1)
		for _, v := range values {
			m = math.Min(m, v)
		}
		return m, true
	case "max":
		if len(values) == 0 {
			return 0, true
		}
		m := math.Inf(-1)
		for _, v := range values {
			m = math.Max(m, v)
		}
		return m, true
	case "average":
		if len(values) == 0 {
			return 0, true
		}
		s, _ := Reduce("sum", values)
		return s / float64(len(values)), true
	}
	return 0, false
}
