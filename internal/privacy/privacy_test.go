package privacy

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ari3lYT/p2pnet/internal/executor"
	"github.com/ari3lYT/p2pnet/internal/planner"
	"github.com/ari3lYT/p2pnet/internal/task"
)

func TestForSelectsEngine(t *testing.T) {
	cases := map[string]string{
		"":        task.PrivacyNone,
		"auto":    task.PrivacyNone,
		"shard":   task.PrivacyShard,
		"MASK":    task.PrivacyMask,
		"quantum": task.PrivacyNone,
	}
	for mode, want := range cases {
		tk := task.NewMap("o", []any{1.0}, "square", nil, task.WithPrivacy(mode, task.VerificationOff))
		if got := For(tk).Name(); got != want {
			t.Fatalf("mode %q: expected %s, got %s", mode, want, got)
		}
	}
}

func TestMaskRoundTripRestoresOrder(t *testing.T) {
	data := []any{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}
	tk := task.NewMap("o", append([]any(nil), data...), "transform", nil)
	m := NewMask(rand.New(rand.NewSource(7)))
	m.Prepare(tk)
	spec, _ := tk.Map()
	if _, ok := tk.Metadata[PermutationKey]; !ok {
		t.Fatalf("expected stored permutation")
	}
	// an identity map over the shuffled data is the shuffled data itself
	got := m.Restore(tk, append([]any(nil), spec.Data...))
	list, ok := got.([]any)
	if !ok || len(list) != len(data) {
		t.Fatalf("unexpected restored value: %#v", got)
	}
	for i := range data {
		if list[i] != data[i] {
			t.Fatalf("index %d: expected %v, got %v", i, data[i], list[i])
		}
	}
}

func TestMaskRestoreHandlesDecodedPermutation(t *testing.T) {
	tk := task.NewMap("o", []any{"a", "b", "c"}, "transform", nil)
	tk.SetMetadata(PermutationKey, []any{2.0, 0.0, 1.0})
	got := NewMask(nil).Restore(tk, []any{"c", "a", "b"})
	list := got.([]any)
	if list[0] != "a" || list[1] != "b" || list[2] != "c" {
		t.Fatalf("unexpected restore: %#v", list)
	}
}

func TestMaskPassesThroughWhenNotApplicable(t *testing.T) {
	m := NewMask(rand.New(rand.NewSource(1)))
	rr := task.NewRangeReduce("o", 0, 10, "sum", 5)
	m.Prepare(rr)
	if _, ok := rr.Metadata[PermutationKey]; ok {
		t.Fatalf("range task must not be masked")
	}
	if got := m.Restore(rr, 45.0); got != 45.0 {
		t.Fatalf("expected combined value unchanged, got %v", got)
	}
	mp := task.NewMap("o", []any{1.0, 2.0}, "square", nil)
	mp.SetMetadata(PermutationKey, []int{1, 0})
	if got := m.Restore(mp, 5.0); got != 5.0 {
		t.Fatalf("non-list result must pass through, got %v", got)
	}
}

func TestMaskRestoresOrderThroughSplitAndCombine(t *testing.T) {
	exec := executor.New(executor.Options{WorkerID: "w"})
	data := []any{3.0, 1.0, 4.0, 1.5, 5.0, 9.0, 2.0, 6.0, 5.5}
	for seed := int64(0); seed < 50; seed++ {
		for chunk := 1; chunk <= 4; chunk++ {
			tk := task.NewMap("o", append([]any(nil), data...), "square", map[string]any{"chunk_size": chunk})
			m := NewMask(rand.New(rand.NewSource(seed)))
			m.Prepare(tk)
			jobs := planner.Split(tk)
			results := make([]task.JobResult, 0, len(jobs))
			for _, j := range jobs {
				res := exec.RunJob(context.Background(), tk, j)
				if !res.Success {
					t.Fatalf("seed %d chunk %d: job %s failed: %s", seed, chunk, j.ID, res.Error)
				}
				results = append(results, res)
			}
			got, ok := m.Restore(tk, planner.Combine(tk, results)).([]any)
			if !ok || len(got) != len(data) {
				t.Fatalf("seed %d chunk %d: unexpected result %#v", seed, chunk, got)
			}
			for i, v := range data {
				want := v.(float64) * v.(float64)
				if got[i] != want {
					t.Fatalf("seed %d chunk %d index %d: expected %v, got %v", seed, chunk, i, want, got[i])
				}
			}
		}
	}
}
