package verification

import (
	"testing"

	"github.com/ari3lYT/p2pnet/internal/planner"
	"github.com/ari3lYT/p2pnet/internal/task"
)

func TestForLevels(t *testing.T) {
	cases := []struct {
		level    string
		replicas int
	}{
		{task.VerificationOff, 0},
		{task.VerificationBasic, 1},
		{task.VerificationStrict, 2},
	}
	for _, tc := range cases {
		tk := task.NewRangeReduce("o", 0, 4, "sum", 2, task.WithPrivacy(task.PrivacyNone, tc.level))
		jobs := planner.Split(tk)
		reps := For(tk).Replicate(jobs, tk)
		if len(reps) != tc.replicas*len(jobs) {
			t.Fatalf("%s: expected %d replicas, got %d", tc.level, tc.replicas*len(jobs), len(reps))
		}
	}
}

func TestReplicaIdentity(t *testing.T) {
	tk := task.NewMap("o", []any{1.0}, "square", nil, task.WithID("t9"))
	jobs := planner.Split(tk)
	reps := NewReplication(task.VerificationStrict, 2).Replicate(jobs, tk)
	if reps[1].ID != "t9:0#r2" || reps[1].CanonicalID != "t9:0" {
		t.Fatalf("unexpected replica identity: %+v", reps[1])
	}
	if !reps[0].Replica || reps[0].ReplicaIndex != 1 || reps[0].MaxAttempts != 1 {
		t.Fatalf("unexpected replica fields: %+v", reps[0])
	}
	if reps[0].Payload.Map == nil || len(reps[0].Payload.Map.Data) != 1 {
		t.Fatalf("replica must carry the primary payload")
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	eng := NewReplication(task.VerificationBasic, 1)
	results := []task.JobResult{
		{JobID: "t:0", CanonicalID: "t:0", WorkerID: "w1", Success: true, Output: 10.0},
		{JobID: "t:0#r1", CanonicalID: "t:0", WorkerID: "w2", Success: true, Output: 10.0, Replica: true, ReplicaIndex: 1},
		{JobID: "t:1", CanonicalID: "t:1", WorkerID: "w1", Success: true, Output: 20.0},
		{JobID: "t:1#r1", CanonicalID: "t:1", WorkerID: "w3", Success: true, Output: 21.0, Replica: true, ReplicaIndex: 1},
	}
	out := eng.Verify(nil, results)
	if len(out.Valid) != 2 || out.Valid[0].JobID != "t:0" || out.Valid[1].JobID != "t:1" {
		t.Fatalf("unexpected valid set: %+v", out.Valid)
	}
	if len(out.Invalid) != 1 || out.Invalid[0].JobID != "t:1#r1" {
		t.Fatalf("unexpected invalid set: %+v", out.Invalid)
	}
	if len(out.Penalties) != 1 || out.Penalties[0].WorkerID != "w3" {
		t.Fatalf("unexpected penalties: %+v", out.Penalties)
	}
}

func TestVerifyPrefersSuccessfulPrimary(t *testing.T) {
	eng := NewReplication(task.VerificationBasic, 1)
	results := []task.JobResult{
		{JobID: "t:0#r1", WorkerID: "w2", Success: false, Replica: true},
		{JobID: "t:0", WorkerID: "w1", Success: true, Output: []any{1.0, 4.0}},
	}
	out := eng.Verify(nil, results)
	if len(out.Valid) != 1 || out.Valid[0].WorkerID != "w1" {
		t.Fatalf("expected primary to be canonical: %+v", out.Valid)
	}
	if len(out.Penalties) != 1 || out.Penalties[0].WorkerID != "w2" {
		t.Fatalf("expected failed replica to be penalised: %+v", out.Penalties)
	}
}

func TestOffPassesEverything(t *testing.T) {
	results := []task.JobResult{{JobID: "a", Success: true}, {JobID: "b", Success: false}}
	out := Off{}.Verify(nil, results)
	if len(out.Valid) != 2 || len(out.Invalid) != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
