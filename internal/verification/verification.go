package verification

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/task"
)

type Penalty struct {
	WorkerID string `json:"worker_id"`
	JobID    string `json:"job_id"`
	Reason   string `json:"reason"`
}

type Outcome struct {
	Valid     []task.JobResult
	Invalid   []task.JobResult
	Penalties []Penalty
}

// Engine decides how many replicas each job gets and reconciles their results.
type Engine interface {
	Level() string
	Replicate(jobs []task.Job, t *task.Task) []task.Job
	Verify(t *task.Task, results []task.JobResult) Outcome
}

type Off struct{}

func (Off) Level() string                               { return task.VerificationOff }
func (Off) Replicate([]task.Job, *task.Task) []task.Job { return nil }

func (Off) Verify(_ *task.Task, results []task.JobResult) Outcome {
	return Outcome{Valid: append([]task.JobResult(nil), results...)}
}

// Replication compares each primary result with Replicas independent copies.
type Replication struct {
	level    string
	Replicas int
}

func NewReplication(level string, replicas int) *Replication {
	if replicas < 1 {
		replicas = 1
	}
	return &Replication{level: level, Replicas: replicas}
}

func (r *Replication) Level() string { return r.level }

func (r *Replication) Replicate(jobs []task.Job, _ *task.Task) []task.Job {
	out := make([]task.Job, 0, len(jobs)*r.Replicas)
	for _, j := range jobs {
		if j.Replica {
			continue
		}
		for n := 1; n <= r.Replicas; n++ {
			rep := j
			rep.ID = task.ReplicaID(j.ID, n)
			rep.CanonicalID = j.Canonical()
			rep.Replica = true
			rep.ReplicaIndex = n
			rep.MaxAttempts = 1
			rep.Attempts = 0
			rep.Status = task.JobPending
			rep.AssignedWorker = ""
			out = append(out, rep)
		}
	}
	return out
}

func (r *Replication) Verify(_ *task.Task, results []task.JobResult) Outcome {
	var order []string
	groups := make(map[string][]task.JobResult)
	for _, res := range results {
		id := res.Canonical()
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], res)
	}
	var out Outcome
	for _, id := range order {
		members := groups[id]
		canonical := pickCanonical(members)
		out.Valid = append(out.Valid, members[canonical])
		for i, m := range members {
			if i == canonical {
				continue
			}
			if sameResult(members[canonical], m) {
				continue
			}
			out.Invalid = append(out.Invalid, m)
			out.Penalties = append(out.Penalties, Penalty{
				WorkerID: m.WorkerID,
				JobID:    m.JobID,
				Reason:   fmt.Sprintf("result mismatch for %s", id),
			})
		}
	}
	return out
}

// pickCanonical prefers the first successful primary result, else the first member.
func pickCanonical(members []task.JobResult) int {
	for i, m := range members {
		if m.Success && !m.Replica {
			return i
		}
	}
	return 0
}

func sameResult(a, b task.JobResult) bool {
	return a.Success == b.Success && valuesEqualJSON(a.Output, b.Output)
}

func valuesEqualJSON(a, b any) bool {
	aj, aErr := json.Marshal(a)
	bj, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return string(aj) == string(bj)
}

// For picks the engine for the task's verification level.
func For(t *task.Task) Engine {
	switch t.Privacy.NormalizedVerification() {
	case task.VerificationBasic:
		return NewReplication(task.VerificationBasic, 1)
	case task.VerificationStrict:
		log.Warn().Str("component", "verification").Str("task_id", t.ID).
			Msg("zero-knowledge verification unavailable; using two-replica comparison")
		return NewReplication(task.VerificationStrict, 2)
	default:
		return Off{}
	}
}
