package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ari3lYT/p2pnet/internal/executor"
	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/planner"
	"github.com/ari3lYT/p2pnet/internal/privacy"
	"github.com/ari3lYT/p2pnet/internal/task"
	"github.com/ari3lYT/p2pnet/internal/verification"
)

// JobRunner executes one job shard and always returns a result.
type JobRunner interface {
	RunJob(ctx context.Context, t *task.Task, j task.Job) task.JobResult
}

type Options struct {
	Jobs         JobRunner
	Privacy      func(*task.Task) privacy.Engine
	Verification func(*task.Task) verification.Engine
	Metrics      *observability.Registry
}

type Runner struct {
	jobs         JobRunner
	privacy      func(*task.Task) privacy.Engine
	verification func(*task.Task) verification.Engine
	metrics      *observability.Registry
}

func New(opts Options) *Runner {
	r := &Runner{
		jobs:         opts.Jobs,
		privacy:      opts.Privacy,
		verification: opts.Verification,
		metrics:      opts.Metrics,
	}
	if r.jobs == nil {
		r.jobs = executor.New(executor.Options{})
	}
	if r.privacy == nil {
		r.privacy = privacy.For
	}
	if r.verification == nil {
		r.verification = verification.For
	}
	if r.metrics == nil {
		r.metrics = observability.Default
	}
	return r
}

type JobReport struct {
	JobID    string         `json:"job_id"`
	Status   task.JobStatus `json:"status"`
	Attempts int            `json:"attempts"`
	WorkerID string         `json:"worker_id,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type Report struct {
	TaskID      string                 `json:"task_id"`
	Status      task.Status            `json:"status"`
	Success     bool                   `json:"success"`
	Result      any                    `json:"result"`
	Jobs        []JobReport            `json:"jobs,omitempty"`
	Nodes       map[string]Report      `json:"nodes,omitempty"`
	Penalties   []verification.Penalty `json:"penalties,omitempty"`
	InvalidJobs []string               `json:"invalid_jobs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration_ns"`
}

// Execute runs a task to completion on this node. The returned error is
// non-nil only when the task fails validation; execution failures are
// reported through Report.Status.
func (r *Runner) Execute(ctx context.Context, t *task.Task) (Report, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.execute",
		attribute.String("task.id", t.ID),
		attribute.String("task.type", string(t.Type)),
	)
	defer span.End()
	started := time.Now()
	if err := t.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid task")
		return Report{TaskID: t.ID, Status: task.StatusFailed, Error: err.Error()}, err
	}
	t.Status = task.StatusRunning

	var rep Report
	if t.Type == task.TypePipeline {
		rep = r.executeDAG(ctx, t)
	} else {
		rep = r.executeJobs(ctx, t)
	}
	rep.Duration = time.Since(started)
	t.Status = rep.Status

	labels := map[string]string{"task_type": string(t.Type), "status": string(rep.Status)}
	r.metrics.IncCounter("tasks_executed_total", labels, 1)
	r.metrics.ObserveDuration("pipeline_execute", map[string]string{"task_type": string(t.Type)}, rep.Duration)
	if !rep.Success {
		span.SetStatus(codes.Error, string(rep.Status))
	}
	log.Info().Str("component", "pipeline").Str("task_id", t.ID).Str("status", string(rep.Status)).
		Dur("duration", rep.Duration).Msg("task finished")
	return rep, nil
}

func (r *Runner) executeJobs(ctx context.Context, t *task.Task) Report {
	priv := r.privacy(t)
	verif := r.verification(t)
	priv.Prepare(t)

	jobs := planner.Split(t)
	final := r.runQueue(ctx, t, jobs)

	results := make([]task.JobResult, 0, len(jobs))
	for _, j := range jobs {
		if res, ok := final[j.ID]; ok {
			results = append(results, res)
		}
	}
	results = append(results, r.runReplicas(ctx, t, verif.Replicate(jobs, t))...)

	outcome := verif.Verify(t, results)
	for _, p := range outcome.Penalties {
		r.metrics.IncCounter("verification_penalties_total", map[string]string{"worker_id": p.WorkerID}, 1)
	}
	combined := planner.Combine(t, outcome.Valid)
	combined = priv.Restore(t, combined)

	rep := Report{
		TaskID:    t.ID,
		Result:    combined,
		Penalties: outcome.Penalties,
	}
	for _, inv := range outcome.Invalid {
		rep.InvalidJobs = append(rep.InvalidJobs, inv.JobID)
	}
	for _, j := range jobs {
		jr := JobReport{JobID: j.ID, Status: j.Status, Attempts: j.Attempts, WorkerID: j.AssignedWorker}
		if res, ok := final[j.ID]; ok && !res.Success {
			jr.Error = res.Error
		}
		rep.Jobs = append(rep.Jobs, jr)
	}
	rep.Status = deriveStatus(jobs, len(outcome.Invalid) > 0)
	rep.Success = rep.Status == task.StatusCompleted
	return rep
}

// runQueue drains jobs in order, re-queueing failures until each job's
// attempt budget is spent. It returns the last result per job.
func (r *Runner) runQueue(ctx context.Context, t *task.Task, jobs []task.Job) map[string]task.JobResult {
	final := make(map[string]task.JobResult, len(jobs))
	queue := make([]int, len(jobs))
	for i := range jobs {
		queue[i] = i
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		j := &jobs[i]
		if j.Status == task.JobCompleted {
			continue
		}
		j.Attempts++
		j.Status = task.JobRunning
		res := r.RunJob(ctx, t, *j)
		final[j.ID] = res
		j.AssignedWorker = res.WorkerID
		if res.Success {
			j.Status = task.JobCompleted
			continue
		}
		j.Status = task.JobFailed
		if j.Attempts < maxAttempts(*j) && ctx.Err() == nil {
			queue = append(queue, i)
			continue
		}
		log.Warn().Str("component", "pipeline").Str("job_id", j.ID).Int("attempts", j.Attempts).
			Str("error", res.Error).Msg("job exhausted retries")
	}
	return final
}

func (r *Runner) runReplicas(ctx context.Context, t *task.Task, replicas []task.Job) []task.JobResult {
	if len(replicas) == 0 {
		return nil
	}
	out := make([]task.JobResult, len(replicas))
	var wg sync.WaitGroup
	for i := range replicas {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep := replicas[i]
			rep.Attempts = 1
			rep.Status = task.JobRunning
			res := r.RunJob(ctx, t, rep)
			res.Replica = true
			res.ReplicaIndex = rep.ReplicaIndex
			res.CanonicalID = rep.Canonical()
			out[i] = res
		}(i)
	}
	wg.Wait()
	return out
}

// RunJob is the single-job entry point used both by the local queue and by
// workers serving remote assignments. Panics become failed results.
func (r *Runner) RunJob(ctx context.Context, t *task.Task, j task.Job) (res task.JobResult) {
	ctx, span := observability.StartSpan(ctx, "pipeline.run_job",
		attribute.String("job.id", j.ID),
		attribute.String("task.id", j.TaskID),
		attribute.Bool("job.replica", j.Replica),
	)
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("component", "pipeline").Str("job_id", j.ID).Interface("panic", p).
				Bytes("stack", debug.Stack()).Msg("job panicked")
			res = task.FailedResult(j, "", fmt.Errorf("job panicked: %v", p))
		}
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
		r.metrics.IncCounter("jobs_executed_total", map[string]string{"success": fmt.Sprint(res.Success)}, 1)
	}()
	res = r.jobs.RunJob(ctx, t, j)
	if res.JobID == "" {
		res.JobID = j.ID
	}
	if res.TaskID == "" {
		res.TaskID = j.TaskID
	}
	if res.CanonicalID == "" {
		res.CanonicalID = j.Canonical()
	}
	return res
}

func maxAttempts(j task.Job) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return 3
}

func deriveStatus(jobs []task.Job, invalid bool) task.Status {
	all := true
	running, failed := false, false
	for _, j := range jobs {
		switch j.Status {
		case task.JobCompleted:
			continue
		case task.JobRunning:
			running = true
		case task.JobFailed:
			failed = true
		}
		all = false
	}
	switch {
	case all && !invalid:
		return task.StatusCompleted
	case running:
		return task.StatusRunning
	case failed:
		return task.StatusFailed
	default:
		return task.StatusExpired
	}
}
