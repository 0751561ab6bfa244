package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/task"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

// InjectFailureOnce makes the next assignment of jobID answer with JOB_FAIL
// instead of running.
func (n *Node) InjectFailureOnce(jobID string) {
	n.mu.Lock()
	n.injectFail[jobID] = true
	n.mu.Unlock()
}

func (n *Node) takeInjectedFailure(jobID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.injectFail[jobID] {
		delete(n.injectFail, jobID)
		return true
	}
	return false
}

// reserveSlot claims an execution slot for jobID. It returns a busy reason
// when the worker is full or an earlier attempt of the same job still runs.
func (n *Node) reserveSlot(jobID string, attempt int) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.executing[jobID]; ok {
		return fmt.Sprintf("job %s attempt %d still running", jobID, prev), false
	}
	if n.running >= n.maxParallel {
		return fmt.Sprintf("worker at capacity (%d jobs)", n.maxParallel), false
	}
	n.running++
	n.executing[jobID] = attempt
	return "", true
}

func (n *Node) releaseSlot(jobID string) {
	n.mu.Lock()
	n.running--
	delete(n.executing, jobID)
	n.mu.Unlock()
}

func (n *Node) handleAssign(ctx context.Context, env p2papi.Envelope) {
	var a p2papi.JobAssign
	if err := env.Decode(&a); err != nil {
		log.Warn().Str("component", "scheduler").Str("src_node", env.SrcNode).Err(err).Msg("malformed assignment")
		n.ack(ctx, env.SrcNode, p2papi.JobAck{Status: p2papi.AckRejected, Reason: err.Error()})
		return
	}
	ack := p2papi.JobAck{TaskID: a.TaskID, JobID: a.JobID, Attempt: a.Attempt, Status: p2papi.AckAccepted}
	t, j, err := rebuild(a)
	if err != nil {
		log.Warn().Str("component", "scheduler").Str("job_id", a.JobID).Err(err).Msg("assignment rejected")
		ack.Status, ack.Reason = p2papi.AckRejected, err.Error()
		n.ack(ctx, env.SrcNode, ack)
		return
	}
	if reason, ok := n.reserveSlot(a.JobID, a.Attempt); !ok {
		ack.Status, ack.Reason = p2papi.AckBusy, reason
		n.ack(ctx, env.SrcNode, ack)
		return
	}
	n.ack(ctx, env.SrcNode, ack)
	_ = n.send(ctx, env.SrcNode, p2papi.MsgTaskStatusUpdate, p2papi.TaskStatusUpdate{
		TaskID: a.TaskID, JobID: a.JobID, Attempt: a.Attempt, Status: "running",
	})

	if n.takeInjectedFailure(a.JobID) {
		n.releaseSlot(a.JobID)
		log.Info().Str("component", "scheduler").Str("job_id", a.JobID).Msg("injected failure")
		_ = n.send(ctx, env.SrcNode, p2papi.MsgJobFail, p2papi.JobFail{
			TaskID: a.TaskID, JobID: a.JobID, Attempt: a.Attempt, Reason: "injected failure", WorkerID: n.id,
		})
		return
	}
	go n.execute(env.SrcNode, a, t, j)
}

func (n *Node) execute(coordinator string, a p2papi.JobAssign, t *task.Task, j task.Job) {
	defer n.releaseSlot(a.JobID)
	ctx := context.Background()
	if a.DeadlineTS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(a.DeadlineTS))
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "scheduler.handle_assign",
		attribute.String("job.id", j.ID),
		attribute.String("task.id", j.TaskID),
		attribute.Int("attempt", a.Attempt),
	)
	defer span.End()

	started := time.Now()
	res := n.jobs.RunJob(ctx, t, j)
	out := p2papi.JobResult{
		TaskID:    a.TaskID,
		JobID:     a.JobID,
		Attempt:   a.Attempt,
		Success:   res.Success,
		Output:    res.Output,
		Error:     res.Error,
		RuntimeMS: time.Since(started).Milliseconds(),
		WorkerID:  n.id,
		Count:     res.Count,
	}
	// The deadline may already have passed; the coordinator drops late replies.
	if err := n.send(context.Background(), coordinator, p2papi.MsgJobResult, out); err != nil {
		log.Warn().Str("component", "scheduler").Str("job_id", j.ID).Err(err).Msg("result not delivered")
	}
}

func (n *Node) ack(ctx context.Context, dst string, ack p2papi.JobAck) {
	if err := n.send(ctx, dst, p2papi.MsgJobAck, ack); err != nil {
		log.Warn().Str("component", "scheduler").Str("job_id", ack.JobID).Err(err).Msg("ack not delivered")
	}
}

// rebuild reconstructs the job and its task from an assignment. A task
// snapshot is preferred; without one a minimal task is built from the
// declared type and code reference.
func rebuild(a p2papi.JobAssign) (*task.Task, task.Job, error) {
	if a.JobID == "" {
		return nil, task.Job{}, errors.New("assignment has no job id")
	}
	j := task.Job{
		ID:           a.JobID,
		TaskID:       a.TaskID,
		Type:         task.Type(a.TaskType),
		Status:       task.JobRunning,
		Attempts:     a.Attempt,
		CanonicalID:  a.CanonicalID,
		Replica:      a.Replica,
		ReplicaIndex: a.ReplicaIndex,
	}
	if len(a.InputPayload) > 0 {
		if err := json.Unmarshal(a.InputPayload, &j.Payload); err != nil {
			return nil, j, fmt.Errorf("decode input payload: %w", err)
		}
	}
	if len(a.Task) > 0 {
		t := &task.Task{}
		if err := json.Unmarshal(a.Task, t); err != nil {
			return nil, j, fmt.Errorf("decode task snapshot: %w", err)
		}
		return t, j, nil
	}
	t := &task.Task{
		ID:           a.TaskID,
		Type:         task.Type(a.TaskType),
		Requirements: task.DefaultRequirements(),
		Config:       task.DefaultConfig(),
		Status:       task.StatusRunning,
	}
	if len(a.CodeRef) > 0 {
		if err := json.Unmarshal(a.CodeRef, &t.CodeRef); err != nil {
			return nil, j, fmt.Errorf("decode code ref: %w", err)
		}
	}
	if len(a.Requirements) > 0 {
		if err := json.Unmarshal(a.Requirements, &t.Requirements); err != nil {
			return nil, j, fmt.Errorf("decode requirements: %w", err)
		}
	}
	if len(a.Privacy) > 0 {
		if err := json.Unmarshal(a.Privacy, &t.Privacy); err != nil {
			return nil, j, fmt.Errorf("decode privacy: %w", err)
		}
	}
	if j.Payload == (task.JobPayload{}) && t.CodeRef.Kind == "" {
		return nil, j, fmt.Errorf("job %s carries neither payload nor code reference", j.ID)
	}
	return t, j, nil
}
