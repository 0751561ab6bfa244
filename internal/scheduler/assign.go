package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ari3lYT/p2pnet/internal/market"
	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/policy"
	"github.com/ari3lYT/p2pnet/internal/task"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

var (
	ErrTimeout             = errors.New("no response before deadline")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ExhaustedError is returned when every network attempt for a job failed.
type ExhaustedError struct {
	JobID    string
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts: %v", e.JobID, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

type outcome struct {
	typ    p2papi.MsgType
	result p2papi.JobResult
	err    string
}

// waiter is the single outstanding wait for one attempt of a job. Only the
// first resolution is delivered.
type waiter struct {
	attempt int
	ch      chan outcome
	once    sync.Once
}

func (w *waiter) resolve(o outcome) {
	w.once.Do(func() { w.ch <- o })
}

func (n *Node) addWaiter(jobID string, attempt int) *waiter {
	w := &waiter{attempt: attempt, ch: make(chan outcome, 1)}
	n.mu.Lock()
	n.waiters[jobID] = w
	n.mu.Unlock()
	return w
}

func (n *Node) removeWaiter(jobID string, w *waiter) {
	n.mu.Lock()
	if n.waiters[jobID] == w {
		delete(n.waiters, jobID)
	}
	n.mu.Unlock()
}

// waiterFor returns the waiter of the given attempt, or nil when the
// message belongs to a finished or superseded attempt.
func (n *Node) waiterFor(jobID string, attempt int) *waiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.waiters[jobID]
	if !ok || (attempt > 0 && w.attempt != attempt) {
		return nil
	}
	return w
}

// Assign runs j on workerID, retrying until the attempt budget is spent.
// Only exhaustion and caller cancellation are reported as errors.
func (n *Node) Assign(ctx context.Context, workerID string, j task.Job, t *task.Task, sandboxType string) (p2papi.JobResult, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.assign",
		attribute.String("job.id", j.ID),
		attribute.String("task.id", j.TaskID),
		attribute.String("worker.id", workerID),
	)
	defer span.End()

	owner := ""
	if t != nil {
		owner = t.Owner
	}
	if err := n.admit(owner, workerID, j, t); err != nil {
		span.SetStatus(codes.Error, "policy denied")
		return p2papi.JobResult{}, err
	}
	defer n.releaseOwner(owner)

	var quote market.Quote
	if n.ledger != nil && t != nil {
		quote = n.pricing.CalculateTaskPrice(market.PriceRequest{
			TaskType:     t.Type,
			Requirements: t.Requirements,
			Priority:     t.Config.Priority,
			Reputation:   n.reputation.Level(workerID),
			Capabilities: n.capabilities(workerID),
		})
		if bal := n.ledger.Balance(t.Owner); bal.LT(quote.TotalCost) {
			err := fmt.Errorf("%w: owner %s has %s, job %s costs %s", ErrInsufficientCredits, t.Owner, bal, j.ID, quote.TotalCost)
			span.SetStatus(codes.Error, "insufficient credits")
			return p2papi.JobResult{}, err
		}
	}

	base, err := assignPayload(j, t, sandboxType)
	if err != nil {
		return p2papi.JobResult{}, fmt.Errorf("build assignment for %s: %w", j.ID, err)
	}
	timeout := n.timeout
	if t != nil && t.Requirements.Timeout() > 0 {
		timeout = t.Requirements.Timeout()
	}

	n.state.Register(j)
	budget := n.maxAttempts
	if budget <= 0 {
		budget = j.MaxAttempts
	}
	if budget <= 0 {
		budget = 3
	}

	var cause error
	attempts := 0
	for i := 0; i < budget; i++ {
		rec, err := n.state.MarkAssigned(j.ID, workerID)
		if err != nil {
			return p2papi.JobResult{}, err
		}
		attempts = rec.Attempts
		res, err := n.attempt(ctx, workerID, j, base, rec.Attempts, timeout)
		if err == nil {
			n.settleSuccess(j, t, workerID, quote)
			return res, nil
		}
		cause = err
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return p2papi.JobResult{}, fmt.Errorf("assign %s: %w", j.ID, ctx.Err())
		}
		log.Info().Str("component", "scheduler").Str("job_id", j.ID).Str("worker_id", workerID).
			Int("attempt", rec.Attempts).Err(err).Msg("attempt failed")
	}
	log.Warn().Str("component", "scheduler").Str("job_id", j.ID).Str("worker_id", workerID).
		Int("attempts", attempts).Err(cause).Msg("job exhausted retries")
	span.RecordError(cause)
	span.SetStatus(codes.Error, "exhausted")
	return p2papi.JobResult{}, &ExhaustedError{JobID: j.ID, Attempts: attempts, Cause: cause}
}

// capabilities derives a worker's free capacity from its last heartbeat.
func (n *Node) capabilities(workerID string) market.Capabilities {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[workerID]
	if !ok || p.LastHeartbeat.IsZero() {
		return market.Capabilities{}
	}
	return market.Capabilities{CPUPercent: max(0, 100-p.CPUUtilization)}
}

// admit checks the assignment policy and counts the job against its
// owner's running jobs.
func (n *Node) admit(owner, workerID string, j task.Job, t *task.Task) error {
	in := policy.AssignmentInput{Owner: owner, TaskType: string(j.Type), Worker: workerID}
	if t != nil {
		in.RequiresGPU = t.Requirements.GPUPercent > 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	in.RunningJobs = n.ownerJobs[owner]
	d := n.policy.EvaluateAssignment(in)
	if err := d.Err(); err != nil {
		n.metrics.IncCounter("policy_denied_total", map[string]string{"stage": "assign", "reason": d.ReasonCode}, 1)
		log.Info().Str("component", "scheduler").Str("job_id", j.ID).Str("worker_id", workerID).
			Str("owner_id", owner).Str("reason", d.ReasonCode).Msg("assignment denied by policy")
		return err
	}
	n.ownerJobs[owner]++
	return nil
}

func (n *Node) releaseOwner(owner string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ownerJobs[owner] <= 1 {
		delete(n.ownerJobs, owner)
		return
	}
	n.ownerJobs[owner]--
}

// attempt performs one send-and-wait round and records its failure.
func (n *Node) attempt(ctx context.Context, workerID string, j task.Job, a p2papi.JobAssign, attempt int, timeout time.Duration) (p2papi.JobResult, error) {
	a.Attempt = attempt
	a.DeadlineTS = time.Now().Add(timeout).UnixMilli()
	w := n.addWaiter(j.ID, attempt)
	defer n.removeWaiter(j.ID, w)

	n.metrics.IncCounter("jobs_assigned_total", map[string]string{"worker_id": workerID}, 1)
	if err := n.send(ctx, workerID, p2papi.MsgJobAssign, a); err != nil {
		// The timeout below handles unreachable workers like any silent one.
		log.Warn().Str("component", "scheduler").Str("job_id", j.ID).Str("worker_id", workerID).
			Err(err).Msg("assignment not delivered")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-w.ch:
		if o.typ == p2papi.MsgJobResult && o.result.Success {
			if _, err := n.state.MarkResult(j.ID, true, ""); err != nil {
				log.Warn().Str("component", "scheduler").Str("job_id", j.ID).Err(err).Msg("state update failed")
			}
			n.metrics.IncCounter("job_results_total", map[string]string{"success": "true"}, 1)
			return o.result, nil
		}
		msg := o.err
		if msg == "" {
			msg = o.result.Error
		}
		if msg == "" {
			msg = "job failed"
		}
		if _, err := n.state.MarkResult(j.ID, false, msg); err != nil {
			log.Warn().Str("component", "scheduler").Str("job_id", j.ID).Err(err).Msg("state update failed")
		}
		n.metrics.IncCounter("job_results_total", map[string]string{"success": "false"}, 1)
		n.recordFailure(j, workerID, msg, false)
		return p2papi.JobResult{}, errors.New(msg)
	case <-timer.C:
		if _, err := n.state.MarkExpired(j.ID); err != nil {
			log.Warn().Str("component", "scheduler").Str("job_id", j.ID).Err(err).Msg("state update failed")
		}
		n.metrics.IncCounter("job_timeouts_total", map[string]string{"worker_id": workerID}, 1)
		n.recordFailure(j, workerID, ErrTimeout.Error(), true)
		return p2papi.JobResult{}, fmt.Errorf("attempt %d after %s: %w", attempt, timeout, ErrTimeout)
	case <-ctx.Done():
		_, _ = n.state.MarkExpired(j.ID)
		return p2papi.JobResult{}, ctx.Err()
	}
}

func (n *Node) settleSuccess(j task.Job, t *task.Task, workerID string, quote market.Quote) {
	n.mu.Lock()
	n.successful++
	n.mu.Unlock()
	n.reputation.AddEvent(market.Event{Type: market.EventTaskSuccess, NodeID: workerID, TaskID: j.TaskID, Severity: 1})
	if n.ledger == nil || t == nil || quote.TotalCost.IsNil() || !quote.TotalCost.IsPositive() {
		return
	}
	if !n.ledger.TransferCredits(t.Owner, workerID, quote.TotalCost, t.ID) {
		log.Warn().Str("component", "scheduler").Str("job_id", j.ID).Str("worker_id", workerID).
			Msg("worker payment failed")
	}
}

func (n *Node) recordFailure(j task.Job, workerID, reason string, timedOut bool) {
	n.mu.Lock()
	n.failed++
	if timedOut {
		n.penalties++
	}
	n.mu.Unlock()
	n.reputation.AddEvent(market.Event{
		Type:        market.EventTaskFailure,
		NodeID:      workerID,
		TaskID:      j.TaskID,
		Description: reason,
		Severity:    1,
	})
}

func assignPayload(j task.Job, t *task.Task, sandboxType string) (p2papi.JobAssign, error) {
	a := p2papi.JobAssign{
		TaskID:       j.TaskID,
		JobID:        j.ID,
		TaskType:     string(j.Type),
		SandboxType:  sandboxType,
		CanonicalID:  j.Canonical(),
		Replica:      j.Replica,
		ReplicaIndex: j.ReplicaIndex,
	}
	var err error
	if a.InputPayload, err = json.Marshal(j.Payload); err != nil {
		return a, err
	}
	if t == nil {
		return a, nil
	}
	if t.CodeRef.Kind != "" || t.CodeRef.Handler != "" {
		if a.CodeRef, err = json.Marshal(t.CodeRef); err != nil {
			return a, err
		}
	}
	if a.Requirements, err = json.Marshal(t.Requirements); err != nil {
		return a, err
	}
	if a.Privacy, err = json.Marshal(t.Privacy); err != nil {
		return a, err
	}
	if a.Task, err = json.Marshal(t); err != nil {
		return a, err
	}
	return a, nil
}

func (n *Node) handleAck(env p2papi.Envelope) {
	var ack p2papi.JobAck
	if err := env.Decode(&ack); err != nil {
		log.Warn().Str("component", "scheduler").Err(err).Msg("bad ack")
		return
	}
	w := n.waiterFor(ack.JobID, ack.Attempt)
	if w == nil {
		return
	}
	if ack.Status == p2papi.AckAccepted {
		if err := n.state.MarkAcked(ack.JobID); err != nil {
			log.Debug().Str("component", "scheduler").Str("job_id", ack.JobID).Err(err).Msg("ack ignored")
		}
		return
	}
	reason := ack.Reason
	if reason == "" {
		reason = "worker " + ack.Status
	}
	w.resolve(outcome{typ: p2papi.MsgJobAck, err: reason})
}

func (n *Node) handleStatusUpdate(env p2papi.Envelope) {
	var up p2papi.TaskStatusUpdate
	if err := env.Decode(&up); err != nil {
		log.Warn().Str("component", "scheduler").Err(err).Msg("bad status update")
		return
	}
	if up.Status != "running" || n.waiterFor(up.JobID, up.Attempt) == nil {
		return
	}
	if err := n.state.MarkRunning(up.JobID); err != nil {
		log.Debug().Str("component", "scheduler").Str("job_id", up.JobID).Err(err).Msg("status update ignored")
	}
}

func (n *Node) handleResult(env p2papi.Envelope) {
	var res p2papi.JobResult
	if err := env.Decode(&res); err != nil {
		log.Warn().Str("component", "scheduler").Err(err).Msg("bad job result")
		return
	}
	if res.WorkerID == "" {
		res.WorkerID = env.SrcNode
	}
	w := n.waiterFor(res.JobID, res.Attempt)
	if w == nil {
		log.Debug().Str("component", "scheduler").Str("job_id", res.JobID).Int("attempt", res.Attempt).
			Msg("late result dropped")
		return
	}
	w.resolve(outcome{typ: p2papi.MsgJobResult, result: res})
}

func (n *Node) handleFail(env p2papi.Envelope) {
	var f p2papi.JobFail
	if err := env.Decode(&f); err != nil {
		log.Warn().Str("component", "scheduler").Err(err).Msg("bad job failure")
		return
	}
	w := n.waiterFor(f.JobID, f.Attempt)
	if w == nil {
		return
	}
	msg := f.Reason
	if msg == "" {
		msg = "job failed"
	}
	w.resolve(outcome{typ: p2papi.MsgJobFail, err: msg})
}
