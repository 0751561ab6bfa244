package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/math"

	"github.com/ari3lYT/p2pnet/internal/market"
	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/planner"
	"github.com/ari3lYT/p2pnet/internal/policy"
	"github.com/ari3lYT/p2pnet/internal/task"
	"github.com/ari3lYT/p2pnet/internal/transport"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

func newTestNode(t *testing.T, mesh *transport.Memory, opts Options) *Node {
	t.Helper()
	opts.Transport = mesh
	if opts.Metrics == nil {
		opts.Metrics = observability.NewRegistry()
	}
	n, err := NewNode(opts)
	if err != nil {
		t.Fatalf("new node %s: %v", opts.NodeID, err)
	}
	return n
}

func mapTask(timeout float64) (*task.Task, task.Job) {
	tk := task.NewMap("owner-1", []any{1, 2, 3}, "increment", nil, task.WithTimeout(timeout))
	return tk, planner.Split(tk)[0]
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestAssignAcrossTwoNodes(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	coord := newTestNode(t, mesh, Options{NodeID: "coord", Role: RoleCoordinator})
	newTestNode(t, mesh, Options{NodeID: "w1", Role: RoleWorker})

	tk, j := mapTask(2)
	res, err := coord.Assign(context.Background(), "w1", j, tk, "process")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Success || fmt.Sprint(res.Output) != "[2 3 4]" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.WorkerID != "w1" || res.Attempt != 1 {
		t.Fatalf("unexpected result identity: %+v", res)
	}
	rec, _ := coord.State().Get(j.ID)
	if rec.Status != task.JobCompleted || rec.Attempts != 1 || rec.AssignedTo != "w1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if s, f, _ := coord.Counters(); s != 1 || f != 0 {
		t.Fatalf("unexpected counters: successful=%d failed=%d", s, f)
	}
}

func TestInjectedFailureIsRetried(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	coord := newTestNode(t, mesh, Options{NodeID: "coord"})
	worker := newTestNode(t, mesh, Options{NodeID: "w1"})

	tk, j := mapTask(2)
	worker.InjectFailureOnce(j.ID)
	res, err := coord.Assign(context.Background(), "w1", j, tk, "")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Success || res.Attempt != 2 {
		t.Fatalf("expected success on second attempt, got %+v", res)
	}
	rec, _ := coord.State().Get(j.ID)
	if rec.Status != task.JobCompleted || rec.Attempts != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, f, _ := coord.Counters(); f != 1 {
		t.Fatalf("expected one failed attempt, got %d", f)
	}
}

func TestUnreachableWorkerExhaustsRetries(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	rep := market.NewMemoryReputation()
	coord := newTestNode(t, mesh, Options{NodeID: "coord", MaxAttempts: 2, Reputation: rep})

	tk, j := mapTask(0.05)
	_, err := coord.Assign(context.Background(), "ghost", j, tk, "")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.JobID != j.ID || exhausted.Attempts != 2 || !errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected exhaustion: %+v", exhausted)
	}
	rec, _ := coord.State().Get(j.ID)
	if rec.Status != task.JobExpired {
		t.Fatalf("expected EXPIRED, got %s", rec.Status)
	}
	if _, _, p := coord.Counters(); p < 1 {
		t.Fatalf("expected penalties to be recorded")
	}
	if got := rep.Level("ghost"); got != market.LevelTerrible {
		t.Fatalf("expected terrible reputation, got %s", got)
	}
}

func TestDuplicateResultIsIgnored(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	coord := newTestNode(t, mesh, Options{NodeID: "coord"})
	newTestNode(t, mesh, Options{NodeID: "w1"})

	tk, j := mapTask(2)
	if _, err := coord.Assign(context.Background(), "w1", j, tk, ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	dup, _ := p2papi.NewEnvelope(p2papi.MsgJobResult, "w1", "coord", p2papi.JobResult{
		TaskID: tk.ID, JobID: j.ID, Attempt: 1, Success: false, Error: "late failure", WorkerID: "w1",
	})
	if err := mesh.Send(context.Background(), "coord", dup); err != nil {
		t.Fatalf("send duplicate: %v", err)
	}
	// Deliveries are ordered, so the heartbeat lands after the duplicate.
	hb, _ := p2papi.NewEnvelope(p2papi.MsgWorkerHeartbeat, "w1", "coord", p2papi.WorkerHeartbeat{WorkerID: "w1", Health: "healthy"})
	if err := mesh.Send(context.Background(), "coord", hb); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	eventually(t, func() bool { return len(coord.Peers()) == 1 }, "heartbeat recorded")

	rec, _ := coord.State().Get(j.ID)
	if rec.Status != task.JobCompleted || rec.LastError != "" {
		t.Fatalf("duplicate result changed record: %+v", rec)
	}
}

type blockingRunner struct {
	release chan struct{}
}

func (b blockingRunner) RunJob(ctx context.Context, _ *task.Task, j task.Job) task.JobResult {
	<-b.release
	return task.JobResult{JobID: j.ID, TaskID: j.TaskID, Success: true, Output: "done"}
}

// slowRunner records how many executions of one job overlap.
type slowRunner struct {
	delay time.Duration
	mu    *sync.Mutex
	live  map[string]int
	peak  map[string]int
	done  chan struct{}
}

func newSlowRunner(delay time.Duration) *slowRunner {
	return &slowRunner{
		delay: delay,
		mu:    &sync.Mutex{},
		live:  map[string]int{},
		peak:  map[string]int{},
		done:  make(chan struct{}, 8),
	}
}

func (r *slowRunner) RunJob(ctx context.Context, _ *task.Task, j task.Job) task.JobResult {
	r.mu.Lock()
	r.live[j.ID]++
	if r.live[j.ID] > r.peak[j.ID] {
		r.peak[j.ID] = r.live[j.ID]
	}
	r.mu.Unlock()
	time.Sleep(r.delay)
	r.mu.Lock()
	r.live[j.ID]--
	r.mu.Unlock()
	r.done <- struct{}{}
	return task.JobResult{JobID: j.ID, TaskID: j.TaskID, Success: true, Output: "late"}
}

func TestTimedOutAttemptDoesNotOverlapOnWorker(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	coord := newTestNode(t, mesh, Options{NodeID: "coord", MaxAttempts: 3})
	runner := newSlowRunner(300 * time.Millisecond)
	newTestNode(t, mesh, Options{NodeID: "w1", Jobs: runner})

	tk, j := mapTask(0.1)
	_, err := coord.Assign(context.Background(), "w1", j, tk, "")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("expected exhaustion after 3 attempts, got %v", err)
	}
	if !strings.Contains(exhausted.Cause.Error(), "still running") {
		t.Fatalf("expected busy reply for overlapping attempt, got %v", exhausted.Cause)
	}

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first attempt never finished")
	}
	runner.mu.Lock()
	peak := runner.peak[j.ID]
	runner.mu.Unlock()
	if peak != 1 {
		t.Fatalf("max concurrent executions of %s = %d, want 1", j.ID, peak)
	}
}

func TestBusyWorkerRejectsAssignment(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	coord := newTestNode(t, mesh, Options{NodeID: "coord", MaxAttempts: 1})
	release := make(chan struct{})
	worker := newTestNode(t, mesh, Options{NodeID: "w1", MaxParallel: 1, Jobs: blockingRunner{release: release}})

	first, firstJob := mapTask(2)
	done := make(chan error, 1)
	go func() {
		_, err := coord.Assign(context.Background(), "w1", firstJob, first, "")
		done <- err
	}()
	eventually(t, func() bool { return worker.Heartbeat().RunningJobs == 1 }, "worker busy")

	second, secondJob := mapTask(2)
	_, err := coord.Assign(context.Background(), "w1", secondJob, second, "")
	if err == nil || !strings.Contains(err.Error(), "capacity") {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	rec, _ := coord.State().Get(secondJob.ID)
	if rec.Status != task.JobFailed {
		t.Fatalf("expected FAILED for busy ack, got %s", rec.Status)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first assignment: %v", err)
	}
}

func TestAssignChargesOwner(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	ledger := market.NewMemoryLedger()
	coord := newTestNode(t, mesh, Options{NodeID: "coord", Ledger: ledger})
	newTestNode(t, mesh, Options{NodeID: "w1"})

	tk, j := mapTask(2)
	if _, err := coord.Assign(context.Background(), "w1", j, tk, ""); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	ledger.Deposit("owner-1", math.LegacyNewDec(10))
	if _, err := coord.Assign(context.Background(), "w1", j, tk, ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !ledger.Balance("w1").IsPositive() {
		t.Fatalf("worker was not paid")
	}
	if !ledger.Balance("owner-1").Add(ledger.Balance("w1")).Equal(math.LegacyNewDec(10)) {
		t.Fatalf("credits not conserved")
	}
}

func TestMalformedAssignmentIsRejected(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	newTestNode(t, mesh, Options{NodeID: "w1"})
	acks := make(chan p2papi.JobAck, 1)
	mesh.Register("probe", func(_ context.Context, env p2papi.Envelope) {
		var ack p2papi.JobAck
		if env.MsgType == p2papi.MsgJobAck && env.Decode(&ack) == nil {
			acks <- ack
		}
	})
	env, _ := p2papi.NewEnvelope(p2papi.MsgJobAssign, "probe", "w1", p2papi.JobAssign{TaskID: "t", JobID: "t:0", Attempt: 1})
	if err := mesh.Send(context.Background(), "w1", env); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case ack := <-acks:
		if ack.Status != p2papi.AckRejected || ack.JobID != "t:0" {
			t.Fatalf("unexpected ack: %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatalf("no ack received")
	}
}

func TestAssignDeniedByPolicy(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	coord := newTestNode(t, mesh, Options{
		NodeID: "coord",
		Role:   RoleCoordinator,
		Policy: policy.NewFromConfig(policy.Config{
			Rules: []policy.Rule{{Name: "quarantine", Effect: "deny", Match: policy.RuleMatch{Worker: "w-bad"}}},
		}),
	})
	newTestNode(t, mesh, Options{NodeID: "w-bad", Role: RoleWorker})
	newTestNode(t, mesh, Options{NodeID: "w-good", Role: RoleWorker})

	tk, j := mapTask(2)
	_, err := coord.Assign(context.Background(), "w-bad", j, tk, "process")
	var denied *policy.DeniedError
	if !errors.As(err, &denied) || denied.Decision.Rule != "quarantine" {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if _, ok := coord.State().Get(j.ID); ok {
		t.Fatalf("denied job should not be registered")
	}
	res, err := coord.Assign(context.Background(), "w-good", j, tk, "process")
	if err != nil || !res.Success {
		t.Fatalf("assign to allowed worker: %v %+v", err, res)
	}
}

func TestAssignPricesByWorkerReputation(t *testing.T) {
	mesh := transport.NewMemory()
	defer mesh.Close()
	ledger := market.NewMemoryLedger()
	rep := market.NewMemoryReputation()
	rep.AddEvent(market.Event{Type: market.EventTaskFailure, NodeID: "w1"})
	coord := newTestNode(t, mesh, Options{NodeID: "coord", Ledger: ledger, Reputation: rep})
	newTestNode(t, mesh, Options{NodeID: "w1"})

	tk, j := mapTask(2)
	ledger.Deposit("owner-1", math.LegacyNewDec(10))
	if _, err := coord.Assign(context.Background(), "w1", j, tk, ""); err != nil {
		t.Fatalf("assign: %v", err)
	}

	req := market.PriceRequest{TaskType: tk.Type, Requirements: tk.Requirements, Priority: tk.Config.Priority}
	average := market.NewFlatPricing().CalculateTaskPrice(req).TotalCost
	req.Reputation = market.LevelTerrible
	terrible := market.NewFlatPricing().CalculateTaskPrice(req).TotalCost
	if !terrible.GT(average) {
		t.Fatalf("terrible reputation should raise the price: %s vs %s", terrible, average)
	}
	if got := ledger.Balance("w1"); !got.Equal(terrible) {
		t.Fatalf("expected worker paid %s, got %s", terrible, got)
	}
}
