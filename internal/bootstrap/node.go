package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/artifacts"
	"github.com/ari3lYT/p2pnet/internal/config"
	"github.com/ari3lYT/p2pnet/internal/executor"
	"github.com/ari3lYT/p2pnet/internal/heartbeat"
	"github.com/ari3lYT/p2pnet/internal/market"
	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/pipeline"
	"github.com/ari3lYT/p2pnet/internal/policy"
	"github.com/ari3lYT/p2pnet/internal/sandbox"
	"github.com/ari3lYT/p2pnet/internal/scheduler"
	"github.com/ari3lYT/p2pnet/internal/state"
	"github.com/ari3lYT/p2pnet/internal/task"
	"github.com/ari3lYT/p2pnet/internal/transport"
	"github.com/ari3lYT/p2pnet/internal/verification"
)

// Node bundles everything one p2pnode process runs.
type Node struct {
	Config     config.Config
	Metrics    *observability.Registry
	GRPC       *transport.GRPC
	Mesh       *scheduler.Node
	Runner     *pipeline.Runner
	Artifacts  artifacts.Store
	Heartbeat  *heartbeat.Client
	Ledger     *market.MemoryLedger
	Reputation *market.MemoryReputation
	Policy     *policy.Engine

	mu      sync.Mutex
	running map[string]int
}

// New wires a node from cfg. A nil transport selects gRPC with the
// configured peers.
func New(cfg config.Config, tr transport.Transport) (*Node, error) {
	n := &Node{
		Config:     cfg,
		Metrics:    observability.Default,
		Reputation: market.NewMemoryReputation(),
		running:    make(map[string]int),
	}
	pol, err := policy.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	n.Policy = pol
	if tr == nil {
		g := transport.NewGRPC()
		for _, p := range cfg.Peers {
			g.AddPeer(p.NodeID, p.Address)
		}
		n.GRPC, tr = g, g
	}

	sb := sandbox.NewProcess(sandbox.ProcessOptions{
		Root:        cfg.SandboxRoot,
		Interpreter: cfg.Interpreter,
		Timeout:     cfg.SandboxTimeout,
	})
	local := pipeline.New(pipeline.Options{
		Jobs:    executor.New(executor.Options{WorkerID: cfg.NodeID, Sandbox: sb}),
		Metrics: n.Metrics,
	})

	opts := scheduler.Options{
		NodeID:      cfg.NodeID,
		Role:        cfg.Role,
		Transport:   tr,
		State:       state.NewScheduler(state.Options{RetryDelay: cfg.RetryDelay, Metrics: n.Metrics}),
		Jobs:        local,
		Reputation:  n.Reputation,
		Policy:      n.Policy,
		Metrics:     n.Metrics,
		MaxAttempts: cfg.MaxAttempts,
		MaxParallel: cfg.MaxParallelJobs,
	}
	if cfg.InitialCredits > 0 {
		n.Ledger = market.NewMemoryLedger()
		opts.Ledger = n.Ledger
	}
	mesh, err := scheduler.NewNode(opts)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	n.Mesh = mesh
	if n.Ledger != nil {
		n.Ledger.Deposit(mesh.ID(), market.DecFromFloat(cfg.InitialCredits))
	}

	n.Runner = local
	if len(cfg.Workers) > 0 && cfg.Role != scheduler.RoleWorker {
		n.Runner = pipeline.New(pipeline.Options{
			Jobs:    scheduler.NewRemoteRunner(mesh, cfg.Workers, "process"),
			Metrics: n.Metrics,
		})
	}
	if cfg.Coordinator != "" {
		n.Heartbeat = heartbeat.New(mesh, mesh, cfg.Coordinator, cfg.HeartbeatInterval)
	}

	store, err := artifacts.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	n.Artifacts = store
	n.Metrics.SetNodeIdentity(mesh.ID(), cfg.Role)
	log.Info().Str("component", "bootstrap").Str("node_id", mesh.ID()).Str("role", cfg.Role).
		Int("workers", len(cfg.Workers)).Int("peers", len(cfg.Peers)).Msg("node configured")
	return n, nil
}

// Submit executes t and stores its report. Validation failures and policy
// denials are returned as errors; execution failures are carried by the report.
func (n *Node) Submit(ctx context.Context, t *task.Task) (pipeline.Report, string, error) {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Owner == "" {
		t.Owner = n.Mesh.ID()
	}
	if err := n.admit(t); err != nil {
		return pipeline.Report{TaskID: t.ID, Status: task.StatusFailed, Error: err.Error()}, "", err
	}
	defer n.release(t.Owner)

	rep, err := n.Runner.Execute(ctx, t)
	if err != nil {
		return rep, "", err
	}
	n.penalize(t, rep.Penalties)
	uri, err := n.Artifacts.Put(ctx, t.ID, rep)
	if err != nil {
		log.Warn().Str("component", "bootstrap").Str("task_id", t.ID).Err(err).Msg("artifact not stored")
		return rep, "", nil
	}
	return rep, uri, nil
}

// maliciousSeverity weights a verification mismatch against a worker.
const maliciousSeverity = 2.0

func (n *Node) penalize(t *task.Task, penalties []verification.Penalty) {
	for _, p := range penalties {
		if p.WorkerID == "" {
			continue
		}
		log.Warn().Str("component", "bootstrap").Str("task_id", t.ID).Str("worker_id", p.WorkerID).
			Str("job_id", p.JobID).Str("reason", p.Reason).Msg("verification penalty")
		n.Reputation.PenalizeMalicious(p.WorkerID, p.Reason, maliciousSeverity)
	}
}

func (n *Node) admit(t *task.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := n.Policy.EvaluateSubmit(policy.SubmitInput{
		Owner:        t.Owner,
		TaskType:     string(t.Type),
		Priority:     t.Config.Priority,
		PrivacyMode:  t.Privacy.NormalizedMode(),
		Verification: t.Privacy.NormalizedVerification(),
		RequiresGPU:  t.Requirements.GPUPercent > 0,
		RunningTasks: n.running[t.Owner],
	})
	if err := d.Err(); err != nil {
		n.Metrics.IncCounter("policy_denied_total", map[string]string{"stage": "submit", "reason": d.ReasonCode}, 1)
		log.Info().Str("component", "bootstrap").Str("task_id", t.ID).Str("owner_id", t.Owner).
			Str("reason", d.ReasonCode).Msg("task denied by policy")
		return err
	}
	n.running[t.Owner]++
	return nil
}

func (n *Node) release(owner string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running[owner]--; n.running[owner] <= 0 {
		delete(n.running, owner)
	}
}

func (n *Node) Close() {
	if n.GRPC != nil {
		n.GRPC.Close()
	}
}
