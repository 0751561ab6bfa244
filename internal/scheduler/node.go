package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/executor"
	"github.com/ari3lYT/p2pnet/internal/market"
	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/pipeline"
	"github.com/ari3lYT/p2pnet/internal/policy"
	"github.com/ari3lYT/p2pnet/internal/state"
	"github.com/ari3lYT/p2pnet/internal/transport"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

const (
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
	RoleHybrid      = "hybrid"
)

type Options struct {
	NodeID    string
	Role      string
	Transport transport.Transport
	State     *state.Scheduler
	// Jobs executes assignments received from other nodes.
	Jobs pipeline.JobRunner
	// Ledger and Pricing enable the affordability check and worker payment.
	Ledger     market.CreditLedger
	Pricing    market.Pricing
	Reputation market.Reputation
	// Policy decides which workers may run an owner's jobs.
	Policy  *policy.Engine
	Metrics *observability.Registry
	// MaxAttempts bounds network attempts per Assign call. Zero uses the
	// job's own budget.
	MaxAttempts    int
	MaxParallel    int
	DefaultTimeout time.Duration
}

type Peer struct {
	NodeID            string
	CPUUtilization    float64
	MemoryUtilization float64
	RunningJobs       int
	Capacity          int
	Health            string
	LastHeartbeat     time.Time
}

// Node is one participant of the mesh. It assigns jobs to workers as a
// coordinator and serves assignments as a worker.
type Node struct {
	id          string
	role        string
	transport   transport.Transport
	state       *state.Scheduler
	jobs        pipeline.JobRunner
	ledger      market.CreditLedger
	pricing     market.Pricing
	reputation  market.Reputation
	policy      *policy.Engine
	metrics     *observability.Registry
	maxAttempts int
	maxParallel int
	timeout     time.Duration

	mu         sync.Mutex
	waiters    map[string]*waiter
	running    int
	executing  map[string]int
	injectFail map[string]bool
	peers      map[string]Peer
	ownerJobs  map[string]int
	successful int
	failed     int
	penalties  int
}

func NewNode(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, errors.New("scheduler: transport is required")
	}
	id := strings.TrimSpace(opts.NodeID)
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("node-%s-%d", host, os.Getpid())
	}
	n := &Node{
		id:          id,
		role:        opts.Role,
		transport:   opts.Transport,
		state:       opts.State,
		jobs:        opts.Jobs,
		ledger:      opts.Ledger,
		pricing:     opts.Pricing,
		reputation:  opts.Reputation,
		policy:      opts.Policy,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		maxParallel: opts.MaxParallel,
		timeout:     opts.DefaultTimeout,
		waiters:     make(map[string]*waiter),
		injectFail:  make(map[string]bool),
		executing:   make(map[string]int),
		peers:       make(map[string]Peer),
		ownerJobs:   make(map[string]int),
	}
	if n.role == "" {
		n.role = RoleHybrid
	}
	if n.metrics == nil {
		n.metrics = observability.Default
	}
	if n.state == nil {
		n.state = state.NewScheduler(state.Options{Metrics: n.metrics})
	}
	if n.jobs == nil {
		n.jobs = pipeline.New(pipeline.Options{
			Jobs:    executor.New(executor.Options{WorkerID: id}),
			Metrics: n.metrics,
		})
	}
	if n.ledger != nil && n.pricing == nil {
		n.pricing = market.NewFlatPricing()
	}
	if n.policy == nil {
		n.policy = policy.NewAllowAll()
	}
	if n.reputation == nil {
		n.reputation = market.NopReputation{}
	}
	if n.maxParallel <= 0 {
		n.maxParallel = 4
	}
	if n.timeout <= 0 {
		n.timeout = 300 * time.Second
	}
	n.transport.Register(n.id, n.handle)
	return n, nil
}

func (n *Node) ID() string { return n.id }

func (n *Node) State() *state.Scheduler { return n.state }

// handle dispatches envelopes in arrival order. It must not block on job
// execution.
func (n *Node) handle(ctx context.Context, env p2papi.Envelope) {
	n.metrics.IncCounter("messages_received_total", map[string]string{"msg_type": string(env.MsgType)}, 1)
	switch env.MsgType {
	case p2papi.MsgJobAssign:
		n.handleAssign(ctx, env)
	case p2papi.MsgJobAck:
		n.handleAck(env)
	case p2papi.MsgTaskStatusUpdate:
		n.handleStatusUpdate(env)
	case p2papi.MsgJobResult:
		n.handleResult(env)
	case p2papi.MsgJobFail:
		n.handleFail(env)
	case p2papi.MsgWorkerHeartbeat:
		n.handleHeartbeat(env)
	default:
		log.Warn().Str("component", "scheduler").Str("msg_type", string(env.MsgType)).
			Str("src_node", env.SrcNode).Msg("unknown message type")
	}
}

func (n *Node) send(ctx context.Context, dst string, typ p2papi.MsgType, payload any) error {
	env, err := p2papi.NewEnvelope(typ, n.id, dst, payload)
	if err != nil {
		return err
	}
	return n.transport.Send(ctx, dst, env)
}

func (n *Node) handleHeartbeat(env p2papi.Envelope) {
	var hb p2papi.WorkerHeartbeat
	if err := env.Decode(&hb); err != nil {
		log.Warn().Str("component", "scheduler").Err(err).Msg("bad heartbeat")
		return
	}
	id := hb.WorkerID
	if id == "" {
		id = env.SrcNode
	}
	n.mu.Lock()
	n.peers[id] = Peer{
		NodeID:            id,
		CPUUtilization:    hb.CPUUtilization,
		MemoryUtilization: hb.MemoryUtilization,
		RunningJobs:       hb.RunningJobs,
		Capacity:          hb.Capacity,
		Health:            hb.Health,
		LastHeartbeat:     time.Now().UTC(),
	}
	n.mu.Unlock()
	n.metrics.SetGauge("peer_running_jobs", map[string]string{"node_id": id}, float64(hb.RunningJobs))
}

// Peers returns the heartbeat table ordered by node id.
func (n *Node) Peers() []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Heartbeat describes this node's worker load.
func (n *Node) Heartbeat() p2papi.WorkerHeartbeat {
	n.mu.Lock()
	defer n.mu.Unlock()
	health := "healthy"
	if n.running >= n.maxParallel {
		health = "saturated"
	}
	return p2papi.WorkerHeartbeat{
		WorkerID:    n.id,
		RunningJobs: n.running,
		Capacity:    n.maxParallel,
		Health:      health,
	}
}

// SendHeartbeat reports hb to the given coordinator.
func (n *Node) SendHeartbeat(ctx context.Context, coordinator string, hb p2papi.WorkerHeartbeat) error {
	if hb.WorkerID == "" {
		hb.WorkerID = n.id
	}
	return n.send(ctx, coordinator, p2papi.MsgWorkerHeartbeat, hb)
}

func (n *Node) Status() p2papi.NodeStatusResponse {
	peers := n.Peers()
	resp := p2papi.NodeStatusResponse{
		NodeID:    n.id,
		Role:      n.role,
		Peers:     make([]p2papi.PeerStatus, 0, len(peers)),
		JobCounts: map[string]int{},
	}
	for _, p := range peers {
		resp.Peers = append(resp.Peers, p2papi.PeerStatus{
			NodeID:            p.NodeID,
			CPUUtilization:    p.CPUUtilization,
			MemoryUtilization: p.MemoryUtilization,
			RunningJobs:       p.RunningJobs,
			Capacity:          p.Capacity,
			Health:            p.Health,
			LastHeartbeat:     p.LastHeartbeat.Format(time.RFC3339),
		})
	}
	for st, c := range n.state.StatusCounters() {
		resp.JobCounts[string(st)] = c
	}
	n.mu.Lock()
	resp.Successful, resp.Failed, resp.Penalties = n.successful, n.failed, n.penalties
	n.mu.Unlock()
	return resp
}

// Counters returns successful jobs, failed attempts and penalties observed
// by this node as a coordinator.
func (n *Node) Counters() (successful, failed, penalties int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.successful, n.failed, n.penalties
}
