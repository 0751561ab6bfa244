package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ari3lYT/p2pnet/internal/task"
)

// RemoteRunner executes pipeline jobs on remote workers through Node.Assign.
// Workers are picked round-robin; a replica avoids the worker that ran its
// primary when another one is available.
type RemoteRunner struct {
	node        *Node
	workers     []string
	sandboxType string

	mu      sync.Mutex
	next    int
	primary map[string]string
}

func NewRemoteRunner(n *Node, workers []string, sandboxType string) *RemoteRunner {
	return &RemoteRunner{
		node:        n,
		workers:     append([]string(nil), workers...),
		sandboxType: sandboxType,
		primary:     make(map[string]string),
	}
}

func (r *RemoteRunner) RunJob(ctx context.Context, t *task.Task, j task.Job) task.JobResult {
	worker, err := r.pick(j)
	if err != nil {
		return task.FailedResult(j, "", err)
	}
	started := time.Now()
	res, err := r.node.Assign(ctx, worker, j, t, r.sandboxType)
	if err != nil {
		return task.FailedResult(j, worker, err)
	}
	runtime := time.Duration(res.RuntimeMS) * time.Millisecond
	if runtime == 0 {
		runtime = time.Since(started)
	}
	return task.JobResult{
		JobID:        j.ID,
		TaskID:       j.TaskID,
		WorkerID:     worker,
		Output:       res.Output,
		Success:      res.Success,
		Error:        res.Error,
		CanonicalID:  j.Canonical(),
		Replica:      j.Replica,
		ReplicaIndex: j.ReplicaIndex,
		Count:        res.Count,
		Runtime:      runtime,
	}
}

func (r *RemoteRunner) pick(j task.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return "", errors.New("no workers configured")
	}
	avoid := ""
	if j.Replica {
		avoid = r.primary[j.Canonical()]
	}
	var w string
	for i := 0; i < len(r.workers); i++ {
		w = r.workers[r.next%len(r.workers)]
		r.next++
		if w != avoid || len(r.workers) == 1 {
			break
		}
	}
	if !j.Replica {
		r.primary[j.ID] = w
	}
	return w, nil
}
