package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/task"
)

// executeDAG runs pipeline nodes layer by layer. Every node whose
// dependencies have finished runs concurrently with the rest of its layer.
func (r *Runner) executeDAG(ctx context.Context, t *task.Task) Report {
	rep := Report{TaskID: t.ID, Nodes: make(map[string]Report, len(t.Nodes))}
	results := make(map[string]any, len(t.Nodes))
	done := make(map[string]bool, len(t.Nodes))

	for len(done) < len(t.Nodes) {
		var layer []task.PipelineNode
		for _, n := range t.Nodes {
			if !done[n.ID] && depsDone(n, done) {
				layer = append(layer, n)
			}
		}
		if len(layer) == 0 {
			rep.Status = task.StatusFailed
			rep.Error = "pipeline has a dependency cycle or unsatisfiable dependencies"
			log.Warn().Str("component", "pipeline").Str("task_id", t.ID).Msg(rep.Error)
			return rep
		}

		sub := make([]Report, len(layer))
		var wg sync.WaitGroup
		for i, n := range layer {
			nodeTask := n.Task.Clone()
			inherit(nodeTask, t, n.ID)
			feed(nodeTask, n.DependsOn, results)
			wg.Add(1)
			go func(i int, nodeTask *task.Task) {
				defer wg.Done()
				out, err := r.Execute(ctx, nodeTask)
				if err != nil {
					out.Status = task.StatusFailed
				}
				sub[i] = out
			}(i, nodeTask)
		}
		wg.Wait()

		var failed []string
		for i, n := range layer {
			rep.Nodes[n.ID] = sub[i]
			results[n.ID] = sub[i].Result
			done[n.ID] = true
			rep.Penalties = append(rep.Penalties, sub[i].Penalties...)
			if !sub[i].Success {
				failed = append(failed, n.ID)
			}
		}
		if len(failed) > 0 {
			rep.Status = task.StatusFailed
			rep.Error = fmt.Sprintf("pipeline nodes failed: %v", failed)
			return rep
		}
		if ctx.Err() != nil {
			rep.Status = task.StatusExpired
			rep.Error = ctx.Err().Error()
			return rep
		}
	}

	sinks := sinkNodes(t.Nodes)
	if len(sinks) == 1 {
		rep.Result = results[sinks[0]]
	} else {
		out := make(map[string]any, len(sinks))
		for _, id := range sinks {
			out[id] = results[id]
		}
		rep.Result = out
	}
	rep.Status = task.StatusCompleted
	rep.Success = true
	return rep
}

// inherit gives a node task the identity of its pipeline. Nodes decoded
// without an id get "<pipeline id>/<node id>" so their job ids stay unique.
func inherit(nt, parent *task.Task, nodeID string) {
	if nt.ID == "" {
		nt.ID = parent.ID + "/" + nodeID
	}
	if nt.Owner == "" {
		nt.Owner = parent.Owner
	}
	if nt.CreatedAt.IsZero() {
		nt.CreatedAt = parent.CreatedAt
	}
}

func depsDone(n task.PipelineNode, done map[string]bool) bool {
	for _, d := range n.DependsOn {
		if !done[d] {
			return false
		}
	}
	return true
}

// feed hands dependency outputs to a node. A single dependency passes its
// value through; several are keyed by node id.
func feed(t *task.Task, deps []string, results map[string]any) {
	if len(deps) == 0 {
		return
	}
	var value any
	if len(deps) == 1 {
		value = results[deps[0]]
	} else {
		m := make(map[string]any, len(deps))
		for _, d := range deps {
			m[d] = results[d]
		}
		value = m
	}
	switch s := t.Spec.(type) {
	case *task.MapSpec:
		if len(s.Data) == 0 {
			s.Data = asList(value)
		}
		return
	case *task.MapReduceSpec:
		if len(s.Data) == 0 {
			s.Data = asList(value)
		}
		return
	}
	if isEmpty(t.Input) {
		t.Input = value
	}
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	if v == nil {
		return nil
	}
	return []any{v}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func sinkNodes(nodes []task.PipelineNode) []string {
	depended := make(map[string]bool)
	for _, n := range nodes {
		for _, d := range n.DependsOn {
			depended[d] = true
		}
	}
	var out []string
	for _, n := range nodes {
		if !depended[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}
