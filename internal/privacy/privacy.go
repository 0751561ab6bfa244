package privacy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/planner"
	"github.com/ari3lYT/p2pnet/internal/task"
)

const PermutationKey = "mask_permutation"

// Engine hides input structure from workers before split and undoes it after combine.
type Engine interface {
	Name() string
	Prepare(t *task.Task)
	Restore(t *task.Task, combined any) any
}

type None struct{}

func (None) Name() string                           { return task.PrivacyNone }
func (None) Prepare(*task.Task)                     {}
func (None) Restore(_ *task.Task, combined any) any { return combined }

// Shard only marks the task; sharding itself is the split.
type Shard struct{}

func (Shard) Name() string { return task.PrivacyShard }

func (Shard) Prepare(t *task.Task) {
	log.Debug().Str("component", "privacy").Str("task_id", t.ID).Msg("shard privacy: inputs distributed as independent shards")
}

func (Shard) Restore(_ *task.Task, combined any) any { return combined }

// Mask shuffles map data with a random permutation stored in task metadata.
type Mask struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewMask(rng *rand.Rand) *Mask {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Mask{rng: rng}
}

func (m *Mask) Name() string { return task.PrivacyMask }

func (m *Mask) Prepare(t *task.Task) {
	spec, ok := t.Map()
	if !ok {
		log.Warn().Str("component", "privacy").Str("task_id", t.ID).Str("type", string(t.Type)).
			Msg("mask privacy only applies to map tasks; running without masking")
		return
	}
	if len(spec.Data) == 0 {
		return
	}
	m.mu.Lock()
	perm := m.rng.Perm(len(spec.Data))
	m.mu.Unlock()
	shuffled := make([]any, len(spec.Data))
	for i, p := range perm {
		shuffled[i] = spec.Data[p]
	}
	spec.Data = shuffled
	t.SetMetadata(PermutationKey, perm)
}

func (m *Mask) Restore(t *task.Task, combined any) any {
	perm, ok := permutation(t.Metadata[PermutationKey])
	if !ok {
		return combined
	}
	list, ok := combined.([]any)
	if !ok || len(list) != len(perm) {
		return combined
	}
	restored := make([]any, len(list))
	for i, p := range perm {
		if p < 0 || p >= len(list) {
			return combined
		}
		restored[p] = list[i]
	}
	return restored
}

// permutation accepts both the in-process form and the form decoded from JSON.
func permutation(v any) ([]int, bool) {
	switch x := v.(type) {
	case []int:
		return x, true
	case []any:
		out := make([]int, len(x))
		for i, e := range x {
			f, ok := planner.Number(e)
			if !ok {
				return nil, false
			}
			out[i] = int(f)
		}
		return out, true
	}
	return nil, false
}

var defaultMask = NewMask(nil)

// For selects the engine named by the task's privacy mode. Unknown modes
// degrade to None with a warning.
func For(t *task.Task) Engine {
	switch mode := t.Privacy.NormalizedMode(); mode {
	case task.PrivacyNone, task.PrivacyAuto:
		return None{}
	case task.PrivacyShard:
		return Shard{}
	case task.PrivacyMask:
		return defaultMask
	default:
		log.Warn().Str("component", "privacy").Str("task_id", t.ID).Str("mode", mode).
			Msg("unknown privacy mode; running without privacy")
		return None{}
	}
}
