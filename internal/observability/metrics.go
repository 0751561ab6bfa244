package observability

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Namespace prefixes every exported Prometheus series.
const Namespace = "p2pnet"

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot is the JSON view of a registry, tagged with the node it
// belongs to.
type Snapshot struct {
	NodeID   string        `json:"node_id,omitempty"`
	Role     string        `json:"role,omitempty"`
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type series struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry holds a node's counters and gauges. Series are keyed by name
// plus sorted labels, NUL separated so a family sorts contiguously.
type Registry struct {
	mu       sync.Mutex
	nodeID   string
	role     string
	counters map[string]*series
	gauges   map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{counters: map[string]*series{}, gauges: map[string]*series{}}
}

// Default is the process-wide registry served by the node's HTTP surface.
var Default = NewRegistry()

// SetNodeIdentity attaches node_id and role labels to every rendered series.
func (r *Registry) SetNodeIdentity(nodeID, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeID, r.role = nodeID, role
}

func (r *Registry) Counter(name string, labels map[string]string) float64 {
	return r.read(r.counters, name, labels)
}

func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	return r.read(r.gauges, name, labels)
}

func (r *Registry) read(m map[string]*series, name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := m[seriesKey(name, labels)]; ok {
		return s.value
	}
	return 0
}

// ObserveDuration adds d to name_seconds_total and bumps name_count.
func (r *Registry) ObserveDuration(name string, labels map[string]string, d time.Duration) {
	r.IncCounter(name+"_seconds_total", labels, d.Seconds())
	r.IncCounter(name+"_count", labels, 1)
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(r.counters, name, labels).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(r.gauges, name, labels).value = value
}

func (r *Registry) upsert(m map[string]*series, name string, labels map[string]string) *series {
	k := seriesKey(name, labels)
	s, ok := m[k]
	if !ok {
		s = &series{name: name, labels: maps.Clone(labels)}
		m[k] = s
	}
	return s
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		NodeID:   r.nodeID,
		Role:     r.role,
		Counters: points(r.counters),
		Gauges:   points(r.gauges),
	}
}

func points(m map[string]*series) []MetricPoint {
	keys := sortedKeys(m)
	out := make([]MetricPoint, 0, len(keys))
	for _, k := range keys {
		s := m[k]
		out = append(out, MetricPoint{Name: s.name, Labels: maps.Clone(s.labels), Value: s.value})
	}
	return out
}

// RenderPrometheus writes the text exposition format. Names are prefixed
// with Namespace and each family gets a TYPE line.
func (r *Registry) RenderPrometheus() string {
	snap := r.Snapshot()
	identity := map[string]string{}
	if snap.NodeID != "" {
		identity["node_id"] = snap.NodeID
	}
	if snap.Role != "" {
		identity["role"] = snap.Role
	}
	var b strings.Builder
	writeFamilies(&b, "counter", snap.Counters, identity)
	writeFamilies(&b, "gauge", snap.Gauges, identity)
	return b.String()
}

func writeFamilies(b *strings.Builder, kind string, pts []MetricPoint, identity map[string]string) {
	last := ""
	for _, p := range pts {
		name := Namespace + "_" + sanitizeMetricName(p.Name)
		if name != last {
			fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
			last = name
		}
		labels := maps.Clone(identity)
		for k, v := range p.Labels {
			// series labels win over node identity
			labels[k] = v
		}
		b.WriteString(name)
		if len(labels) > 0 {
			parts := make([]string, 0, len(labels))
			for _, k := range sortedKeys(labels) {
				parts = append(parts, fmt.Sprintf("%s=%q", sanitizeMetricName(k), labels[k]))
			}
			b.WriteString("{" + strings.Join(parts, ",") + "}")
		}
		b.WriteString(" " + strconv.FormatFloat(p.Value, 'f', -1, 64) + "\n")
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range sortedKeys(labels) {
		b.WriteString("\x00" + k + "=" + labels[k])
	}
	return b.String()
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "metric"
	}
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			return c
		}
		return '_'
	}, name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
