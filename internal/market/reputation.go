package market

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventTaskSuccess       EventType = "task_success"
	EventTaskFailure       EventType = "task_failure"
	EventCheatDetected     EventType = "cheat_detected"
	EventMaliciousBehavior EventType = "malicious_behavior"
)

type Event struct {
	Type        EventType
	NodeID      string
	TaskID      string
	Description string
	Severity    float64
	Timestamp   time.Time
}

type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelAverage   Level = "average"
	LevelPoor      Level = "poor"
	LevelTerrible  Level = "terrible"
)

type Reputation interface {
	AddEvent(e Event)
	PenalizeMalicious(nodeID, reason string, severity float64)
	Level(nodeID string) Level
}

// MemoryReputation scores nodes by a severity-weighted success ratio.
type MemoryReputation struct {
	mu     sync.Mutex
	events map[string][]Event
}

func NewMemoryReputation() *MemoryReputation {
	return &MemoryReputation{events: make(map[string][]Event)}
}

func (r *MemoryReputation) AddEvent(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity <= 0 {
		e.Severity = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.NodeID] = append(r.events[e.NodeID], e)
}

func (r *MemoryReputation) PenalizeMalicious(nodeID, reason string, severity float64) {
	log.Warn().Str("component", "market").Str("node_id", nodeID).Str("reason", reason).
		Float64("severity", severity).Msg("node penalised")
	r.AddEvent(Event{Type: EventMaliciousBehavior, NodeID: nodeID, Description: reason, Severity: severity})
}

func (r *MemoryReputation) Score(nodeID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.events[nodeID]
	if len(evs) == 0 {
		return 0.5
	}
	var good, total float64
	for _, e := range evs {
		total += e.Severity
		if e.Type == EventTaskSuccess {
			good += e.Severity
		}
	}
	return good / total
}

func (r *MemoryReputation) Level(nodeID string) Level {
	s := r.Score(nodeID)
	switch {
	case s >= 0.9:
		return LevelExcellent
	case s >= 0.7:
		return LevelGood
	case s >= 0.5:
		return LevelAverage
	case s >= 0.3:
		return LevelPoor
	default:
		return LevelTerrible
	}
}

func (r *MemoryReputation) Events(nodeID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[nodeID]...)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
