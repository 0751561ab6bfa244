package state

import (
	"errors"
	"testing"
	"time"

	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/task"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestScheduler() (*Scheduler, *clock, *observability.Registry) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := observability.NewRegistry()
	return NewScheduler(Options{Now: c.now, Metrics: reg}), c, reg
}

func job(id string) task.Job {
	return task.Job{ID: id, TaskID: "t", MaxAttempts: 3, CanonicalID: id}
}

func TestHappyPathLifecycle(t *testing.T) {
	s, _, reg := newTestScheduler()
	s.Register(job("t:0"))
	rec, err := s.MarkAssigned("t:0", "w1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if rec.Attempts != 1 || rec.AssignedTo != "w1" || rec.Status != task.JobAssigned {
		t.Fatalf("unexpected record after assign: %+v", rec)
	}
	if err := s.MarkAcked("t:0"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.MarkRunning("t:0"); err != nil {
		t.Fatalf("running: %v", err)
	}
	applied, err := s.MarkResult("t:0", true, "")
	if err != nil || !applied {
		t.Fatalf("result: applied=%v err=%v", applied, err)
	}
	got, _ := s.Get("t:0")
	if got.Status != task.JobCompleted || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected final record: %+v", got)
	}
	if reg.Gauge("scheduler_jobs", map[string]string{"status": "COMPLETED"}) != 1 {
		t.Fatalf("expected completed gauge to be published")
	}
}

func TestDuplicateResultIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler()
	s.Register(job("t:0"))
	_, _ = s.MarkAssigned("t:0", "w1")
	if applied, _ := s.MarkResult("t:0", true, ""); !applied {
		t.Fatalf("first result should apply")
	}
	applied, err := s.MarkResult("t:0", false, "late failure")
	if err != nil || applied {
		t.Fatalf("duplicate result must be ignored: applied=%v err=%v", applied, err)
	}
	if rec, _ := s.Get("t:0"); rec.Status != task.JobCompleted {
		t.Fatalf("expected COMPLETED to stick, got %s", rec.Status)
	}
}

func TestIllegalTransitions(t *testing.T) {
	s, _, _ := newTestScheduler()
	s.Register(job("t:0"))
	if err := s.MarkAcked("t:0"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for PENDING->ACKED, got %v", err)
	}
	if err := s.MarkRunning("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected unknown job, got %v", err)
	}
	_, _ = s.MarkAssigned("t:0", "w1")
	if _, err := s.MarkAssigned("t:0", "w2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected double assign to fail, got %v", err)
	}
}

func TestFailureSchedulesRetry(t *testing.T) {
	s, c, _ := newTestScheduler()
	s.Register(job("t:0"))
	s.Register(job("t:1"))
	_, _ = s.MarkAssigned("t:0", "w1")
	_, _ = s.MarkAssigned("t:1", "w2")
	if _, err := s.MarkResult("t:0", false, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := s.MarkExpired("t:1"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if due := s.DueForRetry(c.t); len(due) != 0 {
		t.Fatalf("nothing should be due before the retry delay, got %d", len(due))
	}
	due := s.DueForRetry(c.t.Add(time.Second))
	if len(due) != 2 || due[0].LastError != "boom" || due[1].Status != task.JobExpired {
		t.Fatalf("unexpected due jobs: %+v", due)
	}
	rec, err := s.MarkAssigned("t:0", "w3")
	if err != nil || rec.Attempts != 2 {
		t.Fatalf("retry assign: attempts=%d err=%v", rec.Attempts, err)
	}
}

func TestResultBeforeAckFollowsStateMachine(t *testing.T) {
	s, _, _ := newTestScheduler()
	s.Register(job("t:0"))
	_, _ = s.MarkAssigned("t:0", "w1")
	if applied, err := s.MarkResult("t:0", true, ""); err != nil || !applied {
		t.Fatalf("result: applied=%v err=%v", applied, err)
	}
	s.Register(job("t:1"))
	_, _ = s.MarkAssigned("t:1", "w1")
	_ = s.MarkAcked("t:1")
	if _, err := s.MarkExpired("t:1"); err != nil {
		t.Fatalf("expire after ack: %v", err)
	}
}

func TestEventsAndCounters(t *testing.T) {
	s, _, _ := newTestScheduler()
	for _, id := range []string{"t:0", "t:1", "t:2"} {
		s.Register(job(id))
	}
	_, _ = s.MarkAssigned("t:1", "w1")
	ev := s.Events()
	if len(ev) != 3 || ev[1].JobID != "t:1" || ev[1].Status != task.JobAssigned || ev[1].AssignedTo != "w1" {
		t.Fatalf("unexpected events: %+v", ev)
	}
	counts := s.StatusCounters()
	if counts[task.JobPending] != 2 || counts[task.JobAssigned] != 1 {
		t.Fatalf("unexpected counters: %v", counts)
	}
	if got := s.Register(job("t:1")); got.Status != task.JobAssigned {
		t.Fatalf("re-registering must return the existing record, got %+v", got)
	}
	if len(s.ForTask("t")) != 3 {
		t.Fatalf("expected 3 jobs for task")
	}
}
