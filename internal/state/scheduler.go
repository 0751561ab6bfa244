package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/task"
)

var (
	ErrUnknownJob        = errors.New("unknown job")
	ErrInvalidTransition = errors.New("invalid job transition")
)

type JobRecord struct {
	Job         task.Job
	Status      task.JobStatus
	AssignedTo  string
	Attempts    int
	LastAttempt time.Time
	AckedAt     time.Time
	FinishedAt  time.Time
	NextRetry   time.Time
	LastError   string
}

type Event struct {
	JobID       string         `json:"job_id"`
	TaskID      string         `json:"task_id"`
	Status      task.JobStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	LastAttempt time.Time      `json:"last_attempt,omitempty"`
}

type Options struct {
	RetryDelay time.Duration
	Now        func() time.Time
	Metrics    *observability.Registry
}

// Scheduler is the coordinator's view of every job it has handed out.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[string]*JobRecord
	order      []string
	retryDelay time.Duration
	now        func() time.Time
	metrics    *observability.Registry
}

func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		jobs:       make(map[string]*JobRecord),
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		metrics:    opts.Metrics,
	}
	if s.retryDelay <= 0 {
		s.retryDelay = time.Second
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.metrics == nil {
		s.metrics = observability.Default
	}
	return s
}

// Register adds a job in PENDING. Registering a known job returns the existing record.
func (s *Scheduler) Register(j task.Job) JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[j.ID]; ok {
		return *rec
	}
	j.Status = task.JobPending
	rec := &JobRecord{Job: j, Status: task.JobPending}
	s.jobs[j.ID] = rec
	s.order = append(s.order, j.ID)
	s.publishLocked()
	return *rec
}

func (s *Scheduler) MarkAssigned(jobID, workerID string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.transitionLocked(jobID, task.JobAssigned)
	if err != nil {
		return JobRecord{}, err
	}
	rec.Attempts++
	rec.AssignedTo = workerID
	rec.LastAttempt = s.now()
	rec.NextRetry = time.Time{}
	rec.LastError = ""
	rec.Job.Attempts = rec.Attempts
	rec.Job.AssignedWorker = workerID
	return *rec, nil
}

func (s *Scheduler) MarkAcked(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.transitionLocked(jobID, task.JobAcked)
	if err != nil {
		return err
	}
	rec.AckedAt = s.now()
	return nil
}

func (s *Scheduler) MarkRunning(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.transitionLocked(jobID, task.JobRunning)
	return err
}

// MarkResult applies a job outcome. It reports false without error when the
// job is already settled, so late or duplicate results are ignored.
func (s *Scheduler) MarkResult(jobID string, success bool, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if rec.Status.Terminal() || rec.Status == task.JobPending {
		return false, nil
	}
	s.advanceToRunningLocked(rec, success)
	now := s.now()
	if success {
		if _, err := s.transitionLocked(jobID, task.JobCompleted); err != nil {
			return false, err
		}
		rec.FinishedAt = now
		return true, nil
	}
	if _, err := s.transitionLocked(jobID, task.JobFailed); err != nil {
		return false, err
	}
	rec.FinishedAt = now
	rec.LastError = errMsg
	rec.NextRetry = now.Add(s.retryDelay)
	return true, nil
}

// MarkExpired records an attempt that produced no result in time.
func (s *Scheduler) MarkExpired(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if rec.Status.Terminal() || rec.Status == task.JobPending {
		return false, nil
	}
	s.advanceToRunningLocked(rec, false)
	if _, err := s.transitionLocked(jobID, task.JobExpired); err != nil {
		return false, err
	}
	now := s.now()
	rec.FinishedAt = now
	rec.LastError = "timeout"
	rec.NextRetry = now.Add(s.retryDelay)
	return true, nil
}

// advanceToRunningLocked walks a job into RUNNING so that a result arriving
// ahead of its ACK or status update still follows the state machine. An
// unacknowledged job only advances on success; failures leave ASSIGNED directly.
func (s *Scheduler) advanceToRunningLocked(rec *JobRecord, fromAssigned bool) {
	if rec.Status == task.JobAssigned && fromAssigned {
		rec.Status = task.JobAcked
		rec.AckedAt = s.now()
	}
	if rec.Status == task.JobAcked {
		rec.Status = task.JobRunning
	}
	rec.Job.Status = rec.Status
}

func (s *Scheduler) transitionLocked(jobID string, to task.JobStatus) (*JobRecord, error) {
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if !task.CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, jobID, rec.Status, to)
	}
	rec.Status = to
	rec.Job.Status = to
	s.publishLocked()
	return rec, nil
}

func (s *Scheduler) Get(jobID string) (JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return JobRecord{}, false
	}
	return *rec, true
}

func (s *Scheduler) ForTask(taskID string) []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobRecord
	for _, id := range s.order {
		if rec := s.jobs[id]; rec.Job.TaskID == taskID {
			out = append(out, *rec)
		}
	}
	return out
}

// Events lists every job in registration order.
func (s *Scheduler) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.order))
	for _, id := range s.order {
		rec := s.jobs[id]
		out = append(out, Event{
			JobID:       id,
			TaskID:      rec.Job.TaskID,
			Status:      rec.Status,
			Attempts:    rec.Attempts,
			AssignedTo:  rec.AssignedTo,
			LastAttempt: rec.LastAttempt,
		})
	}
	return out
}

func (s *Scheduler) StatusCounters() map[task.JobStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countersLocked()
}

// DueForRetry returns FAILED or EXPIRED jobs whose retry time has passed,
// oldest eligibility first.
func (s *Scheduler) DueForRetry(now time.Time) []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobRecord
	for _, id := range s.order {
		rec := s.jobs[id]
		if rec.Status != task.JobFailed && rec.Status != task.JobExpired {
			continue
		}
		if rec.NextRetry.IsZero() || rec.NextRetry.After(now) {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRetry.Before(out[j].NextRetry) })
	return out
}

func (s *Scheduler) countersLocked() map[task.JobStatus]int {
	out := make(map[task.JobStatus]int)
	for _, rec := range s.jobs {
		out[rec.Status]++
	}
	return out
}

func (s *Scheduler) publishLocked() {
	counts := s.countersLocked()
	for _, st := range []task.JobStatus{task.JobPending, task.JobAssigned, task.JobAcked, task.JobRunning, task.JobCompleted, task.JobFailed, task.JobExpired} {
		s.metrics.SetGauge("scheduler_jobs", map[string]string{"status": string(st)}, float64(counts[st]))
	}
}
