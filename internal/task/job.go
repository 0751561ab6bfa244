package task

import (
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobAssigned  JobStatus = "ASSIGNED"
	JobAcked     JobStatus = "ACKED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobExpired   JobStatus = "EXPIRED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:  {JobAssigned},
	JobAssigned: {JobAcked, JobFailed, JobExpired},
	JobAcked:    {JobRunning},
	JobRunning:  {JobCompleted, JobFailed, JobExpired},
	// retry re-entry
	JobFailed:  {JobPending, JobAssigned},
	JobExpired: {JobPending, JobAssigned},
}

func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobExpired
}

// JobPayload carries exactly one shard shape.
type JobPayload struct {
	Range    *RangePayload `json:"range,omitempty"`
	Map      *MapPayload   `json:"map,omitempty"`
	Chunk    *ChunkPayload `json:"chunk,omitempty"`
	Snapshot *Task         `json:"task,omitempty"`
}

type RangePayload struct {
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Operation string `json:"operation"`
}

type MapPayload struct {
	Function string         `json:"function"`
	Data     []any          `json:"data"`
	Params   map[string]any `json:"params,omitempty"`
}

type ChunkPayload struct {
	InputData    any     `json:"input_data"`
	CodeRef      CodeRef `json:"code_ref"`
	ParallelMode string  `json:"parallel_mode,omitempty"`
}

type Job struct {
	ID             string     `json:"job_id"`
	TaskID         string     `json:"task_id"`
	Index          int        `json:"index"`
	Type           Type       `json:"type"`
	Payload        JobPayload `json:"payload"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	CanonicalID    string     `json:"canonical_id"`
	Replica        bool       `json:"replica,omitempty"`
	ReplicaIndex   int        `json:"replica_index,omitempty"`
}

func JobID(taskID string, index int) string {
	return fmt.Sprintf("%s:%d", taskID, index)
}

func ReplicaID(jobID string, n int) string {
	return fmt.Sprintf("%s#r%d", jobID, n)
}

// Canonical returns the primary job id this job (or replica) belongs to.
func (j Job) Canonical() string {
	if j.CanonicalID != "" {
		return j.CanonicalID
	}
	return CanonicalOf(j.ID)
}

func CanonicalOf(jobID string) string {
	if i := strings.Index(jobID, "#"); i >= 0 {
		return jobID[:i]
	}
	return jobID
}

type JobResult struct {
	JobID        string        `json:"job_id"`
	TaskID       string        `json:"task_id"`
	WorkerID     string        `json:"worker_id"`
	Output       any           `json:"output"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	CanonicalID  string        `json:"canonical_id"`
	Replica      bool          `json:"replica,omitempty"`
	ReplicaIndex int           `json:"replica_index,omitempty"`
	Count        *int64        `json:"count,omitempty"`
	Runtime      time.Duration `json:"runtime_ns,omitempty"`
}

// Canonical mirrors Job.Canonical for results lacking metadata.
func (r JobResult) Canonical() string {
	if r.CanonicalID != "" {
		return r.CanonicalID
	}
	return CanonicalOf(r.JobID)
}

// FailedResult builds a failed result tagged with the job's identity.
func FailedResult(j Job, workerID string, err error) JobResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return JobResult{
		JobID:        j.ID,
		TaskID:       j.TaskID,
		WorkerID:     workerID,
		Success:      false,
		Error:        msg,
		CanonicalID:  j.Canonical(),
		Replica:      j.Replica,
		ReplicaIndex: j.ReplicaIndex,
	}
}
