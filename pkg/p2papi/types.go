package p2papi

import "encoding/json"

const (
	AckAccepted = "accepted"
	AckBusy     = "busy"
	AckRejected = "rejected"
)

type JobAssign struct {
	TaskID       string          `json:"task_id"`
	JobID        string          `json:"job_id"`
	Attempt      int             `json:"attempt"`
	TaskType     string          `json:"task_type"`
	CodeRef      json.RawMessage `json:"code_ref,omitempty"`
	SandboxType  string          `json:"sandbox_type,omitempty"`
	InputPayload json.RawMessage `json:"input_payload"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
	DeadlineTS   int64           `json:"deadline_ts"`
	Privacy      json.RawMessage `json:"privacy,omitempty"`
	CanonicalID  string          `json:"canonical_id,omitempty"`
	Replica      bool            `json:"replica,omitempty"`
	ReplicaIndex int             `json:"replica_index,omitempty"`
	// Task is a full snapshot of the owning task when the sender has one.
	Task json.RawMessage `json:"task,omitempty"`
}

type JobAck struct {
	TaskID  string `json:"task_id"`
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type JobResult struct {
	TaskID    string `json:"task_id"`
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt"`
	Success   bool   `json:"success"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	RuntimeMS int64  `json:"runtime_ms"`
	WorkerID  string `json:"worker_id"`
	Count     *int64 `json:"count,omitempty"`
}

type JobFail struct {
	TaskID   string `json:"task_id"`
	JobID    string `json:"job_id"`
	Attempt  int    `json:"attempt"`
	Reason   string `json:"reason"`
	WorkerID string `json:"worker_id"`
}

type WorkerHeartbeat struct {
	WorkerID          string  `json:"worker_id"`
	CPUUtilization    float64 `json:"cpu_utilization"`
	MemoryUtilization float64 `json:"memory_utilization"`
	RunningJobs       int     `json:"running_jobs"`
	Capacity          int     `json:"capacity"`
	Health            string  `json:"health"`
}

type TaskStatusUpdate struct {
	TaskID  string `json:"task_id"`
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Status  string `json:"status"`
}

// HTTP surface of p2pnode.

type SubmitTaskResponse struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Success     bool   `json:"success"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	ArtifactURI string `json:"artifact_uri,omitempty"`
}

type PeerStatus struct {
	NodeID            string  `json:"node_id"`
	CPUUtilization    float64 `json:"cpu_utilization"`
	MemoryUtilization float64 `json:"memory_utilization"`
	RunningJobs       int     `json:"running_jobs"`
	Capacity          int     `json:"capacity"`
	Health            string  `json:"health"`
	LastHeartbeat     string  `json:"last_heartbeat"`
}

type NodeStatusResponse struct {
	NodeID     string         `json:"node_id"`
	Role       string         `json:"role"`
	Peers      []PeerStatus   `json:"peers"`
	JobCounts  map[string]int `json:"job_counts"`
	Successful int            `json:"successful_jobs"`
	Failed     int            `json:"failed_jobs"`
	Penalties  int            `json:"penalties"`
}
