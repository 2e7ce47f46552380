package xibalba

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/logstream"
)

const (
	DefaultTimeoutSeconds = 900
	DefaultRuntime        = "container"
	DefaultCPU            = 1
	DefaultMemoryMB       = 1024
)

type ResourceLimits struct {
	CPU      int `json:"cpu"`
	MemoryMB int `json:"memory_mb"`
}

func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{CPU: DefaultCPU, MemoryMB: DefaultMemoryMB}
}

// Result is attached to a job when it reaches SUCCESS or FAILED.
type Result struct {
	ExitCode int             `json:"exit_code"`
	Message  string          `json:"message"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Job is the stored record. The JSON form is what the journal persists;
// clients see JobSummary and JobDetails instead.
type Job struct {
	JobID          string            `json:"job_id"`
	Seq            int64             `json:"seq"`
	CreatedAt      time.Time         `json:"created_at"`
	State          State             `json:"state"`
	Repo           string            `json:"repo"`
	Ref            string            `json:"ref"`
	Runtime        string            `json:"runtime"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	Logs           logstream.Stream  `json:"logs"`
	Result         *Result           `json:"result,omitempty"`
	WorkerID       string            `json:"worker_id,omitempty"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (j Job) Clone() Job {
	out := j
	if j.Command != nil {
		out.Command = append([]string(nil), j.Command...)
	}
	if j.Env != nil {
		out.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			out.Env[k] = v
		}
	}
	out.Logs = j.Logs.Clone()
	if j.Result != nil {
		r := *j.Result
		if j.Result.Payload != nil {
			r.Payload = append(json.RawMessage(nil), j.Result.Payload...)
		}
		out.Result = &r
	}
	out.ClaimedAt = cloneTime(j.ClaimedAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type CreateJobRequest struct {
	Repo           string            `json:"repo"`
	Ref            string            `json:"ref"`
	Runtime        string            `json:"runtime"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ResourceLimits *ResourceLimits   `json:"resource_limits"`
}

// Validate rejects requests that can never run. Zero values are defaulted
// later by NewJob.
func (r CreateJobRequest) Validate() error {
	if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
		return ErrEmptyCommand
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidRequest)
	}
	if r.ResourceLimits != nil && (r.ResourceLimits.CPU < 0 || r.ResourceLimits.MemoryMB < 0) {
		return fmt.Errorf("%w: resource_limits must not be negative", ErrInvalidRequest)
	}
	return nil
}

// NewJob builds a PENDING job from a validated request.
func NewJob(req CreateJobRequest, defaultTimeout int, now time.Time) Job {
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	runtime := strings.TrimSpace(req.Runtime)
	if runtime == "" {
		runtime = DefaultRuntime
	}
	limits := DefaultResourceLimits()
	if req.ResourceLimits != nil {
		if req.ResourceLimits.CPU > 0 {
			limits.CPU = req.ResourceLimits.CPU
		}
		if req.ResourceLimits.MemoryMB > 0 {
			limits.MemoryMB = req.ResourceLimits.MemoryMB
		}
	}
	env := map[string]string{}
	for k, v := range req.Env {
		env[k] = v
	}
	return Job{
		JobID:          NewJobID(),
		CreatedAt:      now.UTC(),
		State:          StatePending,
		Repo:           req.Repo,
		Ref:            req.Ref,
		Runtime:        runtime,
		Command:        append([]string(nil), req.Command...),
		Env:            env,
		TimeoutSeconds: timeout,
		ResourceLimits: limits,
	}
}

type JobSummary struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
	Repo      string    `json:"repo"`
	Ref       string    `json:"ref"`
	Runtime   string    `json:"runtime"`
}

type JobDetails struct {
	JobSummary
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	Logs           []string          `json:"logs"`
	Result         *Result           `json:"result"`
	WorkerID       string            `json:"worker_id,omitempty"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

func (j Job) Summary() JobSummary {
	return JobSummary{
		JobID:     j.JobID,
		CreatedAt: j.CreatedAt,
		State:     j.State,
		Repo:      j.Repo,
		Ref:       j.Ref,
		Runtime:   j.Runtime,
	}
}

// Details renders the full view with the capped log tail.
func (j Job) Details() JobDetails {
	c := j.Clone()
	return JobDetails{
		JobSummary:     c.Summary(),
		Command:        c.Command,
		Env:            c.Env,
		TimeoutSeconds: c.TimeoutSeconds,
		ResourceLimits: c.ResourceLimits,
		Logs:           logstream.Lines(c.Logs.Capped()),
		Result:         c.Result,
		WorkerID:       c.WorkerID,
		ClaimedAt:      c.ClaimedAt,
		StartedAt:      c.StartedAt,
		FinishedAt:     c.FinishedAt,
	}
}

// Assignment is what a worker receives from a successful claim.
func (j Job) Assignment() ClaimResponse {
	c := j.Clone()
	return ClaimResponse{
		JobID:          c.JobID,
		Repo:           c.Repo,
		Ref:            c.Ref,
		Runtime:        c.Runtime,
		Command:        c.Command,
		Env:            c.Env,
		TimeoutSeconds: c.TimeoutSeconds,
		ResourceLimits: c.ResourceLimits,
	}
}

type ClaimRequest struct {
	WorkerID    string `json:"worker_id"`
	RuntimePref string `json:"runtime_pref,omitempty"`
}

type ClaimResponse struct {
	JobID          string            `json:"job_id"`
	Repo           string            `json:"repo"`
	Ref            string            `json:"ref"`
	Runtime        string            `json:"runtime"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
}

type StartRequest struct {
	WorkerID string `json:"worker_id"`
}

type AppendLogRequest struct {
	WorkerID string   `json:"worker_id"`
	Lines    []string `json:"lines"`
}

type CompleteRequest struct {
	WorkerID string          `json:"worker_id"`
	ExitCode int             `json:"exit_code"`
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type StateResponse struct {
	JobID string `json:"job_id"`
	State State  `json:"state"`
}

func NewJobID() string {
	return uuid.NewString()
}
