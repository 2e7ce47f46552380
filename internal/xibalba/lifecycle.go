package xibalba

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StatePending  State = "PENDING"
	StateClaimed  State = "CLAIMED"
	StateRunning  State = "RUNNING"
	StateSuccess  State = "SUCCESS"
	StateFailed   State = "FAILED"
	StateCanceled State = "CANCELED"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrWorkerMismatch    = errors.New("worker_id mismatch for job")
	ErrInvalidSecret     = errors.New("invalid worker secret")
	ErrEmptyCommand      = errors.New("command required")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotClaimed        = errors.New("job has no assigned worker")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTerminal is returned by the transition methods when the job is
	// already SUCCESS, FAILED or CANCELED. Callers treat it as a no-op.
	ErrTerminal = errors.New("job already terminal")
)

// Terminal states have no outgoing edges.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateClaimed:  true,
		StateRunning:  true,
		StateCanceled: true,
	},
	StateClaimed: {
		StateRunning:  true,
		StateSuccess:  true,
		StateFailed:   true,
		StateCanceled: true,
	},
	StateRunning: {
		StateSuccess:  true,
		StateFailed:   true,
		StateCanceled: true,
	},
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateClaimed, StateRunning, StateSuccess, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCanceled
}

func IsValidTransition(from, to State) bool {
	return validTransitions[from][to]
}

func (j *Job) transition(to State) error {
	if j.State.IsTerminal() {
		return ErrTerminal
	}
	if !IsValidTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	return nil
}

func setOnce(dst **time.Time, now time.Time) {
	if *dst != nil {
		return
	}
	v := now.UTC()
	*dst = &v
}

// Claim assigns a PENDING job to workerID.
func (j *Job) Claim(workerID string, now time.Time) error {
	if j.WorkerID != "" && j.WorkerID != workerID {
		return ErrWorkerMismatch
	}
	if err := j.transition(StateClaimed); err != nil {
		return err
	}
	j.WorkerID = workerID
	setOnce(&j.ClaimedAt, now)
	j.Logs = j.Logs.System(fmt.Sprintf("CLAIMED by worker %s", workerID), now)
	return nil
}

// Start moves a claimed job to RUNNING. Starting a PENDING job directly
// claims it for workerID as well. Repeated starts by the owner are no-ops.
func (j *Job) Start(workerID string, now time.Time) error {
	if j.WorkerID != "" && j.WorkerID != workerID {
		return ErrWorkerMismatch
	}
	if j.State == StateRunning {
		return nil
	}
	if err := j.transition(StateRunning); err != nil {
		return err
	}
	if j.WorkerID == "" {
		j.WorkerID = workerID
		setOnce(&j.ClaimedAt, now)
	}
	setOnce(&j.StartedAt, now)
	j.Logs = j.Logs.System(fmt.Sprintf("state=RUNNING: worker %s started", workerID), now)
	return nil
}

// Complete records the worker's outcome and moves the job to SUCCESS or FAILED.
func (j *Job) Complete(req CompleteRequest, now time.Time) error {
	if j.WorkerID != "" && j.WorkerID != req.WorkerID {
		return ErrWorkerMismatch
	}
	if j.State.IsTerminal() {
		return ErrTerminal
	}
	if j.WorkerID == "" {
		return ErrNotClaimed
	}
	to := StateFailed
	if req.Success {
		to = StateSuccess
	}
	if err := j.transition(to); err != nil {
		return err
	}
	msg := req.Message
	if msg == "" {
		if req.Success {
			msg = "success"
		} else {
			msg = "failed"
		}
	}
	result := &Result{ExitCode: req.ExitCode, Message: msg}
	if len(req.Result) > 0 && json.Valid(req.Result) {
		result.Payload = append(json.RawMessage(nil), req.Result...)
	}
	j.Result = result
	setOnce(&j.FinishedAt, now)
	j.Logs = j.Logs.Append(req.WorkerID, []string{fmt.Sprintf("COMPLETE success=%t exit_code=%d", req.Success, req.ExitCode)}, now)
	return nil
}

// Cancel moves any non-terminal job to CANCELED.
func (j *Job) Cancel(now time.Time) error {
	if err := j.transition(StateCanceled); err != nil {
		return err
	}
	setOnce(&j.FinishedAt, now)
	j.Logs = j.Logs.System("CANCELED by request", now)
	return nil
}

// AppendLogs accepts informational lines, including on terminal jobs. It never
// establishes ownership.
func (j *Job) AppendLogs(workerID string, lines []string, now time.Time) error {
	if err := j.CanAppend(workerID); err != nil {
		return err
	}
	j.Logs = j.Logs.Append(workerID, lines, now)
	return nil
}

// CanAppend reports whether workerID may add lines: anyone before a claim,
// only the assigned worker after.
func (j *Job) CanAppend(workerID string) error {
	if j.WorkerID != "" && j.WorkerID != workerID {
		return ErrWorkerMismatch
	}
	return nil
}
