package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/logstream"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

// Journal persists job records. Save and AppendLogs are called inside the
// store's critical section before a change becomes visible, so a failed
// write leaves the in-memory record unchanged.
type Journal interface {
	// Save persists the record. Log entries before logsFrom are already
	// stored; entries from logsFrom on replace whatever is stored there.
	Save(ctx context.Context, job xibalba.Job, logsFrom int) error
	// AppendLogs stores entries at log positions from onward.
	AppendLogs(ctx context.Context, jobID string, from int, entries []logstream.Entry) error
	LoadAll(ctx context.Context) ([]xibalba.Job, error)
	Close() error
}

type Options struct {
	// Journal is optional. Without one the store lives in memory only.
	Journal               Journal
	DefaultTimeoutSeconds int
	Now                   func() time.Time
}

// Store is the single source of truth for job records. Every operation runs
// under one mutex, including the claim scan and its transition.
type Store struct {
	mu             sync.Mutex
	jobs           map[string]*xibalba.Job
	seq            int64
	journal        Journal
	defaultTimeout int
	now            func() time.Time
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{
		jobs:           map[string]*xibalba.Job{},
		journal:        opts.Journal,
		defaultTimeout: opts.DefaultTimeoutSeconds,
		now:            opts.Now,
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = xibalba.DefaultTimeoutSeconds
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.journal == nil {
		return s, nil
	}
	jobs, err := s.journal.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore jobs: %w", err)
	}
	for i := range jobs {
		job := jobs[i]
		if job.Seq > s.seq {
			s.seq = job.Seq
		}
		s.jobs[job.JobID] = &job
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// Put stores a copy of job under id, replacing any existing record. A zero
// Seq is assigned the next insertion number.
func (s *Store) Put(ctx context.Context, id string, job xibalba.Job) error {
	if id == "" {
		return fmt.Errorf("%w: job_id required", xibalba.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := job.Clone()
	next.JobID = id
	if existing, ok := s.jobs[id]; ok && next.Seq == 0 {
		next.Seq = existing.Seq
	}
	if next.Seq == 0 {
		next.Seq = s.seq + 1
	}
	if err := s.commitLocked(ctx, next, 0); err != nil {
		return err
	}
	if next.Seq > s.seq {
		s.seq = next.Seq
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (xibalba.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return xibalba.Job{}, xibalba.ErrNotFound
	}
	return job.Clone(), nil
}

// List returns a point-in-time snapshot, newest first.
func (s *Store) List(ctx context.Context) []xibalba.Job {
	s.mu.Lock()
	out := make([]xibalba.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], out[i])
	})
	return out
}

func (s *Store) CreateJob(ctx context.Context, req xibalba.CreateJobRequest) (xibalba.Job, error) {
	if err := req.Validate(); err != nil {
		return xibalba.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job := xibalba.NewJob(req, s.defaultTimeout, s.now())
	job.Seq = s.seq + 1
	if err := s.commitLocked(ctx, job, 0); err != nil {
		return xibalba.Job{}, err
	}
	s.seq = job.Seq
	return job.Clone(), nil
}

// ClaimOldest assigns the oldest PENDING job to workerID. runtimePref, when
// set, restricts the scan to jobs with that runtime. ok is false when nothing
// is eligible.
func (s *Store) ClaimOldest(ctx context.Context, workerID, runtimePref string) (xibalba.Job, bool, error) {
	if workerID == "" {
		return xibalba.Job{}, false, fmt.Errorf("%w: worker_id required", xibalba.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *xibalba.Job
	for _, job := range s.jobs {
		if job.State != xibalba.StatePending {
			continue
		}
		if runtimePref != "" && job.Runtime != runtimePref {
			continue
		}
		if oldest == nil || olderThan(*job, *oldest) {
			oldest = job
		}
	}
	if oldest == nil {
		return xibalba.Job{}, false, nil
	}

	next := oldest.Clone()
	if err := next.Claim(workerID, s.now()); err != nil {
		return xibalba.Job{}, false, err
	}
	if err := s.commitLocked(ctx, next, len(oldest.Logs)); err != nil {
		return xibalba.Job{}, false, err
	}
	return next.Clone(), true, nil
}

// ClaimJob claims one specific job. It reports ok=false without error when
// the job is no longer PENDING.
func (s *Store) ClaimJob(ctx context.Context, jobID, workerID string) (xibalba.Job, bool, error) {
	var claimed bool
	job, err := s.mutate(ctx, jobID, func(job *xibalba.Job, now time.Time) error {
		if job.State != xibalba.StatePending {
			return errSkip
		}
		if err := job.Claim(workerID, now); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return xibalba.Job{}, false, err
	}
	return job, claimed, nil
}

func (s *Store) StartJob(ctx context.Context, jobID, workerID string) (xibalba.Job, error) {
	return s.mutate(ctx, jobID, func(job *xibalba.Job, now time.Time) error {
		return job.Start(workerID, now)
	})
}

// CompleteJob records a worker's outcome. A completion for a job that is
// already terminal is accepted into its logs and otherwise ignored.
func (s *Store) CompleteJob(ctx context.Context, jobID string, req xibalba.CompleteRequest) (xibalba.Job, error) {
	return s.mutate(ctx, jobID, func(job *xibalba.Job, now time.Time) error {
		err := job.Complete(req, now)
		if errors.Is(err, xibalba.ErrTerminal) {
			job.Logs = job.Logs.Append(req.WorkerID, []string{
				fmt.Sprintf("late completion ignored: job already %s (success=%t exit_code=%d)", job.State, req.Success, req.ExitCode),
			}, now)
			return nil
		}
		return err
	})
}

func (s *Store) CancelJob(ctx context.Context, jobID string) (xibalba.Job, error) {
	return s.mutate(ctx, jobID, func(job *xibalba.Job, now time.Time) error {
		return job.Cancel(now)
	})
}

// AppendLogs extends the stored stream in place. Appends never change state,
// so only the new entries are journaled and the record is not copied.
func (s *Store) AppendLogs(ctx context.Context, jobID, workerID string, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return xibalba.ErrNotFound
	}
	if len(lines) == 0 {
		return nil
	}
	if err := job.CanAppend(workerID); err != nil {
		return err
	}
	entries := logstream.Batch(workerID, lines, s.now())
	if s.journal != nil {
		if err := s.journal.AppendLogs(ctx, jobID, len(job.Logs), entries); err != nil {
			return fmt.Errorf("journal logs of job %s: %w", jobID, err)
		}
	}
	job.Logs = append(job.Logs, entries...)
	return nil
}

// Logs returns the last n entries of a job's stream. n <= 0 means the
// capped full read.
func (s *Store) Logs(ctx context.Context, jobID string, n int) ([]logstream.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, xibalba.ErrNotFound
	}
	return job.Logs.Tail(n), nil
}

// errSkip aborts a mutation without error and without writing.
var errSkip = errors.New("skip")

// mutate applies fn to a copy of the job and commits the copy. Transition
// attempts on a terminal job are no-ops that return the unchanged record.
func (s *Store) mutate(ctx context.Context, jobID string, fn func(job *xibalba.Job, now time.Time) error) (xibalba.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[jobID]
	if !ok {
		return xibalba.Job{}, xibalba.ErrNotFound
	}
	next := current.Clone()
	if err := fn(&next, s.now()); err != nil {
		if errors.Is(err, xibalba.ErrTerminal) || errors.Is(err, errSkip) {
			return current.Clone(), nil
		}
		return xibalba.Job{}, err
	}
	// Transitions only append to the stream, so the stored prefix is kept.
	if err := s.commitLocked(ctx, next, len(current.Logs)); err != nil {
		return xibalba.Job{}, err
	}
	return next.Clone(), nil
}

// commitLocked journals job and makes it the stored record. job must not be
// shared with the caller afterwards; callers hand out clones.
func (s *Store) commitLocked(ctx context.Context, job xibalba.Job, logsFrom int) error {
	if s.journal != nil {
		if err := s.journal.Save(ctx, job, logsFrom); err != nil {
			return fmt.Errorf("journal job %s: %w", job.JobID, err)
		}
	}
	s.jobs[job.JobID] = &job
	return nil
}

func olderThan(a, b xibalba.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
