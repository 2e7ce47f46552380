package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/journal"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/logstream"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

func TestClaimOldestConcurrentWorkersAreMutualExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	const (
		jobCount    = 40
		workerCount = 8
	)
	for i := 0; i < jobCount; i++ {
		createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"sleep", "1"}})
	}

	assignmentByJob := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr atomicError

	for i := 0; i < workerCount; i++ {
		workerID := "worker-" + strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.ClaimOldest(ctx, workerID, "")
				if err != nil {
					firstErr.set(err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if previous, exists := assignmentByJob[job.JobID]; exists {
					firstErr.setf("job %s claimed by multiple workers: %s and %s", job.JobID, previous, workerID)
					mu.Unlock()
					return
				}
				assignmentByJob[job.JobID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := firstErr.get(); err != nil {
		t.Fatalf("claim loop error: %v", err)
	}
	if len(assignmentByJob) != jobCount {
		t.Fatalf("expected to claim all jobs, got %d of %d", len(assignmentByJob), jobCount)
	}
	for jobID, workerID := range assignmentByJob {
		job := mustGetJob(t, s, ctx, jobID)
		if job.State != xibalba.StateClaimed || job.WorkerID != workerID {
			t.Fatalf("job %s: expected CLAIMED by %s, got %s by %s", jobID, workerID, job.State, job.WorkerID)
		}
	}
}

func TestClaimOldestOrderAndRuntimeFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := openTestStoreWithClock(t, clock)

	first := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"a"}, Runtime: "vm"})
	// Same creation time: insertion order breaks the tie.
	second := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"b"}})
	clock.advance(time.Second)
	third := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"c"}})

	job, ok, err := s.ClaimOldest(ctx, "w1", "container")
	if err != nil || !ok {
		t.Fatalf("claim container: ok=%v err=%v", ok, err)
	}
	if job.JobID != second.JobID {
		t.Fatalf("expected oldest container job %s, got %s", second.JobID, job.JobID)
	}
	job, ok, err = s.ClaimOldest(ctx, "w1", "")
	if err != nil || !ok || job.JobID != first.JobID {
		t.Fatalf("expected %s without preference, got %s ok=%v err=%v", first.JobID, job.JobID, ok, err)
	}
	job, ok, err = s.ClaimOldest(ctx, "w2", "")
	if err != nil || !ok || job.JobID != third.JobID {
		t.Fatalf("expected %s, got %s ok=%v err=%v", third.JobID, job.JobID, ok, err)
	}
	if _, ok, err := s.ClaimOldest(ctx, "w2", ""); ok || err != nil {
		t.Fatalf("expected idle signal, got ok=%v err=%v", ok, err)
	}
}

func TestCompleteJobIsIdempotentAfterTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	jobID := enqueueAndClaimJob(t, s, ctx, "test-worker")

	if _, err := s.StartJob(ctx, jobID, "test-worker"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := s.CompleteJob(ctx, jobID, xibalba.CompleteRequest{WorkerID: "test-worker", Success: true, Message: "first completion"})
	if err != nil {
		t.Fatalf("first completion should succeed: %v", err)
	}
	if first.State != xibalba.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s", first.State)
	}

	dup, err := s.CompleteJob(ctx, jobID, xibalba.CompleteRequest{WorkerID: "test-worker", ExitCode: 3, Message: "retry"})
	if err != nil {
		t.Fatalf("duplicate completion should be a no-op: %v", err)
	}
	if dup.State != xibalba.StateSuccess || dup.Result.Message != "first completion" {
		t.Fatalf("terminal result must not change, got %s %#v", dup.State, dup.Result)
	}
	if !dup.FinishedAt.Equal(*first.FinishedAt) {
		t.Fatalf("finished_at must be write-once")
	}
	last := dup.Logs[len(dup.Logs)-1]
	if last.WorkerID != "test-worker" {
		t.Fatalf("late completion should be logged, got %#v", last)
	}

	if _, err := s.CancelJob(ctx, jobID); err != nil {
		t.Fatalf("cancel after terminal should be a no-op: %v", err)
	}
	if got := mustGetJob(t, s, ctx, jobID).State; got != xibalba.StateSuccess {
		t.Fatalf("job should remain SUCCESS, got %s", got)
	}
}

func TestWorkerIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	jobID := enqueueAndClaimJob(t, s, ctx, "owner")

	if _, err := s.StartJob(ctx, jobID, "intruder"); !errors.Is(err, xibalba.ErrWorkerMismatch) {
		t.Fatalf("expected mismatch on start, got %v", err)
	}
	if err := s.AppendLogs(ctx, jobID, "intruder", []string{"x"}); !errors.Is(err, xibalba.ErrWorkerMismatch) {
		t.Fatalf("expected mismatch on append, got %v", err)
	}
	if _, err := s.CompleteJob(ctx, jobID, xibalba.CompleteRequest{WorkerID: "intruder", Success: true}); !errors.Is(err, xibalba.ErrWorkerMismatch) {
		t.Fatalf("expected mismatch on complete, got %v", err)
	}
	job := mustGetJob(t, s, ctx, jobID)
	if job.State != xibalba.StateClaimed || job.Result != nil {
		t.Fatalf("rejected calls must not mutate, got %s %#v", job.State, job.Result)
	}
}

func TestCancelBeforeCompleteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	jobID := enqueueAndClaimJob(t, s, ctx, "w")
	if _, err := s.StartJob(ctx, jobID, "w"); err != nil {
		t.Fatalf("start: %v", err)
	}

	canceled, err := s.CancelJob(ctx, jobID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.State != xibalba.StateCanceled || canceled.FinishedAt == nil {
		t.Fatalf("expected CANCELED with finished_at, got %#v", canceled)
	}
	job, err := s.CompleteJob(ctx, jobID, xibalba.CompleteRequest{WorkerID: "w", Success: true})
	if err != nil {
		t.Fatalf("completion after cancel should be absorbed: %v", err)
	}
	if job.State != xibalba.StateCanceled || job.Result != nil {
		t.Fatalf("cancel must not be resurrected, got %s %#v", job.State, job.Result)
	}
}

func TestCompleteRequiresClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	job := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"true"}})
	if _, err := s.CompleteJob(ctx, job.JobID, xibalba.CompleteRequest{WorkerID: "w", Success: true}); !errors.Is(err, xibalba.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
	if _, err := s.CompleteJob(ctx, "missing", xibalba.CompleteRequest{WorkerID: "w"}); !errors.Is(err, xibalba.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimJobTargetsOnlyPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	job := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"true"}})

	if _, ok, err := s.ClaimJob(ctx, job.JobID, "simulator"); err != nil || !ok {
		t.Fatalf("targeted claim: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.ClaimJob(ctx, job.JobID, "other"); err != nil || ok {
		t.Fatalf("second targeted claim must report not claimed, ok=%v err=%v", ok, err)
	}
}

func TestListIsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := openTestStoreWithClock(t, clock)
	older := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"a"}})
	clock.advance(time.Second)
	newer := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"b"}})

	list := s.List(ctx)
	if len(list) != 2 || list[0].JobID != newer.JobID || list[1].JobID != older.JobID {
		t.Fatalf("expected newest-first listing, got %#v", list)
	}
	list[0].State = xibalba.StateFailed
	list[0].Command[0] = "mutated"
	if got := mustGetJob(t, s, ctx, newer.JobID); got.State != xibalba.StatePending || got.Command[0] != "b" {
		t.Fatalf("snapshot mutation leaked into store: %#v", got)
	}
}

func TestLogsTailAndAppendWithoutOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	job := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"true"}})

	if err := s.AppendLogs(ctx, job.JobID, "early", []string{"one", "two", "three"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := mustGetJob(t, s, ctx, job.JobID); got.WorkerID != "" {
		t.Fatalf("append must not establish ownership, got %q", got.WorkerID)
	}
	tail, err := s.Logs(ctx, job.JobID, 2)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(tail) != 2 || tail[0].Line != "two" || tail[1].Line != "three" || tail[1].WorkerID != "early" {
		t.Fatalf("unexpected tail %#v", tail)
	}
	if _, err := s.Logs(ctx, "missing", 1); !errors.Is(err, xibalba.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	job := xibalba.NewJob(xibalba.CreateJobRequest{Command: []string{"true"}}, 0, time.Now())
	if err := s.Put(ctx, "fixed-id", job); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := mustGetJob(t, s, ctx, "fixed-id")
	if got.JobID != "fixed-id" || got.Seq == 0 {
		t.Fatalf("unexpected stored job %#v", got)
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, xibalba.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJournalRestoresJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "jobs.sqlite")

	j, err := journal.Open(ctx, journal.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	s, err := Open(ctx, Options{Journal: j})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"a"}})
	b := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"b"}, Runtime: "vm"})
	if _, _, err := s.ClaimOldest(ctx, "w1", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.AppendLogs(ctx, a.JobID, "w1", []string{"hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	wantLogs := len(mustGetJob(t, s, ctx, a.JobID).Logs)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, err := journal.Open(ctx, journal.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	restored, err := Open(ctx, Options{Journal: j2})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = restored.Close() })

	got := mustGetJob(t, restored, ctx, a.JobID)
	if got.State != xibalba.StateClaimed || got.WorkerID != "w1" {
		t.Fatalf("claim not restored: %#v", got)
	}
	if last := got.Logs[len(got.Logs)-1]; last.Line != "hello" {
		t.Fatalf("logs not restored: %#v", got.Logs)
	}
	if len(got.Logs) != wantLogs {
		t.Fatalf("expected %d restored entries, got %#v", wantLogs, got.Logs)
	}
	if got := mustGetJob(t, restored, ctx, b.JobID); got.State != xibalba.StatePending || got.Runtime != "vm" {
		t.Fatalf("pending job not restored: %#v", got)
	}
	c := createJob(t, restored, ctx, xibalba.CreateJobRequest{Command: []string{"c"}})
	if c.Seq <= b.Seq {
		t.Fatalf("insertion order must continue after restore, got %d after %d", c.Seq, b.Seq)
	}
}

type failingJournal struct{}

func (failingJournal) Save(context.Context, xibalba.Job, int) error { return errors.New("disk full") }
func (failingJournal) AppendLogs(context.Context, string, int, []logstream.Entry) error {
	return errors.New("disk full")
}
func (failingJournal) LoadAll(context.Context) ([]xibalba.Job, error) { return nil, nil }
func (failingJournal) Close() error                                   { return nil }

// recordingJournal keeps what the store writes so tests can check how much
// each operation persists.
type recordingJournal struct {
	mu      sync.Mutex
	saves   []int
	appends [][2]int
}

func (r *recordingJournal) Save(_ context.Context, _ xibalba.Job, logsFrom int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, logsFrom)
	return nil
}

func (r *recordingJournal) AppendLogs(_ context.Context, _ string, from int, entries []logstream.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appends = append(r.appends, [2]int{from, len(entries)})
	return nil
}

func (r *recordingJournal) LoadAll(context.Context) ([]xibalba.Job, error) { return nil, nil }
func (r *recordingJournal) Close() error                                   { return nil }

func TestAppendLogsJournalsOnlyNewEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingJournal{}
	s, err := Open(ctx, Options{Journal: rec})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	jobID := enqueueAndClaimJob(t, s, ctx, "w1")
	rec.mu.Lock()
	savesBefore := len(rec.saves)
	rec.mu.Unlock()

	const batches = 50
	for i := 0; i < batches; i++ {
		if err := s.AppendLogs(ctx, jobID, "w1", []string{"a", "b", "c"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.saves) != savesBefore {
		t.Fatalf("appends must not rewrite the record, got %d extra saves", len(rec.saves)-savesBefore)
	}
	if len(rec.appends) != batches {
		t.Fatalf("expected %d journaled batches, got %d", batches, len(rec.appends))
	}
	claimLogs := rec.appends[0][0]
	for i, a := range rec.appends {
		if a[1] != 3 || a[0] != claimLogs+3*i {
			t.Fatalf("batch %d journaled as from=%d n=%d", i, a[0], a[1])
		}
	}
	if got := len(mustGetJob(t, s, ctx, jobID).Logs); got != claimLogs+3*batches {
		t.Fatalf("expected %d entries in memory, got %d", claimLogs+3*batches, got)
	}
}

func TestTransitionsJournalFromStoredLogLength(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingJournal{}
	s, err := Open(ctx, Options{Journal: rec})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	jobID := enqueueAndClaimJob(t, s, ctx, "w1")
	if err := s.AppendLogs(ctx, jobID, "w1", []string{"x", "y"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	before := len(mustGetJob(t, s, ctx, jobID).Logs)
	if _, err := s.StartJob(ctx, jobID, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.mu.Lock()
	last := rec.saves[len(rec.saves)-1]
	rec.mu.Unlock()
	if last != before {
		t.Fatalf("start journaled from %d, want %d", last, before)
	}
}

func TestAppendLogsJournalFailureLeavesStreamUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(ctx, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	job := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"true"}})
	s.journal = failingJournal{}
	if err := s.AppendLogs(ctx, job.JobID, "w1", []string{"lost"}); err == nil {
		t.Fatal("expected journal error")
	}
	if got := mustGetJob(t, s, ctx, job.JobID).Logs; len(got) != len(job.Logs) {
		t.Fatalf("failed append must not be visible, got %#v", got)
	}
}

func TestJournalFailureLeavesStoreUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(ctx, Options{Journal: failingJournal{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.CreateJob(ctx, xibalba.CreateJobRequest{Command: []string{"true"}}); err == nil {
		t.Fatal("expected journal error")
	}
	if got := len(s.List(ctx)); got != 0 {
		t.Fatalf("failed write must not be visible, got %d jobs", got)
	}
}

func createJob(t *testing.T, s *Store, ctx context.Context, req xibalba.CreateJobRequest) xibalba.Job {
	t.Helper()
	job, err := s.CreateJob(ctx, req)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func enqueueAndClaimJob(t *testing.T, s *Store, ctx context.Context, workerID string) string {
	t.Helper()
	created := createJob(t, s, ctx, xibalba.CreateJobRequest{Command: []string{"sleep", "1"}})
	job, ok, err := s.ClaimOldest(ctx, workerID, "")
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	if !ok || job.JobID != created.JobID {
		t.Fatal("no job assigned")
	}
	return job.JobID
}

func mustGetJob(t *testing.T, s *Store, ctx context.Context, jobID string) xibalba.Job {
	t.Helper()
	job, err := s.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get job %s: %v", jobID, err)
	}
	return job
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStoreWithClock(t, nil)
}

func openTestStoreWithClock(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	opts := Options{}
	if clock != nil {
		opts.Now = clock.now
	}
	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type atomicError struct {
	err error
	mu  sync.Mutex
}

func (e *atomicError) set(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func (e *atomicError) setf(format string, args ...interface{}) {
	e.set(fmt.Errorf(format, args...))
}

func (e *atomicError) get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
