package hybrid

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultWaitPoll        = 800 * time.Millisecond
	DefaultCancelCheck     = 2 * time.Second
	DefaultWaitGrace       = 5 * time.Second
	TimeoutExitCode        = 124
	timedOutWaitingMessage = "[hybrid] timed out waiting for result"
)

var (
	// ErrWaitTimeout is returned with a synthesized exit-124 result.
	ErrWaitTimeout = errors.New("timed out waiting for hybrid result")
	// ErrCanceled means the job was canceled while waiting; no result is
	// expected.
	ErrCanceled = errors.New("job canceled while waiting for hybrid result")
)

// Producer is the worker side of the queue.
type Producer struct {
	QueueDir   string
	ResultsDir string
	Secret     string
	// PollInterval is how often Wait looks for the result file.
	PollInterval time.Duration
	// CancelCheckInterval is how often Wait asks whether the job was
	// canceled.
	CancelCheckInterval time.Duration
}

func (p *Producer) EnsureDirs() error {
	for _, dir := range []string{p.QueueDir, p.ResultsDir} {
		if dir == "" {
			return errors.New("hybrid queue and results directories are required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) CommandPath(jobID string) string {
	return filepath.Join(p.QueueDir, jobID+CommandSuffix)
}

func (p *Producer) ResultPath(jobID string) string {
	return filepath.Join(p.ResultsDir, jobID+ResultSuffix)
}

// Submit writes the command file for jobID and returns its path. Any stale
// result or cancel marker from an earlier attempt is removed first.
func (p *Producer) Submit(jobID string, argv []string) (string, error) {
	if err := p.EnsureDirs(); err != nil {
		return "", err
	}
	raw, err := EncodeCommand(p.Secret, argv)
	if err != nil {
		return "", err
	}
	_ = os.Remove(p.ResultPath(jobID))
	_ = os.Remove(filepath.Join(p.QueueDir, jobID+CancelSuffix))
	path := p.CommandPath(jobID)
	if err := writeAtomic(path, raw); err != nil {
		return "", fmt.Errorf("write command file: %w", err)
	}
	return path, nil
}

// Wait polls for the result of jobID for at most timeout. canceled, when
// non-nil, is consulted periodically; once it reports true the queued work
// is withdrawn via Cancel and ErrCanceled is returned. On timeout the
// returned result is a locally synthesized exit-124 failure.
func (p *Producer) Wait(ctx context.Context, jobID string, timeout time.Duration, canceled func(context.Context) bool) (Result, error) {
	poll := p.PollInterval
	if poll <= 0 {
		poll = DefaultWaitPoll
	}
	checkEvery := p.CancelCheckInterval
	if checkEvery <= 0 {
		checkEvery = DefaultCancelCheck
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	lastCheck := time.Now()

	for {
		result, found, err := p.readResult(jobID)
		if err != nil {
			return Result{}, err
		}
		if found {
			return result, nil
		}
		if canceled != nil && time.Since(lastCheck) >= checkEvery {
			lastCheck = time.Now()
			if canceled(ctx) {
				p.Cancel(jobID)
				return Result{}, ErrCanceled
			}
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			// One last look so a result published at the deadline is not lost.
			if result, found, err := p.readResult(jobID); err == nil && found {
				return result, nil
			}
			return newResult(TimeoutExitCode, "", timedOutWaitingMessage, time.Now()), ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// readResult reads and removes the result file. found is false while the
// agent has not published yet.
func (p *Producer) readResult(jobID string) (Result, bool, error) {
	path := p.ResultPath(jobID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("failed to read result file: %w", err)
	}
	_ = os.Remove(path)
	result, err := DecodeResult(raw)
	if err != nil {
		return Result{}, false, err
	}
	return result, true, nil
}

// Cancel withdraws jobID from the queue. An unclaimed command file is
// removed outright; a claimed one gets a cancel marker that the agent
// checks before executing and before publishing.
func (p *Producer) Cancel(jobID string) {
	if err := os.Remove(p.CommandPath(jobID)); err == nil {
		return
	}
	running := filepath.Join(p.QueueDir, jobID+RunningSuffix)
	if _, err := os.Stat(running); err == nil {
		_ = writeAtomic(filepath.Join(p.QueueDir, jobID+CancelSuffix), []byte("canceled\n"))
		return
	}
	_ = os.Remove(p.ResultPath(jobID))
}

func secretMatches(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
