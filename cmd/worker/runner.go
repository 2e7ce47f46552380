package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/audit"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/hybrid"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/metrics"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const (
	maxPollBackoff     = 30 * time.Second
	completeAttempts   = 8
	defaultRetryBase   = time.Second
	defaultCancelCheck = 2 * time.Second
)

type workerRunner struct {
	cfg        workerConfig
	httpClient *http.Client
	producer   *hybrid.Producer
	log        *audit.Logger
	metrics    *metrics.Registry
	// retryBase is the first delay between completion attempts.
	retryBase time.Duration
	// cancelCheck is how often a running local job polls for cancellation.
	cancelCheck time.Duration
}

// statusError is a non-2xx answer from the control plane.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.code, e.body)
}

func (r *workerRunner) loop(ctx context.Context) {
	backoff := r.cfg.pollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := r.runOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("worker.claim", "", map[string]any{"worker_id": r.cfg.workerID, "error": err.Error()})
			sleepCtx(ctx, backoff)
			backoff = nextBackoff(backoff, maxPollBackoff)
		case !processed:
			sleepCtx(ctx, jitterDuration(r.cfg.pollInterval))
			backoff = r.cfg.pollInterval
		default:
			backoff = r.cfg.pollInterval
		}
	}
}

// runOnce claims at most one job and runs it to completion. It reports
// whether a job was claimed.
func (r *workerRunner) runOnce(ctx context.Context) (bool, error) {
	job, err := r.claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		r.metrics.Increment("claim.empty")
		return false, nil
	}
	r.metrics.Increment("claim.success")
	r.log.Info("worker.claimed", "", map[string]any{
		"worker_id": r.cfg.workerID,
		"job_id":    job.JobID,
		"runtime":   job.Runtime,
	})

	state, err := r.start(ctx, job.JobID)
	if err != nil {
		r.log.Warn("worker.start", "", map[string]any{"job_id": job.JobID, "error": err.Error()})
		return true, nil
	}
	if state != xibalba.StateRunning {
		r.log.Info("worker.skip", "", map[string]any{"job_id": job.JobID, "state": state})
		return true, nil
	}
	r.executeJob(ctx, job)
	return true, nil
}

func (r *workerRunner) claim(ctx context.Context) (*xibalba.ClaimResponse, error) {
	var job xibalba.ClaimResponse
	code, err := r.postJSON(ctx, "/workers/claim", xibalba.ClaimRequest{
		WorkerID:    r.cfg.workerID,
		RuntimePref: r.cfg.runtimePref,
	}, &job)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

func (r *workerRunner) start(ctx context.Context, jobID string) (xibalba.State, error) {
	var resp xibalba.StateResponse
	if _, err := r.postJSON(ctx, jobPath(jobID, "start"), xibalba.StartRequest{WorkerID: r.cfg.workerID}, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// appendLines ships lines to the job's log. Failures are logged and
// otherwise ignored so a flaky control plane never aborts a running job.
func (r *workerRunner) appendLines(ctx context.Context, jobID string, lines []string) {
	if len(lines) == 0 {
		return
	}
	_, err := r.postJSON(ctx, jobPath(jobID, "append"), xibalba.AppendLogRequest{
		WorkerID: r.cfg.workerID,
		Lines:    lines,
	}, nil)
	if err != nil {
		r.metrics.Increment("append.error")
		r.log.Warn("worker.append", "", map[string]any{"job_id": jobID, "lines": len(lines), "error": err.Error()})
	}
}

// complete reports the outcome, retrying transport and server errors. It
// uses its own deadline so a result is still delivered while the worker
// is shutting down.
func (r *workerRunner) complete(ctx context.Context, jobID string, req xibalba.CompleteRequest) {
	req.WorkerID = r.cfg.workerID
	reportCtx := context.WithoutCancel(ctx)
	reportCtx, cancel := context.WithTimeout(reportCtx, r.cfg.requestTimeout*completeAttempts)
	defer cancel()

	var resp xibalba.StateResponse
	err := retryWithBackoff(reportCtx, r.retryDelay(), func() error {
		_, err := r.postJSON(reportCtx, jobPath(jobID, "complete"), req, &resp)
		return err
	}, completeAttempts)
	if err != nil {
		r.metrics.Increment("complete.error")
		r.log.Error("worker.complete", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return
	}
	if req.Success {
		r.metrics.Increment("job.success")
	} else {
		r.metrics.Increment("job.failed")
	}
	r.log.Info("worker.complete", "", map[string]any{
		"job_id":    jobID,
		"exit_code": req.ExitCode,
		"success":   req.Success,
		"state":     resp.State,
	})
}

// jobState asks the control plane for the current state of jobID.
func (r *workerRunner) jobState(ctx context.Context, jobID string) (xibalba.State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.apiURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: readLimitedBody(resp.Body)}
	}
	var job xibalba.JobDetails
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", err
	}
	return job.State, nil
}

// canceled reports whether jobID has been canceled. Lookup errors count as
// not canceled.
func (r *workerRunner) canceled(ctx context.Context, jobID string) bool {
	state, err := r.jobState(ctx, jobID)
	if err != nil {
		r.log.Warn("worker.state", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return false
	}
	return state == xibalba.StateCanceled
}

// postJSON sends payload to path and decodes a JSON answer into out when
// out is non-nil and the response has a body. Any 2xx is success.
func (r *workerRunner) postJSON(ctx context.Context, path string, payload, out any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.apiURL+path, bytes.NewBuffer(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.workerSecret != "" {
		req.Header.Set(workerSecretHeader, r.cfg.workerSecret)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &statusError{code: resp.StatusCode, body: readLimitedBody(resp.Body)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (r *workerRunner) retryDelay() time.Duration {
	if r.retryBase > 0 {
		return r.retryBase
	}
	return defaultRetryBase
}

func (r *workerRunner) cancelInterval() time.Duration {
	if r.cancelCheck > 0 {
		return r.cancelCheck
	}
	return defaultCancelCheck
}

func jobPath(jobID, action string) string {
	return "/jobs/" + url.PathEscape(jobID) + "/" + action
}

// retryWithBackoff retries fn until it succeeds, attempts run out or the
// control plane answers with a 4xx, which no retry can fix.
func retryWithBackoff(ctx context.Context, base time.Duration, fn func() error, attempts int) error {
	delay := base
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			return err
		}
		if i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitterDuration(delay)):
			delay = nextBackoff(delay, maxPollBackoff)
		}
	}
	return nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d/5) + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func readLimitedBody(r io.Reader) string {
	const limit = 512
	buf := make([]byte, limit)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}
