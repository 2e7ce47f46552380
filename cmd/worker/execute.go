package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/hybrid"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/procgroup"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const (
	exitCodeNotFound   = 127
	exitCodeTerminated = 130
	waitDelay          = 5 * time.Second
)

func (r *workerRunner) executeJob(ctx context.Context, job *xibalba.ClaimResponse) {
	if len(job.Command) == 0 || strings.TrimSpace(job.Command[0]) == "" {
		r.complete(ctx, job.JobID, xibalba.CompleteRequest{ExitCode: 1, Message: "empty command"})
		return
	}
	start := time.Now()
	if r.producer != nil {
		r.runHybrid(ctx, job)
	} else {
		r.runLocal(ctx, job)
	}
	r.metrics.Since("job.duration", start)
}

// runLocal executes the command as a child of the worker with stderr merged
// into stdout, streaming output in batches. The child leads its own process
// group; a timeout, an upstream cancel or worker shutdown kills the whole
// group, and so does the child's normal exit.
func (r *workerRunner) runLocal(ctx context.Context, job *xibalba.ClaimResponse) {
	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = xibalba.DefaultTimeoutSeconds * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// runCtx is canceled when the job is canceled upstream.
	runCtx, abort := context.WithCancel(cmdCtx)
	defer abort()

	// Output goes through an io.Pipe so Wait owns the copy from the child.
	// Once the child is gone, WaitDelay bounds how long a descendant holding
	// the output open can keep the job running.
	pr, pw := io.Pipe()
	cmd := exec.CommandContext(runCtx, job.Command[0], job.Command[1:]...)
	cmd.Env = mergeEnv(os.Environ(), job.Env)
	cmd.Stdout = pw
	cmd.Stderr = pw
	procgroup.Setup(cmd)
	cmd.Cancel = func() error { return procgroup.Kill(cmd) }
	cmd.WaitDelay = waitDelay

	r.log.Info("worker.exec", "", map[string]any{"job_id": job.JobID, "argv": job.Command})
	if err := cmd.Start(); err != nil {
		pw.Close()
		exitCode, msg := -1, err.Error()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			exitCode = exitCodeNotFound
			msg = fmt.Sprintf("executable not found: %s", job.Command[0])
		}
		r.appendLines(ctx, job.JobID, []string{msg})
		r.complete(ctx, job.JobID, xibalba.CompleteRequest{ExitCode: exitCode, Message: msg})
		return
	}

	canceledUpstream := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.watchCancel(runCtx, job.JobID, canceledUpstream, abort)
	}()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		r.streamLines(ctx, job.JobID, bufio.NewScanner(pr), "")
		// Keep draining after a scan error so the copy never blocks Wait.
		_, _ = io.Copy(io.Discard, pr)
	}()

	waitErr := cmd.Wait()
	_ = procgroup.Kill(cmd)
	pw.Close()
	<-streamDone
	abort()
	<-watchDone

	// Output and the outcome still go out if the worker is shutting down.
	reportCtx := context.WithoutCancel(ctx)
	select {
	case <-canceledUpstream:
		r.appendLines(reportCtx, job.JobID, []string{"state=CANCELED: run aborted"})
		r.log.Info("worker.canceled", "", map[string]any{"job_id": job.JobID})
		return
	default:
	}

	exitCode, msg := 0, ""
	switch {
	case ctx.Err() != nil:
		exitCode, msg = exitCodeTerminated, "terminated by worker"
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		exitCode, msg = hybrid.TimeoutExitCode, fmt.Sprintf("timed out after %ds", job.TimeoutSeconds)
	case errors.Is(waitErr, exec.ErrWaitDelay):
		exitCode = cmd.ProcessState.ExitCode()
		msg = "background process held output open; stopped reading"
	case waitErr != nil:
		exitCode, msg = extractExitCode(waitErr), waitErr.Error()
	}
	lines := []string{fmt.Sprintf("Process exited with code %d", exitCode)}
	if msg != "" {
		lines = append([]string{msg}, lines...)
	}
	r.appendLines(reportCtx, job.JobID, lines)
	r.complete(ctx, job.JobID, xibalba.CompleteRequest{
		ExitCode: exitCode,
		Success:  exitCode == 0,
		Message:  msg,
	})
}

// watchCancel polls the job state until ctx ends. On CANCELED it closes
// canceled and calls abort, which kills the child.
func (r *workerRunner) watchCancel(ctx context.Context, jobID string, canceled chan<- struct{}, abort context.CancelFunc) {
	ticker := time.NewTicker(r.cancelInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.canceled(ctx, jobID) {
				close(canceled)
				abort()
				return
			}
		}
	}
}

// streamLines forwards scanner lines in batches of cfg.logBatch.
func (r *workerRunner) streamLines(ctx context.Context, jobID string, scanner *bufio.Scanner, prefix string) {
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	batch := make([]string, 0, r.cfg.logBatch)
	for scanner.Scan() {
		batch = append(batch, prefix+scanner.Text())
		if len(batch) >= r.cfg.logBatch {
			r.appendLines(ctx, jobID, batch)
			batch = make([]string, 0, r.cfg.logBatch)
		}
	}
	if err := scanner.Err(); err != nil {
		batch = append(batch, fmt.Sprintf("%soutput read error: %v", prefix, err))
	}
	r.appendLines(ctx, jobID, batch)
}

// runHybrid hands the command to a hybrid agent through the file queue and
// waits for its result.
func (r *workerRunner) runHybrid(ctx context.Context, job *xibalba.ClaimResponse) {
	path, err := r.producer.Submit(job.JobID, job.Command)
	if err != nil {
		msg := fmt.Sprintf("hybrid submit failed: %v", err)
		r.appendLines(ctx, job.JobID, []string{msg})
		r.complete(ctx, job.JobID, xibalba.CompleteRequest{ExitCode: -1, Message: msg})
		return
	}
	r.appendLines(ctx, job.JobID, []string{"[hybrid] queued " + path})

	timeout := time.Duration(job.TimeoutSeconds)*time.Second + r.cfg.hybridGrace
	result, err := r.producer.Wait(ctx, job.JobID, timeout, func(ctx context.Context) bool {
		return r.canceled(ctx, job.JobID)
	})
	switch {
	case errors.Is(err, hybrid.ErrCanceled):
		r.appendLines(ctx, job.JobID, []string{"state=CANCELED: hybrid command withdrawn"})
		r.log.Info("worker.canceled", "", map[string]any{"job_id": job.JobID, "mode": "hybrid"})
		return
	case errors.Is(err, hybrid.ErrWaitTimeout):
		// Withdraw the command so a late agent does not run it.
		r.producer.Cancel(job.JobID)
		r.metrics.Increment("hybrid.timeout")
	case err != nil && ctx.Err() != nil:
		r.producer.Cancel(job.JobID)
		r.complete(ctx, job.JobID, xibalba.CompleteRequest{ExitCode: exitCodeTerminated, Message: "terminated by worker"})
		return
	case err != nil:
		msg := fmt.Sprintf("hybrid result unreadable: %v", err)
		r.appendLines(ctx, job.JobID, []string{msg})
		r.complete(ctx, job.JobID, xibalba.CompleteRequest{ExitCode: -1, Message: msg})
		return
	}

	r.streamLines(ctx, job.JobID, bufio.NewScanner(strings.NewReader(result.Stdout)), "[hybrid stdout] ")
	r.streamLines(ctx, job.JobID, bufio.NewScanner(strings.NewReader(result.Stderr)), "[hybrid stderr] ")
	payload, _ := json.Marshal(map[string]any{"exit_code": result.ExitCode, "timestamp": result.Timestamp})
	r.complete(ctx, job.JobID, xibalba.CompleteRequest{
		ExitCode: result.ExitCode,
		Success:  result.ExitCode == 0,
		Message:  fmt.Sprintf("hybrid-agent exit_code=%d", result.ExitCode),
		Result:   payload,
	})
}

// mergeEnv overlays extra on base. Keys are applied in sorted order so the
// child environment is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func extractExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
