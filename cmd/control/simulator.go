package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/audit"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/metrics"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/store"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const simulatorWorkerID = "simulator"

// simulator runs jobs that no worker picked up within delay. It goes
// through the same claim, start and complete operations as a real worker,
// so a worker that claims first always wins.
type simulator struct {
	ctx     context.Context
	store   *store.Store
	delay   time.Duration
	step    time.Duration
	log     *audit.Logger
	metrics *metrics.Registry
}

func (sim *simulator) run(jobID string) {
	if !sleepCtx(sim.ctx, sim.delay) {
		return
	}
	ctx := sim.ctx
	job, ok, err := sim.store.ClaimJob(ctx, jobID, simulatorWorkerID)
	if err != nil {
		sim.log.Error("simulator.claim", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return
	}
	if !ok {
		return
	}
	if _, err := sim.store.StartJob(ctx, jobID, simulatorWorkerID); err != nil {
		sim.log.Error("simulator.start", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return
	}
	sim.metrics.Increment("simulator.run")
	sim.log.Info("simulator.start", "", map[string]any{"job_id": jobID})

	steps := []string{
		"Preparing workspace",
		fmt.Sprintf("Fetching %s@%s", job.Repo, job.Ref),
		fmt.Sprintf("Using runtime %s", job.Runtime),
		fmt.Sprintf("Executing: %s", strings.Join(job.Command, " ")),
		"Collecting artifacts",
		"Finalizing",
	}
	for _, step := range steps {
		current, err := sim.store.Get(ctx, jobID)
		if err != nil {
			return
		}
		if current.State == xibalba.StateCanceled {
			_ = sim.store.AppendLogs(ctx, jobID, simulatorWorkerID, []string{"state=CANCELED: run aborted"})
			sim.log.Info("simulator.canceled", "", map[string]any{"job_id": jobID})
			return
		}
		if err := sim.store.AppendLogs(ctx, jobID, simulatorWorkerID, []string{step + " ..."}); err != nil {
			sim.log.Warn("simulator.append", "", map[string]any{"job_id": jobID, "error": err.Error()})
		}
		if !sleepCtx(ctx, sim.step) {
			return
		}
	}

	req := xibalba.CompleteRequest{WorkerID: simulatorWorkerID, Success: true, Message: "Simulated success"}
	if strings.Contains(strings.ToLower(job.Ref), "fail") {
		req = xibalba.CompleteRequest{WorkerID: simulatorWorkerID, ExitCode: 1, Message: "Simulated failure"}
	}
	done, err := sim.store.CompleteJob(ctx, jobID, req)
	if err != nil {
		sim.log.Error("simulator.complete", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return
	}
	sim.log.Info("simulator.complete", "", map[string]any{"job_id": jobID, "state": done.State})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
