// Package executor runs one job instance end-to-end (C8): discover,
// partition into batches, dispatch cooperating workers against the batch
// manager, aggregate the totals, and invoke the optional finalizer.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/batch"
	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/jobs"
	"github.com/opticore/catalogcore/internal/models"
	"github.com/opticore/catalogcore/internal/progress"
)

// maxStoredErrors bounds the per-item error slice merged into a job's
// result, per §4.8's errors[:100].
const maxStoredErrors = 100

// heartbeatInterval is how often a worker renews a claimed batch's
// heartbeat_at while it works through the batch's items.
const heartbeatInterval = 15 * time.Second

// Result is what Run returns once the job reaches a terminal state.
type Result struct {
	Cancelled bool
	Output    map[string]interface{}
}

// Executor drives job instances against a shared batch manager and
// catalog gateway. One Executor can run many jobs concurrently; cancel
// state is tracked per job id.
type Executor struct {
	Gateway  catalog.Gateway
	Batches  batch.Manager
	Progress *progress.Publisher

	mu        sync.Mutex
	cancelled map[uuid.UUID]bool
}

func New(gw catalog.Gateway, batches batch.Manager, pub *progress.Publisher) *Executor {
	return &Executor{
		Gateway:   gw,
		Batches:   batches,
		Progress:  pub,
		cancelled: make(map[uuid.UUID]bool),
	}
}

// Cancel marks jobID cancelled and immediately marks its non-terminal
// batches cancelled so no worker claims further work for it. Cancellation
// is cooperative: a worker mid-item finishes that item before observing
// the flag.
func (e *Executor) Cancel(ctx context.Context, jobID uuid.UUID) error {
	e.mu.Lock()
	e.cancelled[jobID] = true
	e.mu.Unlock()
	return e.Batches.CancelJobBatches(ctx, jobID)
}

func (e *Executor) isCancelled(jobID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[jobID]
}

func (e *Executor) forget(jobID uuid.UUID) {
	e.mu.Lock()
	delete(e.cancelled, jobID)
	e.mu.Unlock()
}

// Run executes job end-to-end for jobID/catalogID and blocks until the job
// reaches a terminal state.
func (e *Executor) Run(ctx context.Context, job jobs.Job, jobID, catalogID uuid.UUID, params jobs.Params) (Result, error) {
	defer e.forget(jobID)
	job = job.WithDefaults()

	items, err := job.Discover(ctx, e.Gateway, catalogID, params)
	if err != nil {
		return Result{}, fmt.Errorf("executor: discover: %w", err)
	}
	total := len(items)
	if total == 0 {
		// §8: empty discovery is zero batches, finalizer not invoked, job
		// succeeds with total_items = 0.
		out := map[string]interface{}{
			"success_count": 0,
			"error_count":   0,
			"total_items":   0,
			"errors":        []string(nil),
		}
		return Result{Output: out}, nil
	}

	raw := make([]json.RawMessage, total)
	for i, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return Result{}, fmt.Errorf("executor: marshal item %d: %w", i, err)
		}
		raw[i] = b
	}

	if _, err := e.Batches.CreateBatches(ctx, jobID, &catalogID, job.Name, raw, job.BatchSize); err != nil {
		return Result{}, fmt.Errorf("executor: create batches: %w", err)
	}

	return e.drive(ctx, job, jobID, catalogID, params, total)
}

// Resume drives jobID's already-persisted batches to completion without
// calling Discover or CreateBatches again. It's the restart-time
// counterpart to Run (§5 restartability): the controller calls it for
// every job a prior process left in running with batches still pending,
// so the same executor/worker-pool/finalize path picks up exactly where
// the dead process left off instead of re-discovering and re-batching
// the job's work.
func (e *Executor) Resume(ctx context.Context, job jobs.Job, jobID, catalogID uuid.UUID, params jobs.Params) (Result, error) {
	defer e.forget(jobID)
	job = job.WithDefaults()

	agg, err := e.Batches.Aggregate(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("executor: resume aggregate: %w", err)
	}
	if agg.Total == 0 {
		out := map[string]interface{}{
			"success_count": 0,
			"error_count":   0,
			"total_items":   0,
			"errors":        []string(nil),
		}
		return Result{Output: out}, nil
	}

	return e.drive(ctx, job, jobID, catalogID, params, agg.TotalItems)
}

// drive dispatches job.MaxWorkers workers against jobID's claimable
// batches until none remain, then aggregates and finalizes. Shared by
// Run (after a fresh Discover/CreateBatches) and Resume (against batches
// a prior process already created).
func (e *Executor) drive(ctx context.Context, job jobs.Job, jobID, catalogID uuid.UUID, params jobs.Params, total int) (Result, error) {
	workerCount := job.MaxWorkers
	if workerCount < 1 {
		workerCount = 1
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		allResults []jobs.ProcessResult
		workerFail error
	)

	workerIDBase := "exec-" + jobID.String()[:8]

	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", workerIDBase, w)
		go func(workerID string) {
			defer wg.Done()
			for {
				if e.isCancelled(jobID) {
					return
				}

				b, err := e.Batches.ClaimNext(ctx, jobID, workerID)
				if err != nil {
					if err == batch.ErrNoBatchAvailable {
						return
					}
					mu.Lock()
					if workerFail == nil {
						workerFail = fmt.Errorf("executor: claim next: %w", err)
					}
					mu.Unlock()
					return
				}

				results := e.runBatch(ctx, job, jobID, catalogID, params, *b, total)

				mu.Lock()
				allResults = append(allResults, results...)
				mu.Unlock()
			}
		}(workerID)
	}
	wg.Wait()

	if workerFail != nil {
		return Result{}, workerFail
	}

	agg, err := e.Batches.Aggregate(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("executor: aggregate: %w", err)
	}

	if e.Progress != nil {
		_ = e.Progress.ReportJobTerminal(ctx, jobID, agg.Processed, total, agg.Success, agg.Error)
		e.Progress.Reset(jobID)
	}

	if e.isCancelled(jobID) {
		return Result{Cancelled: true}, nil
	}

	out, err := e.finalize(ctx, job, catalogID, params, allResults, agg.Success, agg.Error, total)
	return Result{Output: out}, err
}

// runBatch works through a single already-claimed batch's items, reporting
// progress and renewing its heartbeat, then marks it completed. It never
// returns a job-fatal error: per-item failures are captured in the
// returned results and the batch's own error_count.
func (e *Executor) runBatch(ctx context.Context, job jobs.Job, jobID, catalogID uuid.UUID, params jobs.Params, b models.JobBatch, total int) []jobs.ProcessResult {
	var items []jobs.Item
	if err := json.Unmarshal(b.WorkItems, &items); err != nil {
		_ = e.Batches.Fail(ctx, b.ID, fmt.Sprintf("unmarshal work items: %v", err))
		return nil
	}

	done := make(chan struct{})
	go e.heartbeatLoop(ctx, b.ID, done)
	defer close(done)

	results := make([]jobs.ProcessResult, 0, len(items))
	success, errCount := 0, 0
	var storedErrors []string

	for _, item := range items {
		if e.isCancelled(jobID) {
			break
		}

		result := e.processWithRetry(ctx, job, catalogID, item, params)
		results = append(results, result)
		if result.OK {
			success++
		} else {
			errCount++
			if len(storedErrors) < maxStoredErrors {
				storedErrors = append(storedErrors, result.Error)
			}
		}

		if err := e.Batches.ReportProgress(ctx, b.ID, success+errCount, success, errCount); err != nil {
			log.Printf("executor: report progress for batch %s: %v", b.ID, err)
		}
		if e.Progress != nil {
			_ = e.Progress.Report(ctx, jobID, "progress", success+errCount, total, success, errCount, false)
		}
	}

	if e.isCancelled(jobID) {
		return results
	}

	payload, err := json.Marshal(map[string]interface{}{"errors": storedErrors})
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	if err := e.Batches.Complete(ctx, b.ID, payload); err != nil {
		log.Printf("executor: complete batch %s: %v", b.ID, err)
	}
	if e.Progress != nil {
		_ = e.Progress.ReportBatchTerminal(ctx, jobID, success+errCount, total, success, errCount)
	}

	return results
}

func (e *Executor) heartbeatLoop(ctx context.Context, batchID uuid.UUID, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Batches.Heartbeat(ctx, batchID); err != nil {
				log.Printf("executor: heartbeat batch %s: %v", batchID, err)
			}
		}
	}
}

// processWithRetry applies up to job.MaxRetries attempts with exponential
// backoff (50ms*2^k, capped at 5s) when job.RetryOnFailure is set.
func (e *Executor) processWithRetry(ctx context.Context, job jobs.Job, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
	attempts := 1
	if job.RetryOnFailure && job.MaxRetries > 0 {
		attempts = job.MaxRetries
	}

	var last jobs.ProcessResult
	for attempt := 0; attempt < attempts; attempt++ {
		last = e.processOnce(ctx, job, catalogID, item, params)
		if last.OK || !job.RetryOnFailure {
			return last
		}
		if attempt < attempts-1 {
			time.Sleep(backoff(attempt))
		}
	}
	return last
}

func backoff(attempt int) time.Duration {
	d := 50 * time.Millisecond * time.Duration(math.Pow(2, float64(attempt)))
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// processOnce invokes job.Process once, enforcing TimeoutPerItem if set
// and converting a panic into a failed ProcessResult rather than taking
// down the worker.
func (e *Executor) processOnce(ctx context.Context, job jobs.Job, catalogID uuid.UUID, item jobs.Item, params jobs.Params) (result jobs.ProcessResult) {
	defer func() {
		if r := recover(); r != nil {
			result = jobs.ProcessResult{OK: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	itemCtx := ctx
	if job.TimeoutPerItem > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, job.TimeoutPerItem)
		defer cancel()
	}

	return job.Process(itemCtx, e.Gateway, catalogID, item, params)
}

// finalize merges §4.8's bookkeeping fields with the job's finalizer
// output, if any.
func (e *Executor) finalize(ctx context.Context, job jobs.Job, catalogID uuid.UUID, params jobs.Params, results []jobs.ProcessResult, success, errCount, total int) (map[string]interface{}, error) {
	var errs []string
	for _, r := range results {
		if !r.OK && len(errs) < maxStoredErrors {
			errs = append(errs, r.Error)
		}
	}

	out := map[string]interface{}{
		"success_count": success,
		"error_count":   errCount,
		"total_items":   total,
		"errors":        errs,
	}

	if job.Finalize == nil {
		return out, nil
	}

	finalOut, err := job.Finalize(ctx, e.Gateway, catalogID, results, params)
	if err != nil {
		return nil, fmt.Errorf("executor: finalize: %w", err)
	}
	for k, v := range finalOut {
		out[k] = v
	}
	return out, nil
}
