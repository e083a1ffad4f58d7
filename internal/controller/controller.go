// Package controller is the job controller (C9): the external submit/
// cancel/get/list surface, a bounded pool of executors, and the
// restart-time stale-batch reclaim sweep.
package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/opticore/catalogcore/internal/batch"
	"github.com/opticore/catalogcore/internal/executor"
	"github.com/opticore/catalogcore/internal/jobs"
	"github.com/opticore/catalogcore/internal/models"
)

// DefaultPoolSize is the default number of jobs the controller runs
// concurrently (§4.9).
const DefaultPoolSize = 2

// DefaultHeartbeatTimeout is how stale a running batch's heartbeat must be
// before the reaper reclaims it back to pending (§5 restartability).
const DefaultHeartbeatTimeout = 60 * time.Second

// DefaultReaperSchedule runs the stale-batch sweep once a minute.
const DefaultReaperSchedule = "@every 1m"

// Dispatcher is the cross-process wake-up signal a submitted job is handed
// to after its row is persisted (internal/queue.Queue satisfies this).
// It is best-effort: Postgres remains the source of truth for batch state,
// so a failed or absent Dispatcher never fails Submit.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID, catalogID *uuid.UUID, jobType string) error
}

// Controller owns the job registry, the job store, the batch manager, and
// a bounded pool of executor slots.
type Controller struct {
	Registry *jobs.Registry
	Store    Store
	Executor *executor.Executor
	Batches  batch.Manager
	Queue    Dispatcher // optional; nil disables the cross-process wake-up

	HeartbeatTimeout time.Duration

	pool chan struct{}
	cron *cron.Cron

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

func New(registry *jobs.Registry, store Store, exec *executor.Executor, batches batch.Manager, poolSize int) *Controller {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Controller{
		Registry:         registry,
		Store:            store,
		Executor:         exec,
		Batches:          batches,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		pool:             make(chan struct{}, poolSize),
		running:          make(map[uuid.UUID]context.CancelFunc),
	}
}

// Submit validates name against the registry, creates the Job row in
// pending, and asynchronously runs it once a pool slot is free.
func (c *Controller) Submit(ctx context.Context, name string, catalogID *uuid.UUID, params jobs.Params) (uuid.UUID, error) {
	job, ok := c.Registry.Lookup(name)
	if !ok {
		return uuid.Nil, fmt.Errorf("controller: job %q is not registered", name)
	}

	jobID := uuid.New()
	row := models.Job{
		ID:         jobID,
		CatalogID:  catalogID,
		JobType:    name,
		Status:     models.JobPending,
		Parameters: params,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := c.Store.Create(ctx, row); err != nil {
		return uuid.Nil, fmt.Errorf("controller: submit: %w", err)
	}

	if c.Queue != nil {
		if err := c.Queue.Dispatch(ctx, jobID, catalogID, name); err != nil {
			log.Printf("controller: dispatch wake-up for job %s: %v", jobID, err)
		}
	}

	go c.dispatch(job, jobID, catalogID, params)
	return jobID, nil
}

// dispatch blocks for a free pool slot, then runs the job end-to-end and
// persists its terminal state.
func (c *Controller) dispatch(job jobs.Job, jobID uuid.UUID, catalogID *uuid.UUID, params jobs.Params) {
	c.pool <- struct{}{}
	defer func() { <-c.pool }()

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running[jobID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, jobID)
		c.mu.Unlock()
		cancel()
	}()

	if err := c.Store.SetRunning(runCtx, jobID); err != nil {
		log.Printf("controller: set running for job %s: %v", jobID, err)
	}

	var cid uuid.UUID
	if catalogID != nil {
		cid = *catalogID
	}

	result, err := c.Executor.Run(runCtx, job, jobID, cid, params)
	switch {
	case err != nil:
		if setErr := c.Store.SetResult(context.Background(), jobID, models.JobFailed, nil, err); setErr != nil {
			log.Printf("controller: persist failure for job %s: %v", jobID, setErr)
		}
	case result.Cancelled:
		if setErr := c.Store.SetStatus(context.Background(), jobID, models.JobCancelled); setErr != nil {
			log.Printf("controller: persist cancellation for job %s: %v", jobID, setErr)
		}
	default:
		if setErr := c.Store.SetResult(context.Background(), jobID, models.JobSuccess, result.Output, nil); setErr != nil {
			log.Printf("controller: persist success for job %s: %v", jobID, setErr)
		}
	}
}

// Cancel sets the job's status to cancelled and signals the executor; the
// executor propagates cancellation into running batches and stops
// dispatching new ones. Cancellation is irreversible.
func (c *Controller) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := c.Store.SetStatus(ctx, jobID, models.JobCancelled); err != nil {
		return fmt.Errorf("controller: cancel: %w", err)
	}
	if err := c.Executor.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("controller: cancel: %w", err)
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
	return c.Store.Get(ctx, jobID)
}

func (c *Controller) List(ctx context.Context, catalogID *uuid.UUID, status *models.JobStatus) ([]models.Job, error) {
	return c.Store.List(ctx, catalogID, status)
}

// ListRecent returns the most recently created jobs across all catalogs,
// for an operator-facing recent-activity feed, bounded to limit entries.
func (c *Controller) ListRecent(ctx context.Context, limit int) ([]models.Job, error) {
	all, err := c.Store.List(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// StartReaper schedules the restart-time stale-batch reclaim sweep on a
// cron schedule (default once a minute), runs it once immediately so a
// freshly restarted process doesn't wait out the first tick, and resumes
// dispatch for every job the store still reports as running (§5
// restartability).
func (c *Controller) StartReaper(schedule string) error {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(schedule, c.reclaimStale)
	if err != nil {
		return fmt.Errorf("controller: schedule reaper: %w", err)
	}
	c.cron.Start()
	c.reclaimStale()
	c.resumeIncomplete()
	return nil
}

// resumeIncomplete re-invokes dispatch for every job left in running by a
// prior process. reclaimStale has already put that job's abandoned
// batches back in pending, so resumeDispatch drives them through
// Executor.Resume instead of Run: no Discover, no CreateBatches, just the
// worker pool claiming what's left (§8 scenario 5).
func (c *Controller) resumeIncomplete() {
	running, err := c.Store.ListRunning(context.Background())
	if err != nil {
		log.Printf("controller: list running jobs to resume: %v", err)
		return
	}
	for _, row := range running {
		job, ok := c.Registry.Lookup(row.JobType)
		if !ok {
			log.Printf("controller: resume: job %s has unregistered type %q, skipping", row.ID, row.JobType)
			continue
		}
		go c.resumeDispatch(job, row.ID, row.CatalogID, jobs.Params(row.Parameters))
	}
}

// resumeDispatch mirrors dispatch but drives the job through
// Executor.Resume: the job row and its batches already exist from before
// the restart, so there is nothing left to discover or create.
func (c *Controller) resumeDispatch(job jobs.Job, jobID uuid.UUID, catalogID *uuid.UUID, params jobs.Params) {
	c.pool <- struct{}{}
	defer func() { <-c.pool }()

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running[jobID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, jobID)
		c.mu.Unlock()
		cancel()
	}()

	var cid uuid.UUID
	if catalogID != nil {
		cid = *catalogID
	}

	result, err := c.Executor.Resume(runCtx, job, jobID, cid, params)
	switch {
	case err != nil:
		if setErr := c.Store.SetResult(context.Background(), jobID, models.JobFailed, nil, err); setErr != nil {
			log.Printf("controller: persist failure for resumed job %s: %v", jobID, setErr)
		}
	case result.Cancelled:
		if setErr := c.Store.SetStatus(context.Background(), jobID, models.JobCancelled); setErr != nil {
			log.Printf("controller: persist cancellation for resumed job %s: %v", jobID, setErr)
		}
	default:
		if setErr := c.Store.SetResult(context.Background(), jobID, models.JobSuccess, result.Output, nil); setErr != nil {
			log.Printf("controller: persist success for resumed job %s: %v", jobID, setErr)
		}
	}
}

// StopReaper stops the cron scheduler, if running.
func (c *Controller) StopReaper() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

func (c *Controller) reclaimStale() {
	n, err := c.Batches.ReclaimStale(context.Background(), c.HeartbeatTimeout)
	if err != nil {
		log.Printf("controller: reclaim stale batches: %v", err)
		return
	}
	if n > 0 {
		log.Printf("controller: reclaimed %d stale batch(es)", n)
	}
}
