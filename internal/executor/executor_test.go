package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/batch"
	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/jobs"
	"github.com/opticore/catalogcore/internal/progress"
)

func newTestExecutor() (*Executor, *catalog.FakeGateway, *batch.FakeManager) {
	gw := catalog.NewFakeGateway()
	bm := batch.NewFakeManager()
	pub := progress.NewPublisher(gw, "catalog-events")
	return New(gw, bm, pub), gw, bm
}

func discoverN(n int) jobs.DiscoverFunc {
	return func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params jobs.Params) ([]jobs.Item, error) {
		items := make([]jobs.Item, n)
		for i := range items {
			items[i] = jobs.Item{ImageID: uuid.New().String()}
		}
		return items, nil
	}
}

func TestRunAllItemsSucceed(t *testing.T) {
	exec, _, _ := newTestExecutor()
	job := jobs.Job{
		Name:       "noop",
		BatchSize:  3,
		MaxWorkers: 2,
		Discover:   discoverN(10),
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
			return jobs.ProcessResult{OK: true}
		},
	}.WithDefaults()

	result, err := exec.Run(context.Background(), job, uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Cancelled {
		t.Fatalf("expected not cancelled")
	}
	if result.Output["success_count"] != 10 {
		t.Fatalf("success_count = %v, want 10", result.Output["success_count"])
	}
	if result.Output["error_count"] != 0 {
		t.Fatalf("error_count = %v, want 0", result.Output["error_count"])
	}
}

func TestRunNoItemsSkipsFinalize(t *testing.T) {
	exec, _, _ := newTestExecutor()
	finalizeCalled := false
	job := jobs.Job{
		Name:      "empty",
		BatchSize: 10,
		Discover:  discoverN(0),
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
			t.Fatalf("process should not be called with zero items")
			return jobs.ProcessResult{}
		},
		Finalize: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, results []jobs.ProcessResult, params jobs.Params) (map[string]interface{}, error) {
			finalizeCalled = true
			return map[string]interface{}{"done": true}, nil
		},
	}.WithDefaults()

	result, err := exec.Run(context.Background(), job, uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if finalizeCalled {
		t.Fatalf("expected finalize NOT to run on empty discovery (§8: finalizer not invoked)")
	}
	if _, ok := result.Output["done"]; ok {
		t.Fatalf("finalize output should not be present: %v", result.Output)
	}
	if result.Output["total_items"] != 0 {
		t.Fatalf("total_items = %v, want 0", result.Output["total_items"])
	}
	if result.Output["success_count"] != 0 || result.Output["error_count"] != 0 {
		t.Fatalf("expected zero counts on empty discovery, got %v", result.Output)
	}
}

func TestRunPerItemFailureNeverFailsJob(t *testing.T) {
	exec, _, _ := newTestExecutor()
	job := jobs.Job{
		Name:       "half-fail",
		BatchSize:  5,
		MaxWorkers: 1,
		Discover:   discoverN(4),
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
			return jobs.ProcessResult{OK: false, Error: "boom"}
		},
	}.WithDefaults()
	job.RetryOnFailure = false

	result, err := exec.Run(context.Background(), job, uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Run returned error for per-item failures: %v", err)
	}
	if result.Output["error_count"] != 4 {
		t.Fatalf("error_count = %v, want 4", result.Output["error_count"])
	}
	errs, ok := result.Output["errors"].([]string)
	if !ok || len(errs) != 4 {
		t.Fatalf("errors = %v, want 4 entries", result.Output["errors"])
	}
}

func TestRunRetriesOnFailureThenSucceeds(t *testing.T) {
	exec, _, _ := newTestExecutor()
	attempts := 0
	job := jobs.Job{
		Name:       "flaky",
		BatchSize:  5,
		MaxWorkers: 1,
		MaxRetries: 3,
		Discover:   discoverN(1),
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
			attempts++
			if attempts < 3 {
				return jobs.ProcessResult{OK: false, Error: "transient"}
			}
			return jobs.ProcessResult{OK: true}
		},
	}.WithDefaults()
	job.RetryOnFailure = true

	result, err := exec.Run(context.Background(), job, uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if result.Output["success_count"] != 1 {
		t.Fatalf("success_count = %v, want 1", result.Output["success_count"])
	}
}

func TestRunCancellationSkipsFinalizeAndStopsWork(t *testing.T) {
	exec, _, _ := newTestExecutor()
	jobID := uuid.New()

	var processed int
	finalizeCalled := false
	job := jobs.Job{
		Name:       "cancel-me",
		BatchSize:  1,
		MaxWorkers: 1,
		Discover:   discoverN(20),
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
			processed++
			if processed == 2 {
				go exec.Cancel(context.Background(), jobID)
				time.Sleep(20 * time.Millisecond)
			}
			return jobs.ProcessResult{OK: true}
		},
		Finalize: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, results []jobs.ProcessResult, params jobs.Params) (map[string]interface{}, error) {
			finalizeCalled = true
			return nil, nil
		},
	}.WithDefaults()

	result, err := exec.Run(context.Background(), job, jobID, uuid.New(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Cancelled {
		t.Fatalf("expected result to be cancelled")
	}
	if finalizeCalled {
		t.Fatalf("finalize must not run on cancellation")
	}
	if processed >= 20 {
		t.Fatalf("processed = %d, expected cancellation to stop work before exhausting items", processed)
	}
}

func TestRunFinalizeErrorFailsJob(t *testing.T) {
	exec, _, _ := newTestExecutor()
	job := jobs.Job{
		Name:       "bad-finalize",
		BatchSize:  5,
		MaxWorkers: 1,
		Discover:   discoverN(2),
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
			return jobs.ProcessResult{OK: true}
		},
		Finalize: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, results []jobs.ProcessResult, params jobs.Params) (map[string]interface{}, error) {
			return nil, errors.New("finalize exploded")
		},
	}.WithDefaults()

	_, err := exec.Run(context.Background(), job, uuid.New(), uuid.New(), nil)
	if err == nil {
		t.Fatalf("expected finalize error to propagate")
	}
}

func TestRunRecoversPanicAsItemFailure(t *testing.T) {
	exec, _, _ := newTestExecutor()
	job := jobs.Job{
		Name:       "panics",
		BatchSize:  1,
		MaxWorkers: 2,
		Discover:   discoverN(3),
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item jobs.Item, params jobs.Params) jobs.ProcessResult {
			panic("unexpected")
		},
	}.WithDefaults()
	job.RetryOnFailure = false

	result, err := exec.Run(context.Background(), job, uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("panic in Process must be recovered, not propagated as a Run error: %v", err)
	}
	if result.Output["error_count"] != 3 {
		t.Fatalf("error_count = %v, want 3 (panics recovered as failures)", result.Output["error_count"])
	}
}
