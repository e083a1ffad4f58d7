package batch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/models"
)

// FakeManager is an in-memory Manager used by executor/controller tests. A
// single mutex stands in for the row lock FOR UPDATE SKIP LOCKED provides:
// ClaimNext holds it only long enough to flip one row, so concurrent
// goroutines never observe the same batch as claimable twice.
type FakeManager struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*models.JobBatch
	order   []uuid.UUID
}

func NewFakeManager() *FakeManager {
	return &FakeManager{batches: make(map[uuid.UUID]*models.JobBatch)}
}

func (f *FakeManager) CreateBatches(ctx context.Context, parentJobID uuid.UUID, catalogID *uuid.UUID, jobType string, items []json.RawMessage, batchSize int) ([]models.JobBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	chunks := Chunk(items, batchSize)
	total := len(chunks)
	out := make([]models.JobBatch, 0, total)
	for i, chunk := range chunks {
		work, err := marshalItems(chunk)
		if err != nil {
			return nil, err
		}
		b := &models.JobBatch{
			ID:           uuid.New(),
			ParentJobID:  parentJobID,
			CatalogID:    catalogID,
			BatchNumber:  i,
			TotalBatches: total,
			JobType:      jobType,
			Status:       models.BatchPending,
			WorkItems:    work,
			ItemsCount:   len(chunk),
			CreatedAt:    clock(),
		}
		f.batches[b.ID] = b
		f.order = append(f.order, b.ID)
		out = append(out, *b)
	}
	return out, nil
}

func (f *FakeManager) ClaimNext(ctx context.Context, parentJobID uuid.UUID, workerID string) (*models.JobBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []*models.JobBatch
	for _, id := range f.order {
		b := f.batches[id]
		if b.ParentJobID == parentJobID && b.Status == models.BatchPending {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoBatchAvailable
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].BatchNumber < candidates[j].BatchNumber })

	b := candidates[0]
	now := clock()
	b.Status = models.BatchRunning
	b.WorkerID = &workerID
	b.StartedAt = &now
	b.HeartbeatAt = &now

	cp := *b
	return &cp, nil
}

func (f *FakeManager) Heartbeat(ctx context.Context, batchID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok || b.Status != models.BatchRunning {
		return nil
	}
	now := clock()
	b.HeartbeatAt = &now
	return nil
}

func (f *FakeManager) ReportProgress(ctx context.Context, batchID uuid.UUID, processed, success, errCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return ErrNoBatchAvailable
	}
	if processed < b.ProcessedCount || success < b.SuccessCount || errCount < b.ErrorCount {
		return ErrCounterRegression
	}
	b.ProcessedCount, b.SuccessCount, b.ErrorCount = processed, success, errCount
	now := clock()
	b.HeartbeatAt = &now
	return nil
}

func (f *FakeManager) Complete(ctx context.Context, batchID uuid.UUID, results json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return ErrNoBatchAvailable
	}
	if b.Status.IsTerminal() {
		return nil
	}
	b.Status = models.BatchCompleted
	b.Results = results
	now := clock()
	b.CompletedAt = &now
	return nil
}

func (f *FakeManager) Fail(ctx context.Context, batchID uuid.UUID, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return ErrNoBatchAvailable
	}
	if b.Status.IsTerminal() {
		return nil
	}
	b.Status = models.BatchFailed
	b.ErrorMessage = &errMessage
	now := clock()
	b.CompletedAt = &now
	return nil
}

func (f *FakeManager) CancelJobBatches(ctx context.Context, parentJobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := clock()
	for _, b := range f.batches {
		if b.ParentJobID == parentJobID && !b.Status.IsTerminal() {
			b.Status = models.BatchCancelled
			b.CompletedAt = &now
		}
	}
	return nil
}

func (f *FakeManager) Aggregate(ctx context.Context, parentJobID uuid.UUID) (models.BatchAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var agg models.BatchAggregate
	for _, b := range f.batches {
		if b.ParentJobID != parentJobID {
			continue
		}
		agg.Total++
		agg.Processed += b.ProcessedCount
		agg.Success += b.SuccessCount
		agg.Error += b.ErrorCount
		agg.TotalItems += b.ItemsCount
		switch b.Status {
		case models.BatchPending:
			agg.Pending++
		case models.BatchRunning:
			agg.Running++
		case models.BatchCompleted:
			agg.Completed++
		case models.BatchFailed:
			agg.Failed++
		case models.BatchCancelled:
			agg.Cancelled++
		}
	}
	return agg, nil
}

func (f *FakeManager) ReclaimStale(ctx context.Context, heartbeatTimeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := clock().Add(-heartbeatTimeout)
	n := 0
	for _, b := range f.batches {
		if b.Status == models.BatchRunning && b.HeartbeatAt != nil && b.HeartbeatAt.Before(cutoff) {
			b.Status = models.BatchPending
			b.WorkerID = nil
			b.StartedAt = nil
			b.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

// Get returns a copy of a batch for test assertions.
func (f *FakeManager) Get(batchID uuid.UUID) (models.JobBatch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return models.JobBatch{}, false
	}
	return *b, true
}

var _ Manager = (*FakeManager)(nil)
