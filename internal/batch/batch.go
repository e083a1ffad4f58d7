// Package batch is the durable batch coordinator (C5): it creates batch
// rows, hands them out one at a time under a row lock, tracks monotonic
// progress counters, and reclaims batches abandoned by a dead worker.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/models"
)

// ErrCounterRegression is returned when report_progress is called with
// counters lower than what's already recorded; counters must be monotonic.
var ErrCounterRegression = errors.New("batch: progress counters must not decrease")

// ErrNoBatchAvailable is returned by ClaimNext when no pending batch remains.
var ErrNoBatchAvailable = errors.New("batch: no pending batch available")

// Manager is the batch coordinator surface the executor (C8) drives.
type Manager interface {
	CreateBatches(ctx context.Context, parentJobID uuid.UUID, catalogID *uuid.UUID, jobType string, items []json.RawMessage, batchSize int) ([]models.JobBatch, error)
	ClaimNext(ctx context.Context, parentJobID uuid.UUID, workerID string) (*models.JobBatch, error)
	Heartbeat(ctx context.Context, batchID uuid.UUID) error
	ReportProgress(ctx context.Context, batchID uuid.UUID, processed, success, errCount int) error
	Complete(ctx context.Context, batchID uuid.UUID, results json.RawMessage) error
	Fail(ctx context.Context, batchID uuid.UUID, errMessage string) error
	CancelJobBatches(ctx context.Context, parentJobID uuid.UUID) error
	Aggregate(ctx context.Context, parentJobID uuid.UUID) (models.BatchAggregate, error)
	ReclaimStale(ctx context.Context, heartbeatTimeout time.Duration) (int, error)
}

// ceilDiv returns ceil(a/b) for positive b.
func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Chunk splits items into batch_size-sized slices, matching the §4.5
// ceil(n/batch_size) batch count.
func Chunk(items []json.RawMessage, batchSize int) [][]json.RawMessage {
	if batchSize <= 0 {
		batchSize = len(items)
		if batchSize == 0 {
			batchSize = 1
		}
	}
	n := ceilDiv(len(items), batchSize)
	chunks := make([][]json.RawMessage, 0, n)
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

func marshalItems(items []json.RawMessage) (json.RawMessage, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("batch: marshal work items: %w", err)
	}
	return b, nil
}

func clock() time.Time { return time.Now().UTC() }
