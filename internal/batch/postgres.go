package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/models"
)

// PostgresManager implements Manager against *sql.DB, using
// SELECT ... FOR UPDATE SKIP LOCKED to make ClaimNext single-writer per row.
type PostgresManager struct {
	db *sql.DB
}

func NewPostgresManager(db *sql.DB) *PostgresManager {
	return &PostgresManager{db: db}
}

func (m *PostgresManager) CreateBatches(ctx context.Context, parentJobID uuid.UUID, catalogID *uuid.UUID, jobType string, items []json.RawMessage, batchSize int) ([]models.JobBatch, error) {
	chunks := Chunk(items, batchSize)
	total := len(chunks)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("batch: begin create batches: %w", err)
	}
	defer tx.Rollback()

	batches := make([]models.JobBatch, 0, total)
	for i, chunk := range chunks {
		work, err := marshalItems(chunk)
		if err != nil {
			return nil, err
		}
		b := models.JobBatch{
			ID:           uuid.New(),
			ParentJobID:  parentJobID,
			CatalogID:    catalogID,
			BatchNumber:  i,
			TotalBatches: total,
			JobType:      jobType,
			Status:       models.BatchPending,
			WorkItems:    work,
			ItemsCount:   len(chunk),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_batches (id, parent_job_id, catalog_id, batch_number, total_batches,
				job_type, status, work_items, items_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			b.ID, b.ParentJobID, b.CatalogID, b.BatchNumber, b.TotalBatches,
			b.JobType, b.Status, []byte(b.WorkItems), b.ItemsCount)
		if err != nil {
			return nil, fmt.Errorf("batch: insert batch %d: %w", i, err)
		}
		batches = append(batches, b)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("batch: commit create batches: %w", err)
	}
	return batches, nil
}

// ClaimNext selects one pending batch under FOR UPDATE SKIP LOCKED so that
// concurrent workers never both claim the same row, transitions it to
// running, and stamps worker_id/started_at/heartbeat_at.
func (m *PostgresManager) ClaimNext(ctx context.Context, parentJobID uuid.UUID, workerID string) (*models.JobBatch, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("batch: begin claim: %w", err)
	}
	defer tx.Rollback()

	var b models.JobBatch
	var workItems []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, parent_job_id, catalog_id, batch_number, total_batches, job_type,
			status, work_items, items_count
		FROM job_batches
		WHERE parent_job_id = $1 AND status = $2
		ORDER BY batch_number
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, parentJobID, models.BatchPending).
		Scan(&b.ID, &b.ParentJobID, &b.CatalogID, &b.BatchNumber, &b.TotalBatches, &b.JobType,
			&b.Status, &workItems, &b.ItemsCount)
	if err == sql.ErrNoRows {
		return nil, ErrNoBatchAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("batch: claim select: %w", err)
	}
	b.WorkItems = workItems

	now := clock()
	_, err = tx.ExecContext(ctx, `
		UPDATE job_batches SET status = $1, worker_id = $2, started_at = $3, heartbeat_at = $3
		WHERE id = $4`,
		models.BatchRunning, workerID, now, b.ID)
	if err != nil {
		return nil, fmt.Errorf("batch: claim update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("batch: commit claim: %w", err)
	}

	b.Status = models.BatchRunning
	b.WorkerID = &workerID
	b.StartedAt = &now
	b.HeartbeatAt = &now
	return &b, nil
}

// Heartbeat refreshes heartbeat_at for a running batch so the reaper doesn't
// reclaim work that's merely slow.
func (m *PostgresManager) Heartbeat(ctx context.Context, batchID uuid.UUID) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE job_batches SET heartbeat_at = $1 WHERE id = $2 AND status = $3`,
		clock(), batchID, models.BatchRunning)
	if err != nil {
		return fmt.Errorf("batch: heartbeat %s: %w", batchID, err)
	}
	return nil
}

// ReportProgress enforces monotonic counters: a retried or duplicate report
// with a lower value than what's stored is rejected rather than silently
// regressing the aggregate view.
func (m *PostgresManager) ReportProgress(ctx context.Context, batchID uuid.UUID, processed, success, errCount int) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("batch: begin report progress: %w", err)
	}
	defer tx.Rollback()

	var curProcessed, curSuccess, curError int
	err = tx.QueryRowContext(ctx,
		`SELECT processed_count, success_count, error_count FROM job_batches WHERE id = $1 FOR UPDATE`,
		batchID).Scan(&curProcessed, &curSuccess, &curError)
	if err == sql.ErrNoRows {
		return fmt.Errorf("batch: %s not found", batchID)
	}
	if err != nil {
		return fmt.Errorf("batch: report progress select: %w", err)
	}
	if processed < curProcessed || success < curSuccess || errCount < curError {
		return ErrCounterRegression
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE job_batches SET processed_count = $1, success_count = $2, error_count = $3, heartbeat_at = $4 WHERE id = $5`,
		processed, success, errCount, clock(), batchID)
	if err != nil {
		return fmt.Errorf("batch: report progress update: %w", err)
	}
	return tx.Commit()
}

// Complete is idempotent: a batch already in a terminal state is left
// untouched rather than erroring, so a retried completion call is safe.
func (m *PostgresManager) Complete(ctx context.Context, batchID uuid.UUID, results json.RawMessage) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE job_batches SET status = $1, results = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
		models.BatchCompleted, []byte(results), clock(), batchID,
		models.BatchCompleted, models.BatchFailed, models.BatchCancelled)
	if err != nil {
		return fmt.Errorf("batch: complete %s: %w", batchID, err)
	}
	_ = res
	return nil
}

func (m *PostgresManager) Fail(ctx context.Context, batchID uuid.UUID, errMessage string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE job_batches SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
		models.BatchFailed, errMessage, clock(), batchID,
		models.BatchCompleted, models.BatchFailed, models.BatchCancelled)
	if err != nil {
		return fmt.Errorf("batch: fail %s: %w", batchID, err)
	}
	return nil
}

func (m *PostgresManager) CancelJobBatches(ctx context.Context, parentJobID uuid.UUID) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE job_batches SET status = $1, completed_at = $2
		WHERE parent_job_id = $3 AND status NOT IN ($4, $5, $6)`,
		models.BatchCancelled, clock(), parentJobID,
		models.BatchCompleted, models.BatchFailed, models.BatchCancelled)
	if err != nil {
		return fmt.Errorf("batch: cancel job batches for %s: %w", parentJobID, err)
	}
	return nil
}

func (m *PostgresManager) Aggregate(ctx context.Context, parentJobID uuid.UUID) (models.BatchAggregate, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(processed_count),0), COALESCE(SUM(success_count),0), COALESCE(SUM(error_count),0), COALESCE(SUM(items_count),0)
		FROM job_batches WHERE parent_job_id = $1 GROUP BY status`, parentJobID)
	if err != nil {
		return models.BatchAggregate{}, fmt.Errorf("batch: aggregate %s: %w", parentJobID, err)
	}
	defer rows.Close()

	var agg models.BatchAggregate
	for rows.Next() {
		var status models.BatchStatus
		var count, processed, success, errCount, itemsCount int
		if err := rows.Scan(&status, &count, &processed, &success, &errCount, &itemsCount); err != nil {
			return models.BatchAggregate{}, fmt.Errorf("batch: aggregate scan: %w", err)
		}
		agg.Total += count
		agg.Processed += processed
		agg.Success += success
		agg.Error += errCount
		agg.TotalItems += itemsCount
		switch status {
		case models.BatchPending:
			agg.Pending += count
		case models.BatchRunning:
			agg.Running += count
		case models.BatchCompleted:
			agg.Completed += count
		case models.BatchFailed:
			agg.Failed += count
		case models.BatchCancelled:
			agg.Cancelled += count
		}
	}
	return agg, rows.Err()
}

// ReclaimStale transitions running batches whose heartbeat is older than
// heartbeatTimeout back to pending, clearing worker_id, so a fresh worker
// can claim them after the owning process died.
func (m *PostgresManager) ReclaimStale(ctx context.Context, heartbeatTimeout time.Duration) (int, error) {
	cutoff := clock().Add(-heartbeatTimeout)
	res, err := m.db.ExecContext(ctx, `
		UPDATE job_batches SET status = $1, worker_id = NULL, started_at = NULL, heartbeat_at = NULL
		WHERE status = $2 AND heartbeat_at < $3`,
		models.BatchPending, models.BatchRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("batch: reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("batch: reclaim stale rows affected: %w", err)
	}
	return int(n), nil
}

var _ Manager = (*PostgresManager)(nil)
