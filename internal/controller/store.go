package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/opticore/catalogcore/internal/models"
)

// Store persists Job rows (the externally-visible job lifecycle), separate
// from the JobBatch rows the batch manager owns.
type Store interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id uuid.UUID) (models.Job, error)
	List(ctx context.Context, catalogID *uuid.UUID, status *models.JobStatus) ([]models.Job, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	SetRunning(ctx context.Context, id uuid.UUID) error
	SetResult(ctx context.Context, id uuid.UUID, status models.JobStatus, result map[string]interface{}, jobErr error) error
	ListRunning(ctx context.Context) ([]models.Job, error)
}

// PostgresStore implements Store against the jobs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, job models.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("controller: marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, catalog_id, job_type, status, parameters, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())`,
		job.ID, job.CatalogID, job.JobType, job.Status, params)
	if err != nil {
		return fmt.Errorf("controller: create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, catalog_id, job_type, status, parameters, progress, result, error,
			created_at, started_at, updated_at, completed_at
		FROM jobs WHERE id = $1`, id)
	return scanJobRows(row)
}

func (s *PostgresStore) List(ctx context.Context, catalogID *uuid.UUID, status *models.JobStatus) ([]models.Job, error) {
	query := `SELECT id, catalog_id, job_type, status, parameters, progress, result, error,
		created_at, started_at, updated_at, completed_at FROM jobs WHERE 1=1`
	var args []interface{}
	if catalogID != nil {
		args = append(args, *catalogID)
		query += fmt.Sprintf(" AND catalog_id = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("controller: list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("controller: set status for job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SetRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, started_at = NOW(), updated_at = NOW() WHERE id = $2`,
		models.JobRunning, id)
	if err != nil {
		return fmt.Errorf("controller: set running for job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SetResult(ctx context.Context, id uuid.UUID, status models.JobStatus, result map[string]interface{}, jobErr error) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("controller: marshal result: %w", err)
	}
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, result = $2, error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $4`, status, resultJSON, errMsg, id)
	if err != nil {
		return fmt.Errorf("controller: set result for job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListRunning(ctx context.Context) ([]models.Job, error) {
	running := models.JobRunning
	return s.List(ctx, nil, &running)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRows(row rowScanner) (models.Job, error) {
	var job models.Job
	var params, progress, result []byte
	err := row.Scan(&job.ID, &job.CatalogID, &job.JobType, &job.Status, &params, &progress, &result,
		&job.Error, &job.CreatedAt, &job.StartedAt, &job.UpdatedAt, &job.CompletedAt)
	if err == sql.ErrNoRows {
		return models.Job{}, fmt.Errorf("controller: job not found")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("controller: scan job: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return models.Job{}, fmt.Errorf("controller: unmarshal parameters: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return models.Job{}, fmt.Errorf("controller: unmarshal progress: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("controller: unmarshal result: %w", err)
		}
	}
	return job, nil
}

// FakeStore is an in-memory Store for tests.
type FakeStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]models.Job
}

func NewFakeStore() *FakeStore {
	return &FakeStore{jobs: make(map[uuid.UUID]models.Job)}
}

func (f *FakeStore) Create(ctx context.Context, job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *FakeStore) Get(ctx context.Context, id uuid.UUID) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("controller: job %s not found", id)
	}
	return job, nil
}

func (f *FakeStore) List(ctx context.Context, catalogID *uuid.UUID, status *models.JobStatus) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, job := range f.jobs {
		if catalogID != nil && (job.CatalogID == nil || *job.CatalogID != *catalogID) {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeStore) SetStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("controller: job %s not found", id)
	}
	job.Status = status
	f.jobs[id] = job
	return nil
}

func (f *FakeStore) SetRunning(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("controller: job %s not found", id)
	}
	job.Status = models.JobRunning
	f.jobs[id] = job
	return nil
}

func (f *FakeStore) SetResult(ctx context.Context, id uuid.UUID, status models.JobStatus, result map[string]interface{}, jobErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("controller: job %s not found", id)
	}
	job.Status = status
	job.Result = result
	if jobErr != nil {
		s := jobErr.Error()
		job.Error = &s
	}
	f.jobs[id] = job
	return nil
}

func (f *FakeStore) ListRunning(ctx context.Context) ([]models.Job, error) {
	running := models.JobRunning
	return f.List(context.Background(), nil, &running)
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*FakeStore)(nil)
