// Package jobs declares the per-job shape and a process-wide registry (C7).
// Jobs are values carrying function fields; the executor never branches on
// job name, it only ever calls through Discover/Process/Finalize.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
)

// Item is one unit of work a job's discover step hands to the executor.
// Most jobs discover image ids; detect_bursts discovers a single sentinel
// item representing "the whole catalog" since it is single-pass.
type Item struct {
	ImageID string
}

// ProcessResult is what Process returns for a single item.
type ProcessResult struct {
	OK     bool
	Result map[string]interface{}
	Error  string
}

// Params is the free-form ctx configuration recognized by job processors
// (§4.7): generate_thumbnail, extract_metadata, gap_threshold, min_size,
// similarity_threshold, hash_kind, and whatever else a job reads for
// itself. Unknown keys are ignored by every processor.
type Params map[string]interface{}

type DiscoverFunc func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params Params) ([]Item, error)
type ProcessFunc func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item Item, params Params) ProcessResult
type FinalizeFunc func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, results []ProcessResult, params Params) (map[string]interface{}, error)

// Job is an immutable declarative job definition (§4.7).
type Job struct {
	Name            string
	Discover        DiscoverFunc
	Process         ProcessFunc
	Finalize        FinalizeFunc // nil if the job has no finalizer
	BatchSize       int
	MaxWorkers      int
	RetryOnFailure  bool
	MaxRetries      int
	TimeoutPerItem  time.Duration // zero means no per-item timeout
}

// WithDefaults fills in BatchSize (1000), MaxWorkers (4) and MaxRetries (3)
// when they are zero. RetryOnFailure is left as given, so a Job that leaves
// it unset does not retry failed items.
func (j Job) WithDefaults() Job {
	if j.BatchSize == 0 {
		j.BatchSize = 1000
	}
	if j.MaxWorkers == 0 {
		j.MaxWorkers = 4
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	return j
}

// Registry is a process-wide, write-once, lock-free-after-start-up mapping
// from job name to definition.
type Registry struct {
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register adds a job definition. Intended to be called only during
// start-up, before the controller accepts submissions.
func (r *Registry) Register(j Job) {
	r.jobs[j.Name] = j.WithDefaults()
}

// Lookup returns the registered job by name.
func (r *Registry) Lookup(name string) (Job, bool) {
	j, ok := r.jobs[name]
	return j, ok
}

// Names returns every registered job name, for validation and listing.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}
