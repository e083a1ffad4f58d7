// Package progress publishes debounced job progress events to the catalog
// gateway's pub/sub channel and to an in-process ring buffer for readers
// with no live subscription (C6).
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
)

const (
	// DebounceInterval is the minimum spacing between emitted events for a
	// job, except for forced (terminal) emissions.
	DebounceInterval = 250 * time.Millisecond

	// ewmaAlpha is the smoothing factor applied to the observed
	// items/second throughput between two emissions.
	ewmaAlpha = 0.2

	// RingBufferSize is how many recent events stay available for readers
	// with no active subscription.
	RingBufferSize = 256
)

// Event is the wire shape emitted on the catalog-scoped channel.
type Event struct {
	Type           string    `json:"type"`
	JobID          uuid.UUID `json:"job_id"`
	Phase          string    `json:"phase"`
	Processed      int       `json:"processed"`
	Total          int       `json:"total"`
	Success        int       `json:"success"`
	Error          int       `json:"error"`
	RatePerSecEWMA float64   `json:"rate_per_sec_ewma"`
	ETASeconds     float64   `json:"eta_seconds"`
	Timestamp      time.Time `json:"timestamp"`
}

type jobState struct {
	lastEmit      time.Time
	lastProcessed int
	rateEWMA      float64
}

// Publisher is a single emitter shared across jobs; each job's debounce and
// EWMA state is tracked independently so one job's cadence never affects
// another's.
type Publisher struct {
	gateway  catalog.Gateway
	channel  string
	debounce time.Duration

	mu    sync.Mutex
	jobs  map[uuid.UUID]*jobState
	ring  []Event
	ringN int
}

func NewPublisher(gateway catalog.Gateway, channel string) *Publisher {
	return &Publisher{
		gateway:  gateway,
		channel:  channel,
		debounce: DebounceInterval,
		jobs:     make(map[uuid.UUID]*jobState),
		ring:     make([]Event, 0, RingBufferSize),
	}
}

// Report considers emitting a progress event for jobID. force must be true
// for a batch terminal transition, guaranteeing at least one event crosses
// that boundary even if the debounce window hasn't elapsed.
func (p *Publisher) Report(ctx context.Context, jobID uuid.UUID, phase string, processed, total, success, errCount int, force bool) error {
	now := clock()

	p.mu.Lock()
	st, ok := p.jobs[jobID]
	if !ok {
		st = &jobState{}
		p.jobs[jobID] = st
	}

	elapsed := now.Sub(st.lastEmit)
	if !force && !st.lastEmit.IsZero() && elapsed < p.debounceOr() {
		p.mu.Unlock()
		return nil
	}

	if !st.lastEmit.IsZero() && elapsed > 0 {
		instantRate := float64(processed-st.lastProcessed) / elapsed.Seconds()
		if st.rateEWMA == 0 {
			st.rateEWMA = instantRate
		} else {
			st.rateEWMA = ewmaAlpha*instantRate + (1-ewmaAlpha)*st.rateEWMA
		}
	}

	eta := 0.0
	if st.rateEWMA > 0 && total > processed {
		eta = float64(total-processed) / st.rateEWMA
	}

	event := Event{
		Type:           "progress",
		JobID:          jobID,
		Phase:          phase,
		Processed:      processed,
		Total:          total,
		Success:        success,
		Error:          errCount,
		RatePerSecEWMA: st.rateEWMA,
		ETASeconds:     eta,
		Timestamp:      now,
	}

	st.lastEmit = now
	st.lastProcessed = processed
	p.appendRing(event)
	p.mu.Unlock()

	return p.emit(ctx, event)
}

// ReportBatchTerminal is Report with force=true, tagged phase "batch" per
// the wire event taxonomy (progress|batch|job).
func (p *Publisher) ReportBatchTerminal(ctx context.Context, jobID uuid.UUID, processed, total, success, errCount int) error {
	return p.Report(ctx, jobID, "batch", processed, total, success, errCount, true)
}

// ReportJobTerminal emits a final job-level event, always forced.
func (p *Publisher) ReportJobTerminal(ctx context.Context, jobID uuid.UUID, processed, total, success, errCount int) error {
	return p.Report(ctx, jobID, "job", processed, total, success, errCount, true)
}

func (p *Publisher) debounceOr() time.Duration {
	if p.debounce <= 0 {
		return DebounceInterval
	}
	return p.debounce
}

func (p *Publisher) appendRing(e Event) {
	if len(p.ring) < RingBufferSize {
		p.ring = append(p.ring, e)
		return
	}
	p.ring[p.ringN%RingBufferSize] = e
	p.ringN++
}

func (p *Publisher) emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}
	// Best-effort per §4.4: a publish failure never fails the job.
	_ = p.gateway.Publish(ctx, p.channel, string(payload))
	return nil
}

// Recent returns up to the last RingBufferSize events across all jobs, in
// emission order, for readers with no live subscription.
func (p *Publisher) Recent() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ring) < RingBufferSize {
		out := make([]Event, len(p.ring))
		copy(out, p.ring)
		return out
	}
	out := make([]Event, RingBufferSize)
	start := p.ringN % RingBufferSize
	for i := 0; i < RingBufferSize; i++ {
		out[i] = p.ring[(start+i)%RingBufferSize]
	}
	return out
}

// Reset drops debounce/EWMA state for a job once it reaches a terminal
// status, so a later job reusing a freed goroutine starts clean.
func (p *Publisher) Reset(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, jobID)
}

// clock is swappable in tests so debounce/EWMA behavior can be verified
// without real sleeps.
var clock = time.Now
