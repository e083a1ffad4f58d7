package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
)

func withFakeClock(t *testing.T, start time.Time) func(advance time.Duration) {
	t.Helper()
	now := start
	orig := clock
	clock = func() time.Time { return now }
	t.Cleanup(func() { clock = orig })
	return func(advance time.Duration) { now = now.Add(advance) }
}

func TestReportDebouncesWithinWindow(t *testing.T) {
	advance := withFakeClock(t, time.Unix(1000, 0))
	gw := catalog.NewFakeGateway()
	p := NewPublisher(gw, "catalog:1")
	jobID := uuid.New()
	ctx := context.Background()

	if err := p.Report(ctx, jobID, "batch", 1, 10, 1, 0, false); err != nil {
		t.Fatalf("Report: %v", err)
	}
	advance(50 * time.Millisecond)
	if err := p.Report(ctx, jobID, "batch", 2, 10, 2, 0, false); err != nil {
		t.Fatalf("Report: %v", err)
	}

	if len(gw.Published) != 1 {
		t.Fatalf("len(Published) = %d, want 1 (second report within debounce window)", len(gw.Published))
	}
}

func TestReportEmitsAfterDebounceWindow(t *testing.T) {
	advance := withFakeClock(t, time.Unix(1000, 0))
	gw := catalog.NewFakeGateway()
	p := NewPublisher(gw, "catalog:1")
	jobID := uuid.New()
	ctx := context.Background()

	p.Report(ctx, jobID, "batch", 1, 10, 1, 0, false)
	advance(300 * time.Millisecond)
	p.Report(ctx, jobID, "batch", 2, 10, 2, 0, false)

	if len(gw.Published) != 2 {
		t.Fatalf("len(Published) = %d, want 2", len(gw.Published))
	}
}

func TestForcedReportBypassesDebounce(t *testing.T) {
	advance := withFakeClock(t, time.Unix(1000, 0))
	gw := catalog.NewFakeGateway()
	p := NewPublisher(gw, "catalog:1")
	jobID := uuid.New()
	ctx := context.Background()

	p.Report(ctx, jobID, "batch", 1, 10, 1, 0, false)
	advance(10 * time.Millisecond)
	if err := p.ReportBatchTerminal(ctx, jobID, 10, 10, 9, 1); err != nil {
		t.Fatalf("ReportBatchTerminal: %v", err)
	}

	if len(gw.Published) != 2 {
		t.Fatalf("len(Published) = %d, want 2 (forced terminal event)", len(gw.Published))
	}

	var last Event
	if err := json.Unmarshal([]byte(gw.Published[1].Payload), &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Phase != "batch" || last.Processed != 10 {
		t.Errorf("last event = %+v, want phase=batch processed=10", last)
	}
}

func TestEWMARateIsSmoothed(t *testing.T) {
	advance := withFakeClock(t, time.Unix(1000, 0))
	gw := catalog.NewFakeGateway()
	p := NewPublisher(gw, "catalog:1")
	jobID := uuid.New()
	ctx := context.Background()

	p.Report(ctx, jobID, "batch", 0, 100, 0, 0, false)
	advance(time.Second)
	p.Report(ctx, jobID, "batch", 10, 100, 10, 0, true) // 10 items/sec instantaneous

	var first Event
	json.Unmarshal([]byte(gw.Published[1].Payload), &first)
	if first.RatePerSecEWMA <= 0 {
		t.Errorf("RatePerSecEWMA = %v, want > 0 after first measured interval", first.RatePerSecEWMA)
	}

	advance(time.Second)
	p.Report(ctx, jobID, "batch", 40, 100, 40, 0, true) // 20 items/sec instantaneous
	var second Event
	json.Unmarshal([]byte(gw.Published[2].Payload), &second)

	// The first measured interval seeds the EWMA at 10/sec; the faster
	// 20/sec interval moves it up only part of the way (0.2*20 + 0.8*10 = 12),
	// since alpha=0.2 blends with the prior estimate.
	if second.RatePerSecEWMA <= first.RatePerSecEWMA {
		t.Errorf("EWMA should move toward steady state: first=%v second=%v", first.RatePerSecEWMA, second.RatePerSecEWMA)
	}
}

func TestRecentRingBufferWraps(t *testing.T) {
	advance := withFakeClock(t, time.Unix(1000, 0))
	gw := catalog.NewFakeGateway()
	p := NewPublisher(gw, "catalog:1")
	jobID := uuid.New()
	ctx := context.Background()

	for i := 0; i < RingBufferSize+10; i++ {
		p.ReportBatchTerminal(ctx, jobID, i, RingBufferSize+10, i, 0)
		advance(time.Millisecond)
	}

	recent := p.Recent()
	if len(recent) != RingBufferSize {
		t.Fatalf("len(Recent()) = %d, want %d", len(recent), RingBufferSize)
	}
	// The oldest 10 events should have fallen off the ring.
	if recent[0].Processed != 10 {
		t.Errorf("oldest retained event Processed = %d, want 10", recent[0].Processed)
	}
	if recent[len(recent)-1].Processed != RingBufferSize+9 {
		t.Errorf("newest event Processed = %d, want %d", recent[len(recent)-1].Processed, RingBufferSize+9)
	}
}

func TestResetClearsJobState(t *testing.T) {
	gw := catalog.NewFakeGateway()
	p := NewPublisher(gw, "catalog:1")
	jobID := uuid.New()
	ctx := context.Background()

	p.Report(ctx, jobID, "batch", 1, 10, 1, 0, true)
	p.Reset(jobID)

	p.mu.Lock()
	_, ok := p.jobs[jobID]
	p.mu.Unlock()
	if ok {
		t.Errorf("job state should be removed after Reset")
	}
}
