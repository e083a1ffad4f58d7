package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/burst"
	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/models"
)

// singlePassSentinel is the one Item detect_bursts discovers: the whole
// catalog snapshot, processed in a single batch by a single worker.
const singlePassSentinel = "__catalog__"

// NewDetectBurstsJob builds detect_bursts: single-pass (batch_size large,
// max_workers=1), so process receives the entire catalog at once, clusters
// by camera/time gap, selects best-in-burst, and atomically replaces the
// catalog's burst groups. It has no finalizer; the work happens in Process.
func NewDetectBurstsJob() Job {
	return Job{
		Name:           "detect_bursts",
		BatchSize:      1_000_000,
		MaxWorkers:     1,
		RetryOnFailure: true,
		MaxRetries:     1,
		Discover: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params Params) ([]Item, error) {
			return []Item{{ImageID: singlePassSentinel}}, nil
		},
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item Item, params Params) ProcessResult {
			records, err := gw.ListImagesWithTimestamps(ctx, catalogID)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			images := make([]models.Image, 0, len(records))
			for _, r := range records {
				img := models.Image{
					ID: r.ID, CatalogID: catalogID,
					QualityScore: r.QualityScore,
					Dates:        map[string]models.DateEntry{},
					Metadata:     map[string]interface{}{},
				}
				if r.Timestamp != nil {
					if ts, err := time.Parse(time.RFC3339Nano, *r.Timestamp); err == nil {
						img.Dates["best"] = models.DateEntry{Timestamp: ts, Confidence: 1.0}
					}
				}
				if r.Camera != nil {
					img.Metadata["camera"] = *r.Camera
				}
				images = append(images, img)
			}

			p := burst.Params{
				GapThreshold:    durationFromSeconds(ParamFloat(params, "gap_threshold", 1.0)),
				MinSize:         ParamInt(params, "min_size", 3),
				MinDuration:     durationFromSeconds(ParamFloat(params, "min_duration", 0.5)),
				SelectionMethod: models.SelectionMethod(ParamString(params, "selection_method", string(models.SelectionQuality))),
			}

			bursts := burst.Detect(images, catalogID, p)
			if err := gw.ReplaceBurstGroups(ctx, catalogID, bursts); err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			return ProcessResult{OK: true, Result: map[string]interface{}{"bursts": len(bursts)}}
		},
	}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
