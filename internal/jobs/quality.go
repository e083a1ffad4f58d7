package jobs

import (
	"context"
	"fmt"
	"image"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/models"
)

// NewScoreQualityJob builds score_quality: evaluates one image and writes
// quality_score in [0, 100]. No finalizer.
func NewScoreQualityJob(decode ImageDecoder) Job {
	return Job{
		Name:           "score_quality",
		BatchSize:      1000,
		MaxWorkers:     4,
		RetryOnFailure: true,
		MaxRetries:     3,
		Discover: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params Params) ([]Item, error) {
			records, err := gw.ListImagesWithHashes(ctx, catalogID)
			if err != nil {
				return nil, fmt.Errorf("score_quality discover: %w", err)
			}
			items := make([]Item, len(records))
			for i, r := range records {
				items[i] = Item{ImageID: r.ID}
			}
			return items, nil
		},
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item Item, params Params) ProcessResult {
			existing, err := gw.GetImage(ctx, catalogID, item.ImageID)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}
			decoded, err := decode(existing.SourcePath)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			score := sharpnessScore(decoded)
			existing.QualityScore = &score
			existing.Status = models.ImageStatusComplete
			if err := gw.UpsertImage(ctx, existing); err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			return ProcessResult{OK: true, Result: map[string]interface{}{"quality_score": score}}
		},
	}
}

// sharpnessScore is a cheap proxy for perceived quality: the mean absolute
// luminance gradient between horizontally adjacent pixels, normalized into
// [0, 100]. A blurrier image has a smaller gradient.
func sharpnessScore(img image.Image) int {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 2 || h < 1 {
		return 0
	}

	var total, count int64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X-1; x++ {
			r1, g1, b1, _ := img.At(x, y).RGBA()
			r2, g2, b2, _ := img.At(x+1, y).RGBA()
			l1 := (r1 + g1 + b1) / 3
			l2 := (r2 + g2 + b2) / 3
			diff := int64(l1) - int64(l2)
			if diff < 0 {
				diff = -diff
			}
			total += diff
			count++
		}
	}
	if count == 0 {
		return 0
	}
	avg := float64(total) / float64(count) / 65535.0 // normalize 16-bit channel range
	score := int(avg * 100 * 8)                      // empirical gain so typical photos land mid-range
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
