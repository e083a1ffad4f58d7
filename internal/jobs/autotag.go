package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opticore/catalogcore/internal/catalog"
)

// Tagger computes tags for an image path. auto_tag treats content-based
// tagging as a pluggable per-item processor (§1 Non-goals); it never
// depends on a specific model.
type Tagger interface {
	Tag(ctx context.Context, path string, topK int) ([]string, error)
}

// NoopTagger returns no tags. It's the default wired in when no external
// tagging model is configured, so auto_tag can still run end-to-end
// (marking images as tagged with an empty tag list) in a deployment that
// hasn't plugged one in yet.
type NoopTagger struct{}

func (NoopTagger) Tag(ctx context.Context, path string, topK int) ([]string, error) {
	return nil, nil
}

// NewAutoTagJob builds auto_tag: computes tags from an external model,
// rate-limited so a slow or metered model doesn't get hammered by
// max_workers concurrent items. Tags are written as normalized
// tags/image_tags relations, and mirrored into the image's metadata and
// processing_flags for callers that only read the Image row.
func NewAutoTagJob(tagger Tagger, limiter *rate.Limiter) Job {
	return Job{
		Name:           "auto_tag",
		BatchSize:      500,
		MaxWorkers:     4,
		RetryOnFailure: true,
		MaxRetries:     3,
		Discover: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params Params) ([]Item, error) {
			records, err := gw.ListImagesWithHashes(ctx, catalogID)
			if err != nil {
				return nil, fmt.Errorf("auto_tag discover: %w", err)
			}
			items := make([]Item, len(records))
			for i, r := range records {
				items[i] = Item{ImageID: r.ID}
			}
			return items, nil
		},
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item Item, params Params) ProcessResult {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return ProcessResult{OK: false, Error: err.Error()}
				}
			}

			path, err := gw.GetImagePath(ctx, catalogID, item.ImageID)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			topK := ParamInt(params, "top_k", 5)
			tags, err := tagger.Tag(ctx, path, topK)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			if err := gw.ReplaceImageTags(ctx, catalogID, item.ImageID, tags, "auto_tag"); err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			metadataPatch := map[string]interface{}{"tags": tags}
			flagsPatch := map[string]interface{}{
				"auto_tagged": true,
				"model":       ParamString(params, "model", ""),
			}
			if err := gw.MergeImageFields(ctx, catalogID, item.ImageID, metadataPatch, flagsPatch); err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			return ProcessResult{OK: true, Result: map[string]interface{}{"tags": tags}}
		},
	}
}
