package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/grouping"
	"github.com/opticore/catalogcore/internal/hashing"
	"github.com/opticore/catalogcore/internal/models"
)

// NewDetectDuplicatesJob builds detect_duplicates: discover finds images
// lacking perceptual hashes, process computes all three hashes for one
// image, finalize runs exact + perceptual grouping over the whole catalog
// and atomically replaces its duplicate groups.
func NewDetectDuplicatesJob(provider hashing.Provider, decode ImageDecoder) Job {
	return Job{
		Name:           "detect_duplicates",
		BatchSize:      500,
		MaxWorkers:     4,
		RetryOnFailure: true,
		MaxRetries:     3,
		Discover: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params Params) ([]Item, error) {
			recompute := ParamBool(params, "recompute_hashes", false)
			if recompute {
				records, err := gw.ListImagesWithHashes(ctx, catalogID)
				if err != nil {
					return nil, fmt.Errorf("detect_duplicates discover: %w", err)
				}
				items := make([]Item, len(records))
				for i, r := range records {
					items[i] = Item{ImageID: r.ID}
				}
				return items, nil
			}

			ids, err := gw.ListImagesWithoutHashes(ctx, catalogID)
			if err != nil {
				return nil, fmt.Errorf("detect_duplicates discover: %w", err)
			}
			items := make([]Item, len(ids))
			for i, id := range ids {
				items[i] = Item{ImageID: id}
			}
			return items, nil
		},
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item Item, params Params) ProcessResult {
			path, err := gw.GetImagePath(ctx, catalogID, item.ImageID)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}
			img, err := decode(path)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			dhash, err := provider.DHash(img)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}
			ahash, err := provider.AHash(img)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}
			whash, err := provider.WHash(img)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			if err := gw.UpdateImageHashes(ctx, catalogID, item.ImageID, &dhash, &ahash, &whash); err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}
			return ProcessResult{OK: true, Result: map[string]interface{}{
				"image_id": item.ImageID, "dhash": dhash, "ahash": ahash, "whash": whash,
			}}
		},
		Finalize: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, results []ProcessResult, params Params) (map[string]interface{}, error) {
			records, err := gw.ListImagesWithHashes(ctx, catalogID)
			if err != nil {
				return nil, fmt.Errorf("detect_duplicates finalize: %w", err)
			}

			images := make([]models.Image, len(records))
			for i, r := range records {
				images[i] = models.Image{
					ID: r.ID, CatalogID: catalogID, Checksum: r.Checksum,
					DHash: r.DHash, AHash: r.AHash, WHash: r.WHash,
					QualityScore: r.QualityScore, SizeBytes: r.SizeBytes,
				}
			}

			threshold := ParamInt(params, "similarity_threshold", 5)
			kind := hashing.Kind(ParamString(params, "hash_kind", string(hashing.KindDHash)))

			var groups []models.DuplicateGroup
			groups = append(groups, grouping.ExactGroups(images)...)

			perceptual, err := grouping.PerceptualGroups(images, kind, threshold)
			if err != nil {
				return nil, fmt.Errorf("detect_duplicates finalize: %w", err)
			}
			groups = append(groups, perceptual...)

			if err := gw.ReplaceDuplicateGroups(ctx, catalogID, groups); err != nil {
				return nil, fmt.Errorf("detect_duplicates finalize: %w", err)
			}
			if err := gw.ClearStaleDuplicateFlags(ctx, catalogID); err != nil {
				return nil, fmt.Errorf("detect_duplicates finalize: %w", err)
			}

			return map[string]interface{}{"duplicate_groups": len(groups)}, nil
		},
	}
}
