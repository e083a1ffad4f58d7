package jobs

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/mediaio"
	"github.com/opticore/catalogcore/internal/models"
)

// ScanDeps are the external collaborators scan needs beyond the gateway;
// kept as an interface-gated struct so tests can substitute a fake
// extractor instead of decoding real EXIF-bearing fixtures. Decode/Dir
// mirror ThumbnailDeps — scan generates a thumbnail inline when the
// generate_thumbnail param is set, reusing the same decode+resize+write
// path as the standalone generate_thumbnails job.
type ScanDeps struct {
	Extractor mediaio.EXIFExtractor
	Decode    ImageDecoder
	ThumbDir  string
}

// NewScanJob builds the scan job: discover walks every source directory
// for whitelisted media, process checksums and (optionally) extracts EXIF
// and generates a thumbnail, upserting an Image row per file.
func NewScanJob(deps ScanDeps) Job {
	return Job{
		Name:           "scan",
		BatchSize:      1000,
		MaxWorkers:     4,
		RetryOnFailure: true,
		MaxRetries:     3,
		Discover: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params Params) ([]Item, error) {
			dirs, err := gw.ListSourceDirectories(ctx, catalogID)
			if err != nil {
				return nil, fmt.Errorf("scan discover: %w", err)
			}

			var items []Item
			err = mediaio.Walk(dirs, func(path string, info fs.FileInfo) error {
				items = append(items, Item{ImageID: path})
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("scan discover: %w", err)
			}
			return items, nil
		},
		Process: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, item Item, params Params) ProcessResult {
			path := item.ImageID
			checksum, err := mediaio.Checksum(path)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			fileType := models.FileTypeImage
			if mediaio.IsVideoFile(path) {
				fileType = models.FileTypeVideo
			}

			img := models.Image{
				ID:         path,
				CatalogID:  catalogID,
				SourcePath: path,
				Checksum:   checksum,
				FileType:   fileType,
				Status:     models.ImageStatusPending,
				Dates:      map[string]models.DateEntry{},
				Metadata:   map[string]interface{}{},
			}

			if info, err := os.Stat(path); err == nil {
				img.SizeBytes = info.Size()
			}

			if ParamBool(params, "extract_metadata", true) && deps.Extractor != nil {
				if meta, err := deps.Extractor.Extract(path); err == nil {
					if meta.HasTime {
						img.Dates["exif"] = models.DateEntry{Timestamp: meta.Timestamp, Confidence: 0.9}
					}
					if cam := meta.Camera(); cam != "" {
						img.Metadata["camera"] = cam
					}
				}
			}

			if ParamBool(params, "generate_thumbnail", false) && deps.Decode != nil && fileType == models.FileTypeImage {
				if src, err := deps.Decode(path); err == nil {
					sizePx := ParamInt(params, "size_px", 256)
					thumb := resizeSquare(src, sizePx)
					if outPath, err := writeThumbnail(deps.ThumbDir, catalogID.String(), path, thumb, ParamInt(params, "quality", 85)); err == nil {
						img.ThumbnailPath = &outPath
					}
				}
			}

			if err := gw.UpsertImage(ctx, img); err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			return ProcessResult{OK: true, Result: map[string]interface{}{"image_id": img.ID}}
		},
	}
}

