package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/models"
)

// ThumbnailDeps carries the decoder and the output directory thumbnails are
// written under.
type ThumbnailDeps struct {
	Decode ImageDecoder
	Dir    string
}

// NewGenerateThumbnailsJob builds generate_thumbnails: writes a resized
// jpeg under Dir and records its path on the image. No finalizer.
func NewGenerateThumbnailsJob(deps ThumbnailDeps) Job {
	return Job{
		Name:           "generate_thumbnails",
		BatchSize:      1000,
		MaxWorkers:     4,
		RetryOnFailure: true,
		MaxRetries:     3,
		Discover: func(ctx context.Context, gw catalog.Gateway, catalogID uuid.UUID, params Params) ([]Item, error) {
			records, err := gw.ListImagesWithHashes(ctx, catalogID)
			if err != nil {
				return nil, fmt.Errorf("generate_thumbnails discover: %w", err)
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
			src, err := deps.Decode(existing.SourcePath)
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			sizePx := ParamInt(params, "size_px", 256)
			thumb := resizeSquare(src, sizePx)

			outPath, err := writeThumbnail(deps.Dir, catalogID.String(), item.ImageID, thumb, ParamInt(params, "quality", 85))
			if err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			existing.ThumbnailPath = &outPath
			existing.Status = models.ImageStatusComplete
			if err := gw.UpsertImage(ctx, existing); err != nil {
				return ProcessResult{OK: false, Error: err.Error()}
			}

			return ProcessResult{OK: true, Result: map[string]interface{}{"thumbnail_path": outPath}}
		},
	}
}

func resizeSquare(src image.Image, sizePx int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, sizePx, sizePx))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func writeThumbnail(dir, catalogID, imageID string, img image.Image, quality int) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha256.Sum256([]byte(catalogID + "/" + imageID))
	name := hex.EncodeToString(sum[:]) + ".jpg"
	outPath := filepath.Join(dir, name)

	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return outPath, nil
}
