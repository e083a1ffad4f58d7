package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/mediaio"
	"github.com/opticore/catalogcore/internal/models"
)

type fakeExtractor struct {
	meta mediaio.ExtractedMetadata
	err  error
}

func (f fakeExtractor) Extract(path string) (mediaio.ExtractedMetadata, error) {
	return f.meta, f.err
}

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestScanProcessClassifiesImageAndVideo(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	job := NewScanJob(ScanDeps{})

	imgPath := writeTempFile(t, "photo.jpg", "jpegbytes")
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: imgPath}, Params{"extract_metadata": false})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}
	img, err := gw.GetImage(context.Background(), catalogID, imgPath)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.FileType != models.FileTypeImage {
		t.Fatalf("file_type = %s, want image", img.FileType)
	}

	videoPath := writeTempFile(t, "clip.mp4", "mp4bytes")
	result = job.Process(context.Background(), gw, catalogID, Item{ImageID: videoPath}, Params{"extract_metadata": false})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}
	vid, err := gw.GetImage(context.Background(), catalogID, videoPath)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if vid.FileType != models.FileTypeVideo {
		t.Fatalf("file_type = %s, want video", vid.FileType)
	}
}

func TestScanProcessExtractsEXIFWhenRequested(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	job := NewScanJob(ScanDeps{Extractor: fakeExtractor{meta: mediaio.ExtractedMetadata{
		Timestamp: ts, HasTime: true, CameraMake: "Canon", CameraModel: "EOS R5",
	}}})

	path := writeTempFile(t, "photo.jpg", "jpegbytes")
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: path}, Params{"extract_metadata": true})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}

	img, err := gw.GetImage(context.Background(), catalogID, path)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	best, ok := img.BestTimestamp()
	if !ok || !best.Equal(ts) {
		t.Fatalf("best timestamp = %v, ok=%v, want %v", best, ok, ts)
	}
	cam, ok := img.Camera()
	if !ok || cam != "Canon EOS R5" {
		t.Fatalf("camera = %q, ok=%v, want Canon EOS R5", cam, ok)
	}
}

func TestScanProcessSkipsEXIFWhenDisabled(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	job := NewScanJob(ScanDeps{Extractor: fakeExtractor{meta: mediaio.ExtractedMetadata{HasTime: true, CameraMake: "Canon"}}})

	path := writeTempFile(t, "photo.jpg", "jpegbytes")
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: path}, Params{"extract_metadata": false})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}

	img, err := gw.GetImage(context.Background(), catalogID, path)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if _, ok := img.BestTimestamp(); ok {
		t.Fatal("expected no timestamp recorded when extract_metadata is false")
	}
}

func TestScanProcessGeneratesThumbnailWhenRequested(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	dir := t.TempDir()
	job := NewScanJob(ScanDeps{Decode: fakeDecode, ThumbDir: dir})

	path := writeTempFile(t, "photo.jpg", "jpegbytes")
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: path}, Params{
		"extract_metadata": false, "generate_thumbnail": true,
	})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}

	img, err := gw.GetImage(context.Background(), catalogID, path)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.ThumbnailPath == nil {
		t.Fatal("thumbnail_path not recorded")
	}
	if _, err := os.Stat(*img.ThumbnailPath); err != nil {
		t.Fatalf("thumbnail file not written: %v", err)
	}
}

func TestScanProcessSkipsThumbnailWhenNotRequested(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	job := NewScanJob(ScanDeps{Decode: fakeDecode, ThumbDir: t.TempDir()})

	path := writeTempFile(t, "photo.jpg", "jpegbytes")
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: path}, Params{"extract_metadata": false})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}

	img, err := gw.GetImage(context.Background(), catalogID, path)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.ThumbnailPath != nil {
		t.Fatalf("expected no thumbnail when generate_thumbnail is unset, got %v", *img.ThumbnailPath)
	}
}

func TestScanProcessSkipsThumbnailForVideoFiles(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	job := NewScanJob(ScanDeps{Decode: fakeDecode, ThumbDir: t.TempDir()})

	path := writeTempFile(t, "clip.mp4", "mp4bytes")
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: path}, Params{
		"extract_metadata": false, "generate_thumbnail": true,
	})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}

	img, err := gw.GetImage(context.Background(), catalogID, path)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.ThumbnailPath != nil {
		t.Fatalf("expected no thumbnail for a video file, got %v", *img.ThumbnailPath)
	}
}

func TestScanProcessFailsOnMissingFile(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	job := NewScanJob(ScanDeps{})

	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: "/nonexistent/path/missing.jpg"}, Params{})
	if result.OK {
		t.Fatal("expected failure for a path that does not exist")
	}
}
