package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/models"
)

// FakeGateway is an in-memory Gateway for tests that exercise job
// processors, the executor, and the batch manager without a real Postgres
// instance.
type FakeGateway struct {
	mu sync.Mutex

	SourceDirectories map[uuid.UUID][]string
	Images            map[uuid.UUID]map[string]models.Image
	DuplicateGroups   map[uuid.UUID][]models.DuplicateGroup
	Bursts            map[uuid.UUID][]models.Burst
	ImageTags         map[uuid.UUID]map[string][]string // catalogID -> imageID -> tag names
	Published         []PublishedMessage
}

type PublishedMessage struct {
	Channel string
	Payload string
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		SourceDirectories: make(map[uuid.UUID][]string),
		Images:            make(map[uuid.UUID]map[string]models.Image),
		DuplicateGroups:   make(map[uuid.UUID][]models.DuplicateGroup),
		Bursts:            make(map[uuid.UUID][]models.Burst),
		ImageTags:         make(map[uuid.UUID]map[string][]string),
	}
}

func (f *FakeGateway) ListSourceDirectories(ctx context.Context, catalogID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.SourceDirectories[catalogID]...), nil
}

func (f *FakeGateway) ListImagesWithoutHashes(ctx context.Context, catalogID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, img := range f.Images[catalogID] {
		if img.DHash == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *FakeGateway) ListImagesWithHashes(ctx context.Context, catalogID uuid.UUID) ([]ImageHashRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ImageHashRecord
	for _, img := range f.Images[catalogID] {
		out = append(out, ImageHashRecord{
			ID: img.ID, Checksum: img.Checksum, DHash: img.DHash, AHash: img.AHash,
			WHash: img.WHash, QualityScore: img.QualityScore, SizeBytes: img.SizeBytes,
		})
	}
	return out, nil
}

func (f *FakeGateway) ListImagesWithTimestamps(ctx context.Context, catalogID uuid.UUID) ([]ImageTimestampRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ImageTimestampRecord
	for _, img := range f.Images[catalogID] {
		r := ImageTimestampRecord{ID: img.ID, QualityScore: img.QualityScore}
		if ts, ok := img.BestTimestamp(); ok {
			s := ts.Format("2006-01-02T15:04:05.999999999Z07:00")
			r.Timestamp = &s
		}
		if cam, ok := img.Camera(); ok {
			r.Camera = &cam
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *FakeGateway) GetImagePath(ctx context.Context, catalogID uuid.UUID, imageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.Images[catalogID][imageID]
	if !ok {
		return "", fmt.Errorf("catalog: image %s not found in catalog %s", imageID, catalogID)
	}
	return img.SourcePath, nil
}

func (f *FakeGateway) GetImage(ctx context.Context, catalogID uuid.UUID, imageID string) (models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.Images[catalogID][imageID]
	if !ok {
		return models.Image{}, fmt.Errorf("catalog: image %s not found in catalog %s", imageID, catalogID)
	}
	return img, nil
}

func (f *FakeGateway) UpsertImage(ctx context.Context, img models.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Images[img.CatalogID] == nil {
		f.Images[img.CatalogID] = make(map[string]models.Image)
	}
	if existing, ok := f.Images[img.CatalogID][img.ID]; ok {
		if img.DHash == nil {
			img.DHash = existing.DHash
		}
		if img.AHash == nil {
			img.AHash = existing.AHash
		}
		if img.WHash == nil {
			img.WHash = existing.WHash
		}
		if img.QualityScore == nil {
			img.QualityScore = existing.QualityScore
		}
		if img.ThumbnailPath == nil {
			img.ThumbnailPath = existing.ThumbnailPath
		}
	}
	f.Images[img.CatalogID][img.ID] = img
	return nil
}

func (f *FakeGateway) UpdateImageHashes(ctx context.Context, catalogID uuid.UUID, imageID string, dhash, ahash, whash *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.Images[catalogID][imageID]
	if !ok {
		return fmt.Errorf("catalog: image %s not found", imageID)
	}
	img.DHash, img.AHash, img.WHash = dhash, ahash, whash
	f.Images[catalogID][imageID] = img
	return nil
}

func (f *FakeGateway) MergeImageFields(ctx context.Context, catalogID uuid.UUID, imageID string, metadataPatch, flagsPatch map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.Images[catalogID][imageID]
	if !ok {
		return fmt.Errorf("catalog: image %s not found", imageID)
	}
	if img.Metadata == nil {
		img.Metadata = map[string]interface{}{}
	}
	if img.ProcessingFlags == nil {
		img.ProcessingFlags = map[string]interface{}{}
	}
	for k, v := range metadataPatch {
		img.Metadata[k] = v
	}
	for k, v := range flagsPatch {
		img.ProcessingFlags[k] = v
	}
	f.Images[catalogID][imageID] = img
	return nil
}

func (f *FakeGateway) ReplaceImageTags(ctx context.Context, catalogID uuid.UUID, imageID string, tagNames []string, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ImageTags[catalogID] == nil {
		f.ImageTags[catalogID] = make(map[string][]string)
	}
	f.ImageTags[catalogID][imageID] = append([]string(nil), tagNames...)
	return nil
}

func (f *FakeGateway) ReplaceDuplicateGroups(ctx context.Context, catalogID uuid.UUID, groups []models.DuplicateGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DuplicateGroups[catalogID] = append([]models.DuplicateGroup(nil), groups...)
	return nil
}

func (f *FakeGateway) ReplaceBurstGroups(ctx context.Context, catalogID uuid.UUID, bursts []models.Burst) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Bursts[catalogID] = append([]models.Burst(nil), bursts...)
	return nil
}

func (f *FakeGateway) ClearStaleDuplicateFlags(ctx context.Context, catalogID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	valid := make(map[string]bool)
	for _, g := range f.DuplicateGroups[catalogID] {
		for _, m := range g.Members {
			valid[m.ImageID] = true
		}
	}
	for id, img := range f.Images[catalogID] {
		if !valid[id] && img.ProcessingFlags != nil {
			delete(img.ProcessingFlags, "duplicate_status")
			f.Images[catalogID][id] = img
		}
	}
	return nil
}

func (f *FakeGateway) Publish(ctx context.Context, channel string, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Published = append(f.Published, PublishedMessage{Channel: channel, Payload: payload})
	return nil
}

var _ Gateway = (*FakeGateway)(nil)
