package jobs

import (
	"context"
	stdimage "image"
	"testing"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/models"
)

// fakeHashProvider returns the same fixed hashes for every image it is
// given; tests pair it with fakeDecode instead of real image bytes.
type fakeHashProvider struct {
	dhash, ahash, whash string
}

func (f fakeHashProvider) DHash(stdimage.Image) (string, error) { return f.dhash, nil }
func (f fakeHashProvider) AHash(stdimage.Image) (string, error) { return f.ahash, nil }
func (f fakeHashProvider) WHash(stdimage.Image) (string, error) { return f.whash, nil }

func fakeDecode(path string) (stdimage.Image, error) {
	return stdimage.NewGray(stdimage.Rect(0, 0, 1, 1)), nil
}

func TestDetectDuplicatesProcessWritesAllThreeHashes(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	gw.Images[catalogID] = map[string]models.Image{
		"img-1": {ID: "img-1", CatalogID: catalogID, SourcePath: "/a.jpg", Checksum: "c1"},
	}

	job := NewDetectDuplicatesJob(fakeHashProvider{dhash: "0000000000000000", ahash: "1111111111111111", whash: "2222222222222222"}, fakeDecode)

	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: "img-1"}, Params{})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}

	img, err := gw.GetImage(context.Background(), catalogID, "img-1")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.DHash == nil || *img.DHash != "0000000000000000" {
		t.Fatalf("dhash not persisted: %+v", img.DHash)
	}
	if img.AHash == nil || *img.AHash != "1111111111111111" {
		t.Fatalf("ahash not persisted: %+v", img.AHash)
	}
	if img.WHash == nil || *img.WHash != "2222222222222222" {
		t.Fatalf("whash not persisted: %+v", img.WHash)
	}
}

func TestDetectDuplicatesFinalizeGroupsExactAndPerceptual(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()

	q80, q60 := 80, 60
	gw.Images[catalogID] = map[string]models.Image{
		// Exact duplicates by checksum.
		"e1": {ID: "e1", CatalogID: catalogID, Checksum: "same", QualityScore: &q60, SizeBytes: 100},
		"e2": {ID: "e2", CatalogID: catalogID, Checksum: "same", QualityScore: &q80, SizeBytes: 100},
		// Perceptual chain within threshold 5: e.g. distances 1 and 3.
		"p1": {ID: "p1", CatalogID: catalogID, Checksum: "p1sum", DHash: strPtr("0000000000000000")},
		"p2": {ID: "p2", CatalogID: catalogID, Checksum: "p2sum", DHash: strPtr("0000000000000001")},
		"p3": {ID: "p3", CatalogID: catalogID, Checksum: "p3sum", DHash: strPtr("0000000000000007")},
		// Far outlier, not placed in any perceptual group.
		"p4": {ID: "p4", CatalogID: catalogID, Checksum: "p4sum", DHash: strPtr("ffffffffffffffff")},
	}

	job := NewDetectDuplicatesJob(fakeHashProvider{}, fakeDecode)
	out, err := job.Finalize(context.Background(), gw, catalogID, nil, Params{"similarity_threshold": 5})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out["duplicate_groups"] != 2 {
		t.Fatalf("expected 2 duplicate groups (1 exact + 1 perceptual), got %v", out["duplicate_groups"])
	}

	groups := gw.DuplicateGroups[catalogID]
	var exact, perceptual *models.DuplicateGroup
	for i := range groups {
		g := &groups[i]
		switch g.SimilarityType {
		case models.SimilarityExact:
			exact = g
		case models.SimilarityPerceptual:
			perceptual = g
		}
	}
	if exact == nil {
		t.Fatal("no exact group produced")
	}
	if exact.Confidence != 100 {
		t.Fatalf("exact group confidence = %d, want 100", exact.Confidence)
	}
	if exact.PrimaryImageID != "e2" {
		t.Fatalf("exact primary = %s, want e2 (higher quality)", exact.PrimaryImageID)
	}

	if perceptual == nil {
		t.Fatal("no perceptual group produced")
	}
	if len(perceptual.Members) != 3 {
		t.Fatalf("perceptual group has %d members, want 3 (p4 excluded)", len(perceptual.Members))
	}
	for _, m := range perceptual.Members {
		if m.ImageID == "p4" {
			t.Fatal("p4 should not be grouped at threshold 5")
		}
	}
}

func strPtr(s string) *string { return &s }
