package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/models"
)

func strp(s string) *string { return &s }

func TestFakeGatewayUpsertIsIdempotentOnHashes(t *testing.T) {
	ctx := context.Background()
	gw := NewFakeGateway()
	catalogID := uuid.New()

	base := models.Image{ID: "img1", CatalogID: catalogID, SourcePath: "/a.jpg", Checksum: "c1"}
	if err := gw.UpsertImage(ctx, base); err != nil {
		t.Fatalf("UpsertImage: %v", err)
	}

	if err := gw.UpdateImageHashes(ctx, catalogID, "img1", strp("aaaa000000000000"), nil, nil); err != nil {
		t.Fatalf("UpdateImageHashes: %v", err)
	}

	// A later upsert from a re-run scan job (no hash info yet) must not
	// clobber the dhash written by the hashing job.
	rescan := models.Image{ID: "img1", CatalogID: catalogID, SourcePath: "/a.jpg", Checksum: "c1"}
	if err := gw.UpsertImage(ctx, rescan); err != nil {
		t.Fatalf("UpsertImage (rescan): %v", err)
	}

	got := gw.Images[catalogID]["img1"]
	if got.DHash == nil || *got.DHash != "aaaa000000000000" {
		t.Errorf("DHash lost after idempotent re-upsert, got %v", got.DHash)
	}
}

func TestFakeGatewayClearStaleDuplicateFlags(t *testing.T) {
	ctx := context.Background()
	gw := NewFakeGateway()
	catalogID := uuid.New()

	img := models.Image{
		ID: "img1", CatalogID: catalogID,
		ProcessingFlags: map[string]interface{}{"duplicate_status": "member"},
	}
	gw.UpsertImage(ctx, img)

	// No duplicate group currently references img1.
	if err := gw.ClearStaleDuplicateFlags(ctx, catalogID); err != nil {
		t.Fatalf("ClearStaleDuplicateFlags: %v", err)
	}

	got := gw.Images[catalogID]["img1"]
	if _, ok := got.ProcessingFlags["duplicate_status"]; ok {
		t.Errorf("duplicate_status flag should have been cleared")
	}
}

func TestFakeGatewayListImagesWithoutHashes(t *testing.T) {
	ctx := context.Background()
	gw := NewFakeGateway()
	catalogID := uuid.New()

	gw.UpsertImage(ctx, models.Image{ID: "a", CatalogID: catalogID})
	gw.UpsertImage(ctx, models.Image{ID: "b", CatalogID: catalogID, DHash: strp("0000000000000000")})

	ids, err := gw.ListImagesWithoutHashes(ctx, catalogID)
	if err != nil {
		t.Fatalf("ListImagesWithoutHashes: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("ListImagesWithoutHashes = %v, want [a]", ids)
	}
}

func TestFakeGatewayGetImagePathNotFound(t *testing.T) {
	ctx := context.Background()
	gw := NewFakeGateway()
	if _, err := gw.GetImagePath(ctx, uuid.New(), "missing"); err == nil {
		t.Errorf("expected error for missing image")
	}
}
