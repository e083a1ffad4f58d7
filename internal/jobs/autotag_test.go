package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/models"
)

var errBoom = errors.New("tagger boom")

type fakeTagger struct {
	tags    []string
	err     error
	gotTopK int
}

func (f *fakeTagger) Tag(ctx context.Context, path string, topK int) ([]string, error) {
	f.gotTopK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.tags, nil
}

func TestAutoTagWritesTagRelationsAndMetadata(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	gw.Images[catalogID] = map[string]models.Image{
		"img-1": {ID: "img-1", CatalogID: catalogID, SourcePath: "/a.jpg"},
	}

	tagger := &fakeTagger{tags: []string{"beach", "sunset"}}
	job := NewAutoTagJob(tagger, nil)

	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: "img-1"}, Params{"top_k": 3, "model": "v1"})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}
	if tagger.gotTopK != 3 {
		t.Fatalf("top_k passed = %d, want 3", tagger.gotTopK)
	}

	got := gw.ImageTags[catalogID]["img-1"]
	if len(got) != 2 || got[0] != "beach" || got[1] != "sunset" {
		t.Fatalf("image tags = %v, want [beach sunset]", got)
	}

	img, err := gw.GetImage(context.Background(), catalogID, "img-1")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.ProcessingFlags["auto_tagged"] != true {
		t.Fatalf("processing_flags[auto_tagged] = %v, want true", img.ProcessingFlags["auto_tagged"])
	}
	if img.ProcessingFlags["model"] != "v1" {
		t.Fatalf("processing_flags[model] = %v, want v1", img.ProcessingFlags["model"])
	}
}

func TestAutoTagNoopTaggerProducesNoTags(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	gw.Images[catalogID] = map[string]models.Image{
		"img-1": {ID: "img-1", CatalogID: catalogID, SourcePath: "/a.jpg"},
	}

	job := NewAutoTagJob(NoopTagger{}, nil)
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: "img-1"}, Params{})
	if !result.OK {
		t.Fatalf("process failed: %s", result.Error)
	}
	if len(gw.ImageTags[catalogID]["img-1"]) != 0 {
		t.Fatalf("expected no tags, got %v", gw.ImageTags[catalogID]["img-1"])
	}
}

func TestAutoTagRespectsRateLimiterCancellation(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	gw.Images[catalogID] = map[string]models.Image{
		"img-1": {ID: "img-1", CatalogID: catalogID, SourcePath: "/a.jpg"},
	}

	limiter := rate.NewLimiter(rate.Limit(1), 1)
	_ = limiter.Allow() // drain the single token

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewAutoTagJob(&fakeTagger{tags: []string{"x"}}, limiter)
	result := job.Process(ctx, gw, catalogID, Item{ImageID: "img-1"}, Params{})
	if result.OK {
		t.Fatal("expected failure when context is already canceled while waiting on the limiter")
	}
}

func TestAutoTagPropagatesTaggerError(t *testing.T) {
	gw := catalog.NewFakeGateway()
	catalogID := uuid.New()
	gw.Images[catalogID] = map[string]models.Image{
		"img-1": {ID: "img-1", CatalogID: catalogID, SourcePath: "/a.jpg"},
	}

	job := NewAutoTagJob(&fakeTagger{err: errBoom}, nil)
	result := job.Process(context.Background(), gw, catalogID, Item{ImageID: "img-1"}, Params{})
	if result.OK {
		t.Fatal("expected failure when the tagger errors")
	}
}
