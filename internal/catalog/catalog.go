// Package catalog is the sole path (C4) through which job processors read
// and write the catalog store. Job processors never touch *sql.DB directly.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opticore/catalogcore/internal/models"
)

// ImageHashRecord is the row shape list_images_with_hashes returns.
type ImageHashRecord struct {
	ID           string
	Checksum     string
	DHash        *string
	AHash        *string
	WHash        *string
	QualityScore *int
	SizeBytes    int64
}

// ImageTimestampRecord is the row shape list_images_with_timestamps returns.
type ImageTimestampRecord struct {
	ID           string
	Timestamp    *string // RFC3339, nullable
	Camera       *string
	QualityScore *int
}

// Gateway is the catalog store's read/write surface (§4.4). Every job
// processor depends on this interface, never on *sql.DB, so tests can
// supply an in-memory fake.
type Gateway interface {
	ListSourceDirectories(ctx context.Context, catalogID uuid.UUID) ([]string, error)
	ListImagesWithoutHashes(ctx context.Context, catalogID uuid.UUID) ([]string, error)
	ListImagesWithHashes(ctx context.Context, catalogID uuid.UUID) ([]ImageHashRecord, error)
	ListImagesWithTimestamps(ctx context.Context, catalogID uuid.UUID) ([]ImageTimestampRecord, error)
	GetImagePath(ctx context.Context, catalogID uuid.UUID, imageID string) (string, error)
	GetImage(ctx context.Context, catalogID uuid.UUID, imageID string) (models.Image, error)

	UpsertImage(ctx context.Context, img models.Image) error
	UpdateImageHashes(ctx context.Context, catalogID uuid.UUID, imageID string, dhash, ahash, whash *string) error
	MergeImageFields(ctx context.Context, catalogID uuid.UUID, imageID string, metadataPatch, flagsPatch map[string]interface{}) error
	ReplaceImageTags(ctx context.Context, catalogID uuid.UUID, imageID string, tagNames []string, source string) error

	ReplaceDuplicateGroups(ctx context.Context, catalogID uuid.UUID, groups []models.DuplicateGroup) error
	ReplaceBurstGroups(ctx context.Context, catalogID uuid.UUID, bursts []models.Burst) error

	ClearStaleDuplicateFlags(ctx context.Context, catalogID uuid.UUID) error

	Publish(ctx context.Context, channel string, payload string) error
}

// PostgresGateway implements Gateway against *sql.DB via lib/pq.
type PostgresGateway struct {
	db *sql.DB
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

func (g *PostgresGateway) ListSourceDirectories(ctx context.Context, catalogID uuid.UUID) ([]string, error) {
	var dirs []string
	err := g.db.QueryRowContext(ctx,
		`SELECT source_directories FROM catalogs WHERE id = $1`, catalogID).
		Scan(pq.Array(&dirs))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("catalog: catalog %s not found", catalogID)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: list source directories: %w", err)
	}
	return dirs, nil
}

func (g *PostgresGateway) ListImagesWithoutHashes(ctx context.Context, catalogID uuid.UUID) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id FROM images WHERE catalog_id = $1 AND dhash IS NULL`, catalogID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list images without hashes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog: scan image id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (g *PostgresGateway) ListImagesWithHashes(ctx context.Context, catalogID uuid.UUID) ([]ImageHashRecord, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, checksum, dhash, ahash, whash, quality_score, size_bytes
		 FROM images WHERE catalog_id = $1`, catalogID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list images with hashes: %w", err)
	}
	defer rows.Close()

	var out []ImageHashRecord
	for rows.Next() {
		var r ImageHashRecord
		if err := rows.Scan(&r.ID, &r.Checksum, &r.DHash, &r.AHash, &r.WHash, &r.QualityScore, &r.SizeBytes); err != nil {
			return nil, fmt.Errorf("catalog: scan image hash row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) ListImagesWithTimestamps(ctx context.Context, catalogID uuid.UUID) ([]ImageTimestampRecord, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, dates, metadata, quality_score FROM images WHERE catalog_id = $1`, catalogID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list images with timestamps: %w", err)
	}
	defer rows.Close()

	var out []ImageTimestampRecord
	for rows.Next() {
		var id string
		var datesRaw, metaRaw []byte
		var quality *int
		if err := rows.Scan(&id, &datesRaw, &metaRaw, &quality); err != nil {
			return nil, fmt.Errorf("catalog: scan image timestamp row: %w", err)
		}

		r := ImageTimestampRecord{ID: id, QualityScore: quality}

		var dates map[string]models.DateEntry
		if len(datesRaw) > 0 {
			if err := json.Unmarshal(datesRaw, &dates); err != nil {
				return nil, fmt.Errorf("catalog: unmarshal dates for %s: %w", id, err)
			}
		}
		if ts, ok := bestTimestamp(dates); ok {
			s := ts
			r.Timestamp = &s
		}

		var meta map[string]interface{}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &meta); err != nil {
				return nil, fmt.Errorf("catalog: unmarshal metadata for %s: %w", id, err)
			}
		}
		if cam, ok := meta["camera"].(string); ok && cam != "" {
			r.Camera = &cam
		}

		out = append(out, r)
	}
	return out, rows.Err()
}

func bestTimestamp(dates map[string]models.DateEntry) (string, bool) {
	var best models.DateEntry
	found := false
	for _, d := range dates {
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	if !found {
		return "", false
	}
	return best.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00"), true
}

func (g *PostgresGateway) GetImagePath(ctx context.Context, catalogID uuid.UUID, imageID string) (string, error) {
	var path string
	err := g.db.QueryRowContext(ctx,
		`SELECT source_path FROM images WHERE catalog_id = $1 AND id = $2`, catalogID, imageID).
		Scan(&path)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("catalog: image %s not found in catalog %s", imageID, catalogID)
	}
	if err != nil {
		return "", fmt.Errorf("catalog: get image path: %w", err)
	}
	return path, nil
}

// GetImage fetches the full stored record so a job that only owns one field
// (quality_score, thumbnail_path) can read-modify-write instead of upserting
// a sparse struct that would wipe dates/metadata it doesn't know about.
func (g *PostgresGateway) GetImage(ctx context.Context, catalogID uuid.UUID, imageID string) (models.Image, error) {
	var img models.Image
	var dates, meta, flags []byte
	err := g.db.QueryRowContext(ctx, `
		SELECT id, catalog_id, source_path, checksum, size_bytes, file_type,
			dhash, ahash, whash, quality_score, thumbnail_path, dates, metadata, status, processing_flags,
			created_at, updated_at
		FROM images WHERE catalog_id = $1 AND id = $2`, catalogID, imageID).
		Scan(&img.ID, &img.CatalogID, &img.SourcePath, &img.Checksum, &img.SizeBytes, &img.FileType,
			&img.DHash, &img.AHash, &img.WHash, &img.QualityScore, &img.ThumbnailPath,
			&dates, &meta, &img.Status, &flags, &img.CreatedAt, &img.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Image{}, fmt.Errorf("catalog: image %s not found in catalog %s", imageID, catalogID)
	}
	if err != nil {
		return models.Image{}, fmt.Errorf("catalog: get image: %w", err)
	}
	if len(dates) > 0 {
		if err := json.Unmarshal(dates, &img.Dates); err != nil {
			return models.Image{}, fmt.Errorf("catalog: unmarshal dates: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &img.Metadata); err != nil {
			return models.Image{}, fmt.Errorf("catalog: unmarshal metadata: %w", err)
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &img.ProcessingFlags); err != nil {
			return models.Image{}, fmt.Errorf("catalog: unmarshal processing_flags: %w", err)
		}
	}
	return img, nil
}

// UpsertImage is idempotent on (catalog_id, id): at-least-once job retries
// must never produce duplicate rows or lose prior hash/quality fields the
// current write doesn't know about.
func (g *PostgresGateway) UpsertImage(ctx context.Context, img models.Image) error {
	dates, err := json.Marshal(img.Dates)
	if err != nil {
		return fmt.Errorf("catalog: marshal dates: %w", err)
	}
	meta, err := json.Marshal(img.Metadata)
	if err != nil {
		return fmt.Errorf("catalog: marshal metadata: %w", err)
	}
	flags, err := json.Marshal(img.ProcessingFlags)
	if err != nil {
		return fmt.Errorf("catalog: marshal processing_flags: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO images (id, catalog_id, source_path, checksum, size_bytes, file_type,
			dhash, ahash, whash, quality_score, thumbnail_path, dates, metadata, status, processing_flags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (catalog_id, id) DO UPDATE SET
			source_path = EXCLUDED.source_path,
			checksum = EXCLUDED.checksum,
			size_bytes = EXCLUDED.size_bytes,
			file_type = EXCLUDED.file_type,
			dhash = COALESCE(EXCLUDED.dhash, images.dhash),
			ahash = COALESCE(EXCLUDED.ahash, images.ahash),
			whash = COALESCE(EXCLUDED.whash, images.whash),
			quality_score = COALESCE(EXCLUDED.quality_score, images.quality_score),
			thumbnail_path = COALESCE(EXCLUDED.thumbnail_path, images.thumbnail_path),
			dates = EXCLUDED.dates,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			processing_flags = EXCLUDED.processing_flags,
			updated_at = NOW()`,
		img.ID, img.CatalogID, img.SourcePath, img.Checksum, img.SizeBytes, img.FileType,
		img.DHash, img.AHash, img.WHash, img.QualityScore, img.ThumbnailPath,
		dates, meta, img.Status, flags)
	if err != nil {
		return fmt.Errorf("catalog: upsert image %s: %w", img.ID, err)
	}
	return nil
}

// MergeImageFields shallow-merges metadataPatch/flagsPatch into the
// existing metadata/processing_flags JSONB columns (Postgres's `||`
// operator), so auto_tag can attach tags without clobbering fields other
// jobs (e.g. scan's camera metadata) already wrote.
func (g *PostgresGateway) MergeImageFields(ctx context.Context, catalogID uuid.UUID, imageID string, metadataPatch, flagsPatch map[string]interface{}) error {
	metaJSON, err := json.Marshal(metadataPatch)
	if err != nil {
		return fmt.Errorf("catalog: marshal metadata patch: %w", err)
	}
	flagsJSON, err := json.Marshal(flagsPatch)
	if err != nil {
		return fmt.Errorf("catalog: marshal flags patch: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		UPDATE images SET
			metadata = metadata || $1::jsonb,
			processing_flags = processing_flags || $2::jsonb,
			updated_at = NOW()
		WHERE catalog_id = $3 AND id = $4`,
		metaJSON, flagsJSON, catalogID, imageID)
	if err != nil {
		return fmt.Errorf("catalog: merge image fields for %s: %w", imageID, err)
	}
	return nil
}

// ReplaceImageTags clears imageID's tag relations for the given source and
// inserts one row per tagName, creating any tag row the catalog doesn't
// already have (auto_tag's `Writes tag relations` effect, §6).
func (g *PostgresGateway) ReplaceImageTags(ctx context.Context, catalogID uuid.UUID, imageID string, tagNames []string, source string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin replace image tags: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM image_tags WHERE catalog_id = $1 AND image_id = $2 AND source = $3`,
		catalogID, imageID, source); err != nil {
		return fmt.Errorf("catalog: clear image tags: %w", err)
	}

	for _, name := range tagNames {
		if name == "" {
			continue
		}
		var tagID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tags (id, catalog_id, name) VALUES ($1, $2, $3)
			ON CONFLICT (catalog_id, name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, uuid.New(), catalogID, name).Scan(&tagID)
		if err != nil {
			return fmt.Errorf("catalog: upsert tag %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO image_tags (catalog_id, image_id, tag_id, source)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (catalog_id, image_id, tag_id) DO NOTHING`,
			catalogID, imageID, tagID, source); err != nil {
			return fmt.Errorf("catalog: link tag %q to image %s: %w", name, imageID, err)
		}
	}

	return tx.Commit()
}

func (g *PostgresGateway) UpdateImageHashes(ctx context.Context, catalogID uuid.UUID, imageID string, dhash, ahash, whash *string) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE images SET dhash = $1, ahash = $2, whash = $3, updated_at = NOW()
		 WHERE catalog_id = $4 AND id = $5`,
		dhash, ahash, whash, catalogID, imageID)
	if err != nil {
		return fmt.Errorf("catalog: update image hashes for %s: %w", imageID, err)
	}
	return nil
}

// ReplaceDuplicateGroups atomically deletes every duplicate group for the
// catalog (members cascade) and inserts the freshly computed set.
func (g *PostgresGateway) ReplaceDuplicateGroups(ctx context.Context, catalogID uuid.UUID, groups []models.DuplicateGroup) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin replace duplicate groups: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE catalog_id = $1`, catalogID); err != nil {
		return fmt.Errorf("catalog: clear duplicate groups: %w", err)
	}

	for _, group := range groups {
		if group.ID == uuid.Nil {
			group.ID = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO duplicate_groups (id, catalog_id, primary_image_id, similarity_type, confidence, reviewed)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			group.ID, catalogID, group.PrimaryImageID, group.SimilarityType, group.Confidence, group.Reviewed)
		if err != nil {
			return fmt.Errorf("catalog: insert duplicate group: %w", err)
		}
		for _, m := range group.Members {
			if m.ID == uuid.Nil {
				m.ID = uuid.New()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO duplicate_members (id, duplicate_group_id, image_id, similarity_score)
				VALUES ($1,$2,$3,$4)`,
				m.ID, group.ID, m.ImageID, m.SimilarityScore)
			if err != nil {
				return fmt.Errorf("catalog: insert duplicate member: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ReplaceBurstGroups atomically deletes every burst for the catalog and
// inserts the freshly computed set, with the same all-or-nothing semantics
// as ReplaceDuplicateGroups.
func (g *PostgresGateway) ReplaceBurstGroups(ctx context.Context, catalogID uuid.UUID, bursts []models.Burst) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin replace burst groups: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bursts WHERE catalog_id = $1`, catalogID); err != nil {
		return fmt.Errorf("catalog: clear bursts: %w", err)
	}

	for _, b := range bursts {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bursts (id, catalog_id, image_ids, image_count, start_time, end_time,
				duration_seconds, camera_make, camera_model, best_image_id, selection_method)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			b.ID, catalogID, pq.Array(b.ImageIDs), b.ImageCount, b.StartTime, b.EndTime,
			b.DurationSeconds, b.CameraMake, b.CameraModel, b.BestImageID, b.SelectionMethod)
		if err != nil {
			return fmt.Errorf("catalog: insert burst: %w", err)
		}
	}

	return tx.Commit()
}

// ClearStaleDuplicateFlags resets Image.processing_flags["duplicate_status"]
// for any image that no longer belongs to a duplicate_groups row, keeping
// the denormalized flag consistent right after a replace.
func (g *PostgresGateway) ClearStaleDuplicateFlags(ctx context.Context, catalogID uuid.UUID) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE images SET processing_flags = processing_flags - 'duplicate_status'
		WHERE catalog_id = $1
		  AND processing_flags ? 'duplicate_status'
		  AND id NOT IN (
		      SELECT dm.image_id FROM duplicate_members dm
		      JOIN duplicate_groups dg ON dg.id = dm.duplicate_group_id
		      WHERE dg.catalog_id = $1
		  )`, catalogID)
	if err != nil {
		return fmt.Errorf("catalog: clear stale duplicate flags: %w", err)
	}
	return nil
}

// Publish sends a NOTIFY on channel; the progress publisher (C6) uses this
// to fan state changes out to pq.Listener subscribers.
func (g *PostgresGateway) Publish(ctx context.Context, channel string, payload string) error {
	_, err := g.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("catalog: publish to %s: %w", channel, err)
	}
	return nil
}
