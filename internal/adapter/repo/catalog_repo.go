package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is the slice of a pgx pool the repository needs.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
}

// CatalogRepositoryPG publishes tile metadata into the dataset catalog
// database. It implements catalog.Publisher.
type CatalogRepositoryPG struct {
	db Executor
}

// NewCatalogRepository creates a catalog repository backed by PostgreSQL.
func NewCatalogRepository(db Executor) *CatalogRepositoryPG {
	return &CatalogRepositoryPG{db: db}
}

// PublishTiles upserts the tile URL template and zoom bounds for a job.
func (r *CatalogRepositoryPG) PublishTiles(ctx context.Context, jobID, tileURLTemplate string, minZoom, maxZoom int) error {
	if r == nil || r.db == nil {
		return errors.New("catalog repository not configured")
	}
	if jobID == "" || tileURLTemplate == "" {
		return errors.New("job id and tile url template are required")
	}
	query := `
INSERT INTO dataset_tiles (job_id, tile_url_template, min_zoom, max_zoom, published_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (job_id) DO UPDATE
SET tile_url_template = EXCLUDED.tile_url_template,
    min_zoom = EXCLUDED.min_zoom,
    max_zoom = EXCLUDED.max_zoom,
    published_at = NOW();
`
	if _, err := r.db.Exec(ctx, query, jobID, tileURLTemplate, minZoom, maxZoom); err != nil {
		return fmt.Errorf("publish tiles: %w", err)
	}
	return nil
}
