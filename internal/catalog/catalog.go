// Package catalog is the boundary to the external dataset catalog. The
// pipeline publishes the resolved tile URL template and zoom bounds here
// once a pyramid is complete; everything else about the catalog lives
// outside this service.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Publisher is called exactly once per job, at the finalizing stage. A
// failed publish fails the job even though its tiles exist on disk.
type Publisher interface {
	PublishTiles(ctx context.Context, jobID, tileURLTemplate string, minZoom, maxZoom int) error
}

// Entry is one published dataset in the file-backed catalog.
type Entry struct {
	JobID           string    `json:"job_id"`
	TileURLTemplate string    `json:"tile_url_template"`
	MinZoom         int       `json:"min_zoom"`
	MaxZoom         int       `json:"max_zoom"`
	PublishedAt     time.Time `json:"published_at"`
}

// FilePublisher maintains a catalog.json next to the artifact tree. It is
// the default when no catalog database is configured.
type FilePublisher struct {
	mu   sync.Mutex
	path string
}

// NewFilePublisher writes the catalog to the given file path.
func NewFilePublisher(path string) (*FilePublisher, error) {
	if path == "" {
		return nil, errors.New("catalog: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: ensure directory: %w", err)
	}
	return &FilePublisher{path: path}, nil
}

// PublishTiles upserts the entry for jobID.
func (p *FilePublisher) PublishTiles(ctx context.Context, jobID, tileURLTemplate string, minZoom, maxZoom int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := map[string]Entry{}
	data, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("catalog: decode existing catalog: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// first publish
	default:
		return fmt.Errorf("catalog: read catalog: %w", err)
	}

	entries[jobID] = Entry{
		JobID:           jobID,
		TileURLTemplate: tileURLTemplate,
		MinZoom:         minZoom,
		MaxZoom:         maxZoom,
		PublishedAt:     time.Now().UTC(),
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: encode catalog: %w", err)
	}
	if err := os.WriteFile(p.path, out, 0o644); err != nil {
		return fmt.Errorf("catalog: write catalog: %w", err)
	}
	return nil
}
