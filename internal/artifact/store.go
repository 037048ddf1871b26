// Package artifact lays out the per-job directory tree that the pipeline
// reads and writes. The layout doubles as the resumability contract: a
// stage whose artifact is present on disk does not run again.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tileserver/internal/jobid"
	"tileserver/internal/tiles"
)

const (
	rawName   = "source.img"
	geoName   = "georeferenced.tif"
	tilesName = "tiles"
	indexName = "index.json"
	metaName  = "job.json"
)

// Index is the finalize-stage record describing a finished pyramid. Its
// presence marks the tile tree as complete.
type Index struct {
	JobID     string    `json:"job_id"`
	SourceURL string    `json:"source_url"`
	MinZoom   int       `json:"min_zoom"`
	MaxZoom   int       `json:"max_zoom"`
	TileCount int       `json:"tile_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta is written when a job directory is first created, so an interrupted
// pipeline can be resumed after a restart without any in-memory state.
type Meta struct {
	JobID     string    `json:"job_id"`
	SourceURL string    `json:"source_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists job artifacts onto the local filesystem, one directory
// per job identifier.
type Store struct {
	basePath string
}

// NewStore initializes a Store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("artifact: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure base path: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *Store) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// JobDir returns the directory holding every artifact of one job.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.basePath, jobID)
}

// RawPath is the raw-download slot.
func (s *Store) RawPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), rawName)
}

// GeoreferencedPath is the georeferenced intermediate slot.
func (s *Store) GeoreferencedPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), geoName)
}

// TileDir is the root of the {z}/{x}/{y} tile tree.
func (s *Store) TileDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), tilesName)
}

// TilePath returns the on-disk path of one tile.
func (s *Store) TilePath(jobID string, z, x, y int) string {
	return filepath.Join(s.TileDir(jobID), filepath.FromSlash(tiles.TileRelPath(z, x, y)))
}

func (s *Store) indexPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), indexName)
}

func (s *Store) metaPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), metaName)
}

// EnsureJobDir creates the job directory and records the job meta on first
// use. An existing meta file is left untouched.
func (s *Store) EnsureJobDir(jobID, sourceURL string) error {
	if s == nil {
		return errors.New("artifact: no store configured")
	}
	if !jobid.Valid(jobID) {
		return fmt.Errorf("artifact: invalid job id %q", jobID)
	}
	if err := os.MkdirAll(s.JobDir(jobID), 0o755); err != nil {
		return fmt.Errorf("artifact: ensure job dir: %w", err)
	}
	if _, err := os.Stat(s.metaPath(jobID)); err == nil {
		return nil
	}
	meta := Meta{JobID: jobID, SourceURL: sourceURL, CreatedAt: time.Now().UTC()}
	return writeJSON(s.metaPath(jobID), meta)
}

// ReadMeta loads the job meta record.
func (s *Store) ReadMeta(jobID string) (Meta, error) {
	var meta Meta
	if err := readJSON(s.metaPath(jobID), &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// HasRaw reports whether the raw download completed. WriteRaw renames a
// temp file into the slot, so presence implies completeness.
func (s *Store) HasRaw(jobID string) bool {
	return fileExists(s.RawPath(jobID))
}

// HasGeoreferenced reports whether the georeferenced intermediate exists.
func (s *Store) HasGeoreferenced(jobID string) bool {
	return fileExists(s.GeoreferencedPath(jobID))
}

// HasIndex reports whether the pyramid was completed and indexed. A tile
// directory without an index is a partial run.
func (s *Store) HasIndex(jobID string) bool {
	return fileExists(s.indexPath(jobID))
}

// WriteRaw streams the source image into the raw slot. The bytes land in
// a temp file first and are renamed into place, so a crashed download
// never masquerades as a complete one.
func (s *Store) WriteRaw(ctx context.Context, jobID string, r io.Reader) (int64, error) {
	if s == nil {
		return 0, errors.New("artifact: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst := s.RawPath(jobID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("artifact: ensure job dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), rawName+".*")
	if err != nil {
		return 0, fmt.Errorf("artifact: create temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("artifact: write raw download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("artifact: finalize raw download: %w", err)
	}
	return n, nil
}

// CountTiles walks the tile tree and counts rendered tiles. Used by the
// progress sampler while the external tool runs.
func (s *Store) CountTiles(jobID string) (int, error) {
	root := s.TileDir(jobID)
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".png") {
			count++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("artifact: count tiles: %w", err)
	}
	return count, nil
}

// WriteIndex records the finished pyramid.
func (s *Store) WriteIndex(jobID string, idx Index) error {
	return writeJSON(s.indexPath(jobID), idx)
}

// ReadIndex loads the pyramid index.
func (s *Store) ReadIndex(jobID string) (Index, error) {
	var idx Index
	if err := readJSON(s.indexPath(jobID), &idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}

// JobIDs lists every job directory under the store root. Directories that
// do not look like job identifiers are skipped.
func (s *Store) JobIDs() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("artifact: list jobs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && jobid.Valid(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("artifact: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("artifact: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
