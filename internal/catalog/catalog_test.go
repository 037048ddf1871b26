package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFilePublisherUpsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	p, err := NewFilePublisher(path)
	if err != nil {
		t.Fatalf("NewFilePublisher error: %v", err)
	}
	ctx := context.Background()
	if err := p.PublishTiles(ctx, "job-a", "http://localhost/tiles/job-a/{z}/{x}/{y}.png", 0, 3); err != nil {
		t.Fatalf("PublishTiles error: %v", err)
	}
	if err := p.PublishTiles(ctx, "job-b", "http://localhost/tiles/job-b/{z}/{x}/{y}.png", 0, 5); err != nil {
		t.Fatalf("PublishTiles error: %v", err)
	}
	// Re-publishing a job replaces its entry.
	if err := p.PublishTiles(ctx, "job-a", "http://localhost/tiles/job-a/{z}/{x}/{y}.png", 0, 4); err != nil {
		t.Fatalf("PublishTiles error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read catalog: %v", err)
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries["job-a"].MaxZoom != 4 {
		t.Fatalf("job-a not updated: %+v", entries["job-a"])
	}
}

func TestFilePublisherRequiresPath(t *testing.T) {
	if _, err := NewFilePublisher(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
