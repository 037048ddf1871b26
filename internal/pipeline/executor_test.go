package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tileserver/internal/artifact"
	"tileserver/internal/domain"
	"tileserver/internal/jobid"
	"tileserver/internal/raster"
	"tileserver/internal/status"
)

// encodePNG renders a gray image of the given size for download fixtures.
func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, image.NewGray(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type fakeRunner struct {
	mu          sync.Mutex
	georefCalls int
	tileCalls   int
	georefErr   error
	tilesErr    error
	tilesFn     func(outputDir string) error
}

func (f *fakeRunner) Georeference(ctx context.Context, input, output string, bounds raster.Bounds) error {
	f.mu.Lock()
	f.georefCalls++
	f.mu.Unlock()
	if f.georefErr != nil {
		return f.georefErr
	}
	return os.WriteFile(output, []byte("GTIFF"), 0o644)
}

func (f *fakeRunner) GenerateTiles(ctx context.Context, input, outputDir string, minZoom, maxZoom int) error {
	f.mu.Lock()
	f.tileCalls++
	f.mu.Unlock()
	if f.tilesFn != nil {
		return f.tilesFn(outputDir)
	}
	if f.tilesErr != nil {
		return f.tilesErr
	}
	for z := minZoom; z <= maxZoom; z++ {
		if err := writeTile(outputDir, z); err != nil {
			return err
		}
	}
	return nil
}

func writeTile(outputDir string, z int) error {
	dir := filepath.Join(outputDir, itoa(z), "0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "0.png"), []byte("png"), 0o644)
}

func itoa(v int) string {
	return string(rune('0' + v))
}

type publishCall struct {
	jobID   string
	tileURL string
	minZoom int
	maxZoom int
}

type stubPublisher struct {
	mu    sync.Mutex
	err   error
	calls []publishCall
}

func (p *stubPublisher) PublishTiles(ctx context.Context, jobID, tileURLTemplate string, minZoom, maxZoom int) error {
	p.mu.Lock()
	p.calls = append(p.calls, publishCall{jobID, tileURLTemplate, minZoom, maxZoom})
	p.mu.Unlock()
	return p.err
}

type fixture struct {
	exec      *Executor
	store     *artifact.Store
	status    *status.Store
	runner    *fakeRunner
	publisher *stubPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	runner := &fakeRunner{}
	publisher := &stubPublisher{}
	st := status.NewStore()
	return &fixture{
		exec: &Executor{
			Artifacts:      store,
			Raster:         runner,
			Status:         st,
			Catalog:        publisher,
			TileBaseURL:    "http://localhost:8080/tiles",
			SampleInterval: 5 * time.Millisecond,
			Logger:         zerolog.Nop(),
		},
		store:     store,
		status:    st,
		runner:    runner,
		publisher: publisher,
	}
}

// run submits the source and drives the pipeline synchronously the way a
// scheduler worker would.
func (f *fixture) run(t *testing.T, sourceURL string) (string, error) {
	t.Helper()
	id, err := jobid.FromSource(sourceURL)
	if err != nil {
		t.Fatalf("FromSource error: %v", err)
	}
	f.status.Create(id, sourceURL)
	return id, f.exec.Run(context.Background(), id, sourceURL)
}

func TestRunHappyPath(t *testing.T) {
	png4096 := encodePNG(t, 4096, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png4096)
	}))
	defer srv.Close()

	f := newFixture(t)
	id, err := f.run(t, srv.URL+"/world.png")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	rec, ok := f.status.Get(id)
	if !ok {
		t.Fatal("status record missing")
	}
	if rec.Stage != domain.StageReady || rec.Percentage != 100 {
		t.Fatalf("unexpected terminal status: %+v", rec)
	}
	if rec.MinZoom != 0 || rec.MaxZoom != 4 {
		t.Fatalf("zoom range = %d-%d, want 0-4", rec.MinZoom, rec.MaxZoom)
	}
	wantURL := "http://localhost:8080/tiles/" + id + "/{z}/{x}/{y}.png"
	if rec.TileURL != wantURL {
		t.Fatalf("tile url = %q, want %q", rec.TileURL, wantURL)
	}
	if rec.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}

	idx, err := f.store.ReadIndex(id)
	if err != nil {
		t.Fatalf("ReadIndex error: %v", err)
	}
	if idx.MinZoom != 0 || idx.MaxZoom != 4 || idx.TileCount != 5 {
		t.Fatalf("unexpected index: %+v", idx)
	}

	if len(f.publisher.calls) != 1 {
		t.Fatalf("publisher called %d times", len(f.publisher.calls))
	}
	call := f.publisher.calls[0]
	if call.jobID != id || call.tileURL != wantURL || call.minZoom != 0 || call.maxZoom != 4 {
		t.Fatalf("unexpected publish call: %+v", call)
	}
}

func TestRunDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFixture(t)
	id, err := f.run(t, srv.URL+"/missing.png")
	if err == nil {
		t.Fatal("expected download failure")
	}
	rec, _ := f.status.Get(id)
	if rec.Stage != domain.StageFailed {
		t.Fatalf("stage = %s, want failed", rec.Stage)
	}
	if !strings.Contains(rec.ErrorMessage, "404") {
		t.Fatalf("error detail %q does not carry the HTTP status", rec.ErrorMessage)
	}
	if f.runner.georefCalls != 0 || f.runner.tileCalls != 0 {
		t.Fatal("raster tool invoked after a failed download")
	}
	if _, err := os.Stat(f.store.TileDir(id)); !os.IsNotExist(err) {
		t.Fatal("tile directory created for a failed download")
	}
}

func TestRunDownloadNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	f := newFixture(t)
	id, err := f.run(t, srv.URL+"/page.html")
	if err == nil {
		t.Fatal("expected non-image failure")
	}
	rec, _ := f.status.Get(id)
	if rec.Stage != domain.StageFailed {
		t.Fatalf("stage = %s, want failed", rec.Stage)
	}
	if !strings.Contains(rec.ErrorMessage, "content-type") {
		t.Fatalf("error detail %q does not mention the content type", rec.ErrorMessage)
	}
	if f.store.HasRaw(id) {
		t.Fatal("raw slot populated with non-image bytes")
	}
}

func TestRunUndecodableImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("these are not png bytes"))
	}))
	defer srv.Close()

	f := newFixture(t)
	id, err := f.run(t, srv.URL+"/bad.png")
	if err == nil {
		t.Fatal("expected probe failure")
	}
	rec, _ := f.status.Get(id)
	if rec.Stage != domain.StageFailed {
		t.Fatalf("stage = %s, want failed", rec.Stage)
	}
}

func TestRunToolFailureSurfacesStderr(t *testing.T) {
	srcPNG := encodePNG(t, 512, 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(srcPNG)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.runner.tilesFn = func(outputDir string) error {
		// Leave a partial tree behind, the way a crashed tiler would.
		if err := writeTile(outputDir, 0); err != nil {
			return err
		}
		return &raster.ExecError{
			Command: "gdal2tiles",
			Stderr:  "ERROR 2: out of memory",
			Err:     errors.New("exit status 2"),
		}
	}
	id, err := f.run(t, srv.URL+"/map.png")
	if err == nil {
		t.Fatal("expected tiling failure")
	}
	rec, _ := f.status.Get(id)
	if rec.Stage != domain.StageFailed {
		t.Fatalf("stage = %s, want failed", rec.Stage)
	}
	if !strings.Contains(rec.ErrorMessage, "out of memory") {
		t.Fatalf("stderr not surfaced: %q", rec.ErrorMessage)
	}
	// Partial tiles stay on disk for a future resume.
	count, err := f.store.CountTiles(id)
	if err != nil || count != 1 {
		t.Fatalf("partial tiles = %d, %v", count, err)
	}
	if f.store.HasIndex(id) {
		t.Fatal("index written for a failed tiling run")
	}
}

func TestRunResumeSkipsCompletedStages(t *testing.T) {
	hits := 0
	srcPNG := encodePNG(t, 512, 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(srcPNG)
	}))
	defer srv.Close()
	sourceURL := srv.URL + "/map.png"

	f := newFixture(t)
	id, err := jobid.FromSource(sourceURL)
	if err != nil {
		t.Fatalf("FromSource error: %v", err)
	}
	// Simulate a worker killed mid generating_tiles: raw and
	// georeferenced artifacts exist, tiles are partial, no index.
	if err := f.store.EnsureJobDir(id, sourceURL); err != nil {
		t.Fatalf("EnsureJobDir error: %v", err)
	}
	if _, err := f.store.WriteRaw(context.Background(), id, bytes.NewReader(srcPNG)); err != nil {
		t.Fatalf("WriteRaw error: %v", err)
	}
	if err := os.WriteFile(f.store.GeoreferencedPath(id), []byte("GTIFF"), 0o644); err != nil {
		t.Fatalf("write georeferenced: %v", err)
	}
	if err := writeTile(f.store.TileDir(id), 0); err != nil {
		t.Fatalf("write partial tile: %v", err)
	}

	f.status.Create(id, sourceURL)
	if err := f.exec.Run(context.Background(), id, sourceURL); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if hits != 0 {
		t.Fatalf("source re-downloaded %d times on resume", hits)
	}
	if f.runner.georefCalls != 0 {
		t.Fatal("georeference re-ran on resume")
	}
	if f.runner.tileCalls != 1 {
		t.Fatalf("tile generation ran %d times, want 1", f.runner.tileCalls)
	}
	rec, _ := f.status.Get(id)
	if rec.Stage != domain.StageReady || rec.Percentage != 100 {
		t.Fatalf("resumed job did not reach ready: %+v", rec)
	}
}

func TestRunSkipsTilingWhenIndexed(t *testing.T) {
	srcPNG := encodePNG(t, 512, 512)
	f := newFixture(t)
	sourceURL := "https://example.com/map.png"
	id, _ := jobid.FromSource(sourceURL)
	if err := f.store.EnsureJobDir(id, sourceURL); err != nil {
		t.Fatalf("EnsureJobDir error: %v", err)
	}
	if _, err := f.store.WriteRaw(context.Background(), id, bytes.NewReader(srcPNG)); err != nil {
		t.Fatalf("WriteRaw error: %v", err)
	}
	if err := os.WriteFile(f.store.GeoreferencedPath(id), []byte("GTIFF"), 0o644); err != nil {
		t.Fatalf("write georeferenced: %v", err)
	}
	if err := writeTile(f.store.TileDir(id), 0); err != nil {
		t.Fatalf("write tile: %v", err)
	}
	if err := f.store.WriteIndex(id, artifact.Index{JobID: id, MinZoom: 0, MaxZoom: 1, TileCount: 1}); err != nil {
		t.Fatalf("WriteIndex error: %v", err)
	}

	f.status.Create(id, sourceURL)
	if err := f.exec.Run(context.Background(), id, sourceURL); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if f.runner.tileCalls != 0 {
		t.Fatal("tiling re-ran for an indexed pyramid")
	}
	if len(f.publisher.calls) != 1 {
		t.Fatalf("publisher called %d times", len(f.publisher.calls))
	}
}

func TestRunPublishFailureIsTerminal(t *testing.T) {
	srcPNG := encodePNG(t, 512, 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(srcPNG)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.publisher.err = errors.New("catalog unavailable")
	id, err := f.run(t, srv.URL+"/map.png")
	if err == nil {
		t.Fatal("expected publish failure")
	}
	rec, _ := f.status.Get(id)
	if rec.Stage != domain.StageFailed {
		t.Fatalf("stage = %s, want failed", rec.Stage)
	}
	if !strings.Contains(rec.ErrorMessage, "catalog unavailable") {
		t.Fatalf("publish error not surfaced: %q", rec.ErrorMessage)
	}
	if rec.Percentage == 100 {
		t.Fatal("failed job reports 100 percent")
	}
	// Tiles and index remain reusable for a resumed run.
	if !f.store.HasIndex(id) {
		t.Fatal("index removed after publish failure")
	}
}
