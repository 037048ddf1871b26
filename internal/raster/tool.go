// Package raster wraps the external GDAL commands that do the actual
// pixel work. The adapter only invokes processes, interprets exit codes
// and surfaces stderr; it contains no raster logic of its own.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Bounds are geographic world bounds stamped onto a raw image,
// west/north/east/south in degrees.
type Bounds struct {
	West  float64
	North float64
	East  float64
	South float64
}

// WorldBounds is the full-extent equirectangular convention applied to
// every source.
var WorldBounds = Bounds{West: -180, North: 90, East: 180, South: -90}

// Runner is the contract the pipeline drives. Both operations block until
// the underlying tool exits.
type Runner interface {
	Georeference(ctx context.Context, input, output string, bounds Bounds) error
	GenerateTiles(ctx context.Context, input, outputDir string, minZoom, maxZoom int) error
}

// ExecError reports a tool run that exited non-zero, with its stderr
// carried verbatim as the failure detail.
type ExecError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if detail := strings.TrimSpace(e.Stderr); detail != "" {
		msg += ": " + detail
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// Tool runs the GDAL pair as child processes.
type Tool struct {
	translateBin string
	tilesBin     string
	logger       zerolog.Logger
}

// NewTool configures the adapter with the two executables it drives,
// typically gdal_translate and gdal2tiles.py.
func NewTool(translateBin, tilesBin string, logger zerolog.Logger) *Tool {
	return &Tool{translateBin: translateBin, tilesBin: tilesBin, logger: logger}
}

// Georeference stamps bounds onto the raw image, producing a GTiff
// intermediate the tiler can project.
func (t *Tool) Georeference(ctx context.Context, input, output string, bounds Bounds) error {
	args := []string{
		"-of", "GTiff",
		"-a_srs", "EPSG:4326",
		"-a_ullr",
		formatCoord(bounds.West), formatCoord(bounds.North),
		formatCoord(bounds.East), formatCoord(bounds.South),
		input, output,
	}
	return t.run(ctx, t.translateBin, args)
}

// GenerateTiles slices the georeferenced intermediate into a Web-Mercator
// pyramid under outputDir. The resume flag makes re-runs skip tiles that
// already exist, which is what lets an interrupted job pick up where it
// stopped.
func (t *Tool) GenerateTiles(ctx context.Context, input, outputDir string, minZoom, maxZoom int) error {
	args := []string{
		"--profile=mercator",
		"--webviewer=none",
		"--resume",
		"--zoom", fmt.Sprintf("%d-%d", minZoom, maxZoom),
		input, outputDir,
	}
	return t.run(ctx, t.tilesBin, args)
}

func (t *Tool) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	t.logger.Debug().Str("bin", bin).Strs("args", args).Msg("raster: running tool")
	if err := cmd.Run(); err != nil {
		return &ExecError{Command: bin, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
