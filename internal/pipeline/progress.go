package pipeline

import (
	"context"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"tileserver/internal/domain"
)

// Tile counts get large quickly at deep zooms; group digits for the
// human-readable message.
var progressPrinter = message.NewPrinter(language.English)

// sampleTileProgress polls the tile tree while the external tiler runs,
// mapping the rendered-tile count into the 40-95% band. The status store
// clamps percentage regressions, so a sample racing the final count can
// never move a job backwards.
func (e *Executor) sampleTileProgress(ctx context.Context, jobID string, estimatedTotal int) {
	interval := e.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := e.Artifacts.CountTiles(jobID)
			if err != nil {
				e.Logger.Debug().Err(err).Str("job_id", jobID).Msg("pipeline: tile count sample failed")
				continue
			}
			pct := tileProgressPercentage(count, estimatedTotal)
			e.Status.Update(jobID, func(r *domain.StatusRecord) {
				r.Percentage = pct
				r.Message = progressPrinter.Sprintf("rendered %d of an estimated %d tiles", count, estimatedTotal)
			})
		}
	}
}

// tileProgressPercentage maps a rendered-tile count onto the 40-95 band.
func tileProgressPercentage(count, estimatedTotal int) int {
	if estimatedTotal < 1 {
		estimatedTotal = 1
	}
	pct := 40 + count*55/estimatedTotal
	if pct > 95 {
		pct = 95
	}
	if pct < 40 {
		pct = 40
	}
	return pct
}

func readyMessage(tileCount, minZoom, maxZoom int) string {
	return progressPrinter.Sprintf("ready: %d tiles across zoom levels %d-%d", tileCount, minZoom, maxZoom)
}
