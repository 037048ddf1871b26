package domain

import "time"

// Stage enumerates pipeline lifecycle states. A job walks the stages in
// order and can drop into StageFailed from any non-terminal state.
type Stage string

const (
	StageQueued          Stage = "queued"
	StageDownloading     Stage = "downloading"
	StageGeoreferencing  Stage = "georeferencing"
	StageGeneratingTiles Stage = "generating_tiles"
	StageFinalizing      Stage = "finalizing"
	StageReady           Stage = "ready"
	StageFailed          Stage = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s Stage) Terminal() bool {
	return s == StageReady || s == StageFailed
}

// StatusRecord captures the externally observable state of one conversion
// job. Records are owned by the status store; callers always operate on
// copies.
type StatusRecord struct {
	JobID        string
	SourceURL    string
	Stage        Stage
	Percentage   int
	Message      string
	ErrorMessage string
	MinZoom      int
	MaxZoom      int
	TileURL      string
	StartedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}
