// Package scheduler accepts conversion requests, assigns deterministic
// job identifiers and owns the fire-and-forget workers that drive the
// pipeline. Submission is idempotent: one source, one job, one live
// worker at most.
package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tileserver/internal/artifact"
	"tileserver/internal/domain"
	"tileserver/internal/jobid"
	"tileserver/internal/status"
)

// Runner is the pipeline the scheduler drives; satisfied by
// pipeline.Executor.
type Runner interface {
	Run(ctx context.Context, jobID, sourceURL string) error
}

// Scheduler maps source URLs to jobs and spawns one worker goroutine per
// active job. It never blocks on pipeline execution.
type Scheduler struct {
	runner    Runner
	status    *status.Store
	artifacts *artifact.Store
	logger    zerolog.Logger
	baseCtx   context.Context

	group   singleflight.Group
	mu      sync.Mutex
	running map[string]struct{}
}

// New builds a scheduler. Workers inherit baseCtx, so cancelling it (at
// process shutdown) tears the in-flight subprocesses down with it.
func New(baseCtx context.Context, runner Runner, st *status.Store, artifacts *artifact.Store, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:    runner,
		status:    st,
		artifacts: artifacts,
		logger:    logger,
		baseCtx:   baseCtx,
		running:   make(map[string]struct{}),
	}
}

// Submit enqueues a conversion for sourceURL and returns its job id
// without waiting for any pipeline work. Submitting a source that is
// already queued, running or finished returns the existing job untouched;
// a job in the failed state is relaunched, which thanks to the artifact
// checks resumes from the first missing stage output.
func (s *Scheduler) Submit(sourceURL string) (string, error) {
	id, err := jobid.FromSource(sourceURL)
	if err != nil {
		return "", err
	}
	norm, err := jobid.Normalize(sourceURL)
	if err != nil {
		return "", err
	}
	// singleflight collapses racing submissions of one source so the
	// create-and-spawn decision below runs once per burst.
	v, err, _ := s.group.Do(id, func() (any, error) {
		s.mu.Lock()
		if _, active := s.running[id]; active {
			s.mu.Unlock()
			return id, nil
		}
		if rec, ok := s.status.Get(id); ok && rec.Stage != domain.StageFailed {
			s.mu.Unlock()
			return id, nil
		}
		s.status.Create(id, norm)
		s.running[id] = struct{}{}
		s.mu.Unlock()
		go s.work(id, norm)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Running reports whether a worker is currently bound to jobID.
func (s *Scheduler) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

// ResumeIncomplete rescans the artifact root after a restart and
// re-submits every job directory found there. Finished pyramids fast-path
// back to ready through the stage skips; interrupted ones pick up from
// their first missing artifact. Returns the number of jobs re-submitted.
func (s *Scheduler) ResumeIncomplete() (int, error) {
	ids, err := s.artifacts.JobIDs()
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		meta, err := s.artifacts.ReadMeta(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("scheduler: skipping job dir without readable meta")
			continue
		}
		if _, err := s.Submit(meta.SourceURL); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("scheduler: resume submit failed")
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (s *Scheduler) work(jobID, sourceURL string) {
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
	}()
	s.logger.Info().Str("job_id", jobID).Str("source_url", sourceURL).Msg("scheduler: worker started")
	if err := s.runner.Run(s.baseCtx, jobID, sourceURL); err != nil {
		// The pipeline already recorded the failure into the status
		// record; nothing propagates past the worker boundary.
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("scheduler: worker finished with failure")
		return
	}
	s.logger.Info().Str("job_id", jobID).Msg("scheduler: worker finished")
}
