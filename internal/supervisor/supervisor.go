// Package supervisor implements the stuck-task supervisor: a periodic
// scan that recovers items whose updated_at exceeds a stage-specific
// timeout. Downloads are failed outright (a stuck download
// usually means an outbound block — retrying reproduces the failure);
// transcribing and summarizing items are reset to pending so the idempotent
// stage re-entry short-circuits them back to where they stopped. The
// transcription timeout is derived from the audio file on disk, not a
// cached column, because the WAV is the ground truth for what ASR will
// actually process.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/metrics"
	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/paths"
	"github.com/sunyych/ingestd/internal/store"
)

// RunningSet is the scheduler-side view the supervisor consults so it never
// recovers a row a live executor still owns.
type RunningSet interface {
	IsRunning(id string) bool
}

// stuckStages are the stages the supervisor scans. Converting is
// deliberately absent: conversion is short, and already-downloaded data
// should not be retried from scratch.
var stuckStages = []model.Stage{model.StageDownloading, model.StageTranscribing, model.StageSummarizing}

// Supervisor scans the Job Store for stuck items once per tick.
type Supervisor struct {
	Items   *store.ItemRepository
	Prober  capability.DurationProber
	Layout  *paths.Layout
	Running RunningSet

	Interval    time.Duration
	BaseTimeout time.Duration

	Log zerolog.Logger
}

// New builds a Supervisor with the default tick interval and base timeout.
func New(items *store.ItemRepository, prober capability.DurationProber, layout *paths.Layout, running RunningSet, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		Items:       items,
		Prober:      prober,
		Layout:      layout,
		Running:     running,
		Interval:    constants.SupervisorTickInterval,
		BaseTimeout: constants.StuckBaseTimeout,
		Log:         log,
	}
}

// Run ticks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.Log.Error().Err(err).Msg("supervisor: scan failed")
			}
		}
	}
}

// Scan performs one recovery pass. The candidate query uses the base
// timeout as its cutoff — the shortest timeout any stage can have — and the
// per-item stage timeout is then applied exactly.
func (s *Supervisor) Scan(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.BaseTimeout)
	candidates, err := s.Items.ListStuckCandidates(stuckStages, cutoff)
	if err != nil {
		return err
	}

	for _, it := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.Running != nil && s.Running.IsRunning(it.ID) {
			continue
		}

		stuckFor := s.stuckDuration(it)
		timeout := s.timeoutFor(ctx, it)
		if stuckFor <= timeout {
			continue
		}
		s.recover(it, stuckFor, timeout)
	}
	return nil
}

// stuckDuration is how long the item has gone without a row update,
// falling back to created_at for rows never touched.
func (s *Supervisor) stuckDuration(it *model.Item) time.Duration {
	ref := it.CreatedAt
	if it.UpdatedAt != nil {
		ref = *it.UpdatedAt
	}
	return time.Since(ref)
}

// timeoutFor computes the stage-specific timeout. Transcribing scales with
// the probed audio duration: clamp(duration × SPEED + BUFFER, MIN, MAX),
// with a 6h fallback when the WAV cannot be probed.
func (s *Supervisor) timeoutFor(ctx context.Context, it *model.Item) time.Duration {
	if it.Stage != model.StageTranscribing {
		return s.BaseTimeout
	}

	wavPath := s.Layout.AudioPath(it.SourceVideoID)
	seconds, ok, err := s.Prober.ProbeDuration(ctx, wavPath)
	if err != nil || !ok || seconds <= 0 {
		return constants.TranscriptionProbeFallback
	}

	estimated := time.Duration(seconds*constants.TranscriptionSpeedFactor)*time.Second + constants.TranscriptionBufferTime
	if estimated < constants.MinTranscriptionTimeout {
		return constants.MinTranscriptionTimeout
	}
	if estimated > constants.MaxTranscriptionTimeout {
		return constants.MaxTranscriptionTimeout
	}
	return estimated
}

// recover applies the per-stage recovery policy via an optimistic
// stage-guarded update, so a racing executor that already moved the row on
// wins.
func (s *Supervisor) recover(it *model.Item, stuckFor, timeout time.Duration) {
	switch it.Stage {
	case model.StageDownloading:
		msg := fmt.Sprintf(
			"Download stuck for %s (timeout: %s). Not retried automatically: a stuck download usually means the source is blocking outbound requests.",
			stuckFor.Round(time.Second), timeout.Round(time.Second),
		)
		claimed, err := s.Items.ClaimAndUpdate(it.ID, model.StageDownloading, model.StageFailed, it.Progress, msg)
		if err != nil {
			s.Log.Error().Err(err).Str("item", it.ID).Msg("supervisor: failed to mark stuck download")
			return
		}
		if claimed {
			metrics.SupervisorRecoveries.WithLabelValues(string(model.StageDownloading), string(model.StageFailed)).Inc()
			s.Log.Warn().Str("item", it.ID).Dur("stuck_for", stuckFor).Msg("supervisor: stuck download marked failed")
		}

	case model.StageTranscribing, model.StageSummarizing:
		msg := fmt.Sprintf("Task was stuck in %s for %s, reset to pending", it.Stage, stuckFor.Round(time.Second))
		claimed, err := s.Items.ClaimAndUpdate(it.ID, it.Stage, model.StagePending, 0, msg)
		if err != nil {
			s.Log.Error().Err(err).Str("item", it.ID).Msg("supervisor: failed to reset stuck task")
			return
		}
		if claimed {
			metrics.SupervisorRecoveries.WithLabelValues(string(it.Stage), string(model.StagePending)).Inc()
			s.Log.Warn().Str("item", it.ID).Str("stage", string(it.Stage)).Dur("stuck_for", stuckFor).Dur("timeout", timeout).Msg("supervisor: stuck task reset to pending")
		}
	}
}
