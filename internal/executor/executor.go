// Package executor implements the stage executors: download, convert,
// transcribe and summarize. Each is idempotent and crash-resumable —
// re-entry checks for artifacts already on disk and short-circuits
// forward, so a recovered or restarted item never redoes work that
// survived on disk.
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/gate"
	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/paths"
	"github.com/sunyych/ingestd/internal/store"
)

// Executor wires the capability adapters and the Job Store together; one
// instance is shared by every stage, since none of them hold per-item
// state across calls.
type Executor struct {
	Items     *store.ItemRepository
	Playlists *store.PlaylistRepository
	Layout    *paths.Layout
	Gate      *gate.Gate

	Downloader capability.Downloader
	Converter  capability.AudioConverter
	Prober     capability.DurationProber
	Pipeline   capability.AudioPipeline
	Transcriber capability.TranscriptionService
	LLM        capability.LLM

	MaxDownloadAttempts   int
	DownloadBackoffSecond int
	SummaryLanguage       string

	Log zerolog.Logger
}

// clampProgress clamps v into [lo,hi], the progress band a stage is
// permitted to write into.
func clampProgress(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// saveErr persists err's message on it without changing stage, used by the
// summarize stage's llm_transient retry-in-place path.
func (e *Executor) saveErr(it *model.Item, err error) error {
	it.ErrorMessage = err.Error()
	return e.Items.Update(it)
}

// now returns the current UTC time; a thin seam kept purely so every stage
// stamps timestamps the same way.
func now() time.Time { return time.Now().UTC() }

// contextWithTimeout derives a context bounded by d, or a plain cancelable
// context when d is not positive.
func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
