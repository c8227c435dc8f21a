package executor

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/paths"
)

// segmentsFile mirrors the `<video_id>_segments.json` shape:
// {language, segments:[{start,end,text}]}.
type segmentsFile struct {
	Language string        `json:"language"`
	Segments []segmentJSON `json:"segments"`
}

type segmentJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// sentinelRunnerFailure marks a transcript lost to a runner failure.
const sentinelRunnerFailure = "Transcription unavailable (runner failed or timeout)"

// sentinelASRUnavailable covers the asr_unavailable row with the same
// sentinel prefix (GLOSSARY "Sentinel transcript").
const sentinelASRUnavailable = "Transcription unavailable (ASR capability unavailable)"

// Transcribe runs the transcribe stage.
func (e *Executor) Transcribe(ctx context.Context, it *model.Item) error {
	it.Stage = model.StageTranscribing
	if it.Progress < constants.ProgressTranscribeStart {
		it.Progress = constants.ProgressTranscribeStart
	}
	if err := e.Items.Update(it); err != nil {
		return err
	}

	transcriptPath := e.Layout.TranscriptPath(it.SourceVideoID)

	// (a) Re-entry short-circuit: non-sentinel transcript already on disk.
	if paths.Exists(transcriptPath) {
		if data, err := os.ReadFile(transcriptPath); err == nil && !model.IsSentinelTranscript(string(data)) {
			e.Log.Info().Str("item", it.ID).Msg("executor: transcribe short-circuit, transcript already present")
			it.Transcript = string(data)
			it.TranscriptPath = transcriptPath
			it.Progress = constants.ProgressSummarizeStart
			it.Stage = model.StageSummarizing
			return e.Items.Update(it)
		}
	}

	wavPath := e.Layout.AudioPath(it.SourceVideoID)

	// (b) Run the audio pipeline to slice speech chunks.
	chunks, err := e.Pipeline.RunPipeline(ctx, wavPath)
	if err != nil {
		it.Stage = model.StageFailed
		it.ErrorMessage = err.Error()
		return e.Items.Update(it)
	}

	var rawText string
	var segments []capability.TranscriptSegment
	language := it.LanguageHint

	if len(chunks) == 0 {
		// No speech detected: transcript stays empty, proceed to summarize.
		e.Log.Info().Str("item", it.ID).Msg("executor: no speech detected")
	} else {
		totalDuration, _, _ := e.Prober.ProbeDuration(ctx, wavPath)
		onProgress := e.throttledProgressCallback(it, totalDuration)

		result, terr := e.Transcriber.Transcribe(ctx, chunks, language, onProgress)
		if terr != nil {
			sentinel := sentinelASRUnavailable
			if apperr.IsRunnerFailure(terr) {
				sentinel = sentinelRunnerFailure
			}
			e.Log.Warn().Err(terr).Str("item", it.ID).Msg("executor: transcription capability failed, writing sentinel transcript")
			rawText = sentinel
		} else {
			rawText = result.Text
			segments = result.Segments
			if language == "" {
				language = result.Language
			}
		}
	}

	// (d) Post-process through the LLM to insert punctuation/paragraphs;
	// keep the raw text on failure. Empty text and sentinel transcripts
	// are written as they are, without formatting.
	finalText := rawText
	if rawText != "" && !model.IsSentinelTranscript(rawText) && e.LLM != nil {
		if formatted, ferr := e.LLM.FormatTranscript(ctx, rawText, e.summaryLanguage(it)); ferr == nil {
			finalText = formatted
		} else {
			e.Log.Warn().Err(ferr).Str("item", it.ID).Msg("executor: format_transcript failed, keeping raw text")
		}
	}

	if err := os.WriteFile(transcriptPath, []byte(finalText), 0o644); err != nil {
		it.Stage = model.StageFailed
		it.ErrorMessage = err.Error()
		return e.Items.Update(it)
	}
	it.TranscriptPath = transcriptPath
	it.Transcript = finalText
	it.LanguageHint = language

	if len(segments) > 0 {
		segPath := e.Layout.SegmentsPath(it.SourceVideoID)
		sj := segmentsFile{Language: language}
		for _, s := range segments {
			sj.Segments = append(sj.Segments, segmentJSON{Start: s.Start, End: s.End, Text: s.Text})
		}
		if data, merr := json.Marshal(sj); merr == nil {
			_ = os.WriteFile(segPath, data, 0o644)
		}
	}

	it.Progress = constants.ProgressSummarizeStart
	it.Stage = model.StageSummarizing
	return e.Items.Update(it)
}

// throttledProgressCallback remaps ASR's fraction-complete callback into
// the 60-90 progress band and caps write frequency at one update per 10s
// (30s for audio over an hour) to avoid write amplification.
func (e *Executor) throttledProgressCallback(it *model.Item, totalDurationSeconds float64) func(fraction float64) {
	interval := 10 * time.Second
	if totalDurationSeconds > 3600 {
		interval = 30 * time.Second
	}
	var lastUpdate time.Time
	return func(fraction float64) {
		now := time.Now()
		if !lastUpdate.IsZero() && now.Sub(lastUpdate) < interval {
			return
		}
		lastUpdate = now
		it.Progress = clampProgress(constants.ProgressASRStart+fraction*(constants.ProgressASREnd-constants.ProgressASRStart), constants.ProgressASRStart, constants.ProgressASREnd)
		_ = e.Items.Update(it)
	}
}

// summaryLanguage resolves the item's preferred language, defaulting to
// the system default.
func (e *Executor) summaryLanguage(it *model.Item) string {
	if it.LanguageHint != "" {
		return it.LanguageHint
	}
	if e.SummaryLanguage != "" {
		return e.SummaryLanguage
	}
	return constants.DefaultSummaryLanguage
}
