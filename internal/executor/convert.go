package executor

import (
	"context"

	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/paths"
)

// Convert runs the convert stage: extract mono
// 16 kHz PCM WAV from the downloaded media file, stem matching the item's
// source_video_id, then transition to transcribing.
func (e *Executor) Convert(ctx context.Context, it *model.Item) error {
	it.Stage = model.StageConverting
	it.Progress = constants.ProgressConvertStart
	if err := e.Items.Update(it); err != nil {
		return err
	}

	wavPath := e.Layout.AudioPath(it.SourceVideoID)

	// Re-entry short-circuit: WAV already on disk means a prior pass
	// converted it.
	if paths.Exists(wavPath) {
		e.Log.Info().Str("item", it.ID).Msg("executor: convert short-circuit, wav already present")
		it.Progress = constants.ProgressConvertEnd
		it.Stage = model.StageTranscribing
		return e.Items.Update(it)
	}

	mediaPath, found := e.Layout.FindMedia(it.SourceVideoID)
	if !found {
		it.Stage = model.StageFailed
		it.ErrorMessage = "convert: no downloaded media file found for " + it.SourceVideoID
		return e.Items.Update(it)
	}

	if err := e.Converter.ConvertToAudio(ctx, mediaPath, wavPath); err != nil {
		it.Stage = model.StageFailed
		it.ErrorMessage = err.Error()
		return e.Items.Update(it)
	}

	it.Progress = constants.ProgressConvertEnd
	it.Stage = model.StageTranscribing
	return e.Items.Update(it)
}
