package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/model"
)

// looseFormatSelector is the "best video + best audio, merged" fallback
// tried once when the source rejects the default format selector.
const looseFormatSelector = "bestvideo+bestaudio/best"

// Download runs the download stage for it. it must
// be in StagePending or StageDownloading; the caller (Pool Scheduler) owns
// the running-set discipline that prevents concurrent re-entry for the
// same id.
func (e *Executor) Download(ctx context.Context, it *model.Item) error {
	it.Stage = model.StageDownloading
	it.Progress = constants.ProgressDownloadStart
	if err := e.Items.Update(it); err != nil {
		return err
	}

	if it.SourceVideoID == "" {
		it.SourceVideoID = model.ExtractVideoID(it.URL)
	}

	// Re-entry short-circuit: a media file already on disk for this id means
	// a prior attempt downloaded it; adopt it rather than re-downloading.
	if it.SourceVideoID != "" {
		if _, found := e.Layout.FindMedia(it.SourceVideoID); found {
			e.Log.Info().Str("item", it.ID).Msg("executor: download short-circuit, media already present")
			return e.afterDownloadSuccess(ctx, it, nil)
		}
	}

	if err := e.Gate.WaitIfPaused(ctx); err != nil {
		return err
	}
	if err := e.Gate.WaitForSpacing(ctx); err != nil {
		return err
	}

	meta, err := e.attemptDownload(ctx, it, "")
	if err != nil {
		if apperr.IsFormatUnavailable(err) {
			e.Log.Warn().Str("item", it.ID).Msg("executor: format unavailable, retrying with looser selector")
			meta, err = e.attemptDownload(ctx, it, looseFormatSelector)
		}
	}
	if err != nil {
		return e.handleDownloadError(ctx, it, err)
	}

	e.Gate.ResetBlockedCounterOnSuccess()
	return e.afterDownloadSuccess(ctx, it, meta)
}

// attemptDownload runs the pre-check + download capability calls and
// applies the bounded exponential-back-off retry policy for
// retryable_network errors.
func (e *Executor) attemptDownload(ctx context.Context, it *model.Item, formatSelector string) (*capability.DownloadMetadata, error) {
	live, err := e.Downloader.PrecheckLive(ctx, it.URL)
	if err != nil {
		return nil, err
	}
	if live {
		return nil, apperr.NewWithCode("executor.Download", apperr.ErrLiveStream, apperr.CodeLiveStream, "live stream not supported")
	}

	attempts := e.MaxDownloadAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(e.DownloadBackoffSecond) * time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		meta, err := e.Downloader.Download(ctx, it.URL, formatSelector, func(p capability.DownloadProgress) {
			it.Progress = clampProgress(p.Fraction*constants.ProgressDownloadEnd, constants.ProgressDownloadStart, constants.ProgressDownloadEnd)
			_ = e.Items.Update(it)
		})
		if err == nil {
			return meta, nil
		}
		lastErr = err
		if !apperr.IsRetryableNetwork(err) || attempt == attempts-1 {
			return nil, err
		}
		wait := backoff * time.Duration(1<<uint(attempt))
		e.Log.Warn().Str("item", it.ID).Int("attempt", attempt+1).Dur("backoff", wait).Msg("executor: retryable download error, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// handleDownloadError applies the download error taxonomy: blocked errors
// trip the Gate, mark the item failed and are returned to the caller;
// membership-only marks it unavailable; live streams and everything else
// mark it failed with the message.
func (e *Executor) handleDownloadError(ctx context.Context, it *model.Item, err error) error {
	switch {
	case apperr.IsBlocked(err):
		e.Gate.RegisterBlockedFailure(err.Error())
		it.Stage = model.StageFailed
		it.ErrorMessage = err.Error()
		_ = e.Items.Update(it)
		return err
	case apperr.IsMembershipOnly(err):
		it.Stage = model.StageUnavailable
		it.ErrorMessage = err.Error()
		return e.Items.Update(it)
	case apperr.IsLiveStream(err):
		it.Stage = model.StageFailed
		it.ErrorMessage = err.Error()
		return e.Items.Update(it)
	default:
		it.Stage = model.StageFailed
		it.ErrorMessage = err.Error()
		return e.Items.Update(it)
	}
}

// afterDownloadSuccess persists captured metadata, generates the local
// thumbnail, and transitions onward — to completed if the item belongs to
// a playlist (playlist items skip transcript/summary entirely),
// otherwise to converting. meta is nil on the short-circuit path, where the
// item's existing row already carries whatever metadata a prior attempt
// captured.
func (e *Executor) afterDownloadSuccess(ctx context.Context, it *model.Item, meta *capability.DownloadMetadata) error {
	if meta != nil {
		it.Title = meta.Title
		it.ChannelID = meta.ChannelID
		it.ChannelTitle = meta.Channel
		it.UploaderID = meta.UploaderID
		it.Uploader = meta.Uploader
		it.ViewCount = meta.ViewCount
		it.LikeCount = meta.LikeCount
		it.DurationSec = meta.DurationSec
		it.ThumbnailURL = meta.Thumbnail
		if it.SourceVideoID == "" {
			it.SourceVideoID = meta.ID
		}
		if meta.UploadDate != "" {
			if parsed, err := parseUploadDate(meta.UploadDate); err == nil {
				it.UploadDate = &parsed
			}
		}
	}
	downloadedAt := now()
	it.DownloadedAt = &downloadedAt
	it.Progress = constants.ProgressDownloadEnd

	if it.SourceVideoID != "" {
		if mediaPath, found := e.Layout.FindMedia(it.SourceVideoID); found {
			if thumbPath, err := e.generateThumbnail(ctx, mediaPath, it.SourceVideoID); err == nil && thumbPath != "" {
				it.ThumbnailPath = thumbPath
			}
		}
	}

	inPlaylist, err := e.Playlists.HasPlaylistMembership(it.ID)
	if err != nil {
		e.Log.Warn().Err(err).Str("item", it.ID).Msg("executor: playlist membership check failed")
	}
	if inPlaylist {
		it.Stage = model.StageCompleted
		it.Progress = constants.ProgressComplete
		completedAt := now()
		it.CompletedAt = &completedAt
		return e.Items.Update(it)
	}

	it.Stage = model.StageConverting
	return e.Items.Update(it)
}

// parseUploadDate accepts either yt-dlp's YYYYMMDD form or RFC3339.
func parseUploadDate(raw string) (time.Time, error) {
	if t, err := time.Parse("20060102", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// generateThumbnail extracts a single frame near the start of the media
// file as the item's local thumbnail.
func (e *Executor) generateThumbnail(ctx context.Context, mediaPath, videoID string) (string, error) {
	gen, ok := e.Converter.(thumbnailGenerator)
	if !ok {
		return "", nil
	}
	dest := e.Layout.ThumbnailPath(videoID)
	if err := gen.ExtractThumbnail(ctx, mediaPath, dest, 2*time.Second); err != nil {
		return "", fmt.Errorf("executor.generateThumbnail: %w", err)
	}
	return dest, nil
}

// thumbnailGenerator is an optional capability extension some
// AudioConverter implementations provide; asserted rather than placed on
// the shared capability.AudioConverter interface since thumbnailing is a
// video, not audio, concern and not every converter need implement it.
type thumbnailGenerator interface {
	ExtractThumbnail(ctx context.Context, videoPath, destPath string, offset time.Duration) error
}
