// Package mediaconv implements the AudioConverter and DurationProber
// capabilities by shelling out to ffmpeg/ffprobe, producing the
// 16-bit/16kHz/mono PCM WAV target whisper-family ASR requires. A single
// adapter covers conversion, probing and thumbnailing since all three
// exist solely to feed the processing stages rather than to offer a
// general-purpose format menu.
package mediaconv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
)

// Converter wraps ffmpeg/ffprobe for the conversion stage executor.
type Converter struct {
	FFmpegPath  string
	FFprobePath string
}

// NewConverter builds a Converter bound to the configured tool paths.
func NewConverter(ffmpegPath, ffprobePath string) *Converter {
	return &Converter{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

var (
	_ capability.AudioConverter = (*Converter)(nil)
	_ capability.DurationProber = (*Converter)(nil)
)

// ConvertToAudio extracts mono 16kHz 16-bit PCM WAV from videoPath, the
// single format every downstream capability (VAD, ASR) accepts.
func (c *Converter) ConvertToAudio(ctx context.Context, videoPath, wavPath string) error {
	if c.FFmpegPath == "" {
		return apperr.NewWithMessage("mediaconv.ConvertToAudio", apperr.ErrNotFound, "ffmpeg path not configured")
	}
	if _, err := os.Stat(videoPath); err != nil {
		return apperr.Wrap("mediaconv.ConvertToAudio", err)
	}

	args := []string{
		"-y",
		"-i", videoPath,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		wavPath,
	}

	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apperr.WrapWithMessage("mediaconv.ConvertToAudio", err, strings.TrimSpace(string(output)))
	}

	info, err := os.Stat(wavPath)
	if err != nil || info.Size() == 0 {
		return apperr.NewWithMessage("mediaconv.ConvertToAudio", apperr.ErrNotFound, "ffmpeg produced no output")
	}
	return nil
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration reports wavPath's duration in seconds via ffprobe.
// ok is false when the duration could not be determined, letting the
// caller fall back to whatever estimate it already has rather than
// treating a probe failure as fatal (ffprobe is advisory here).
func (c *Converter) ProbeDuration(ctx context.Context, wavPath string) (float64, bool, error) {
	if c.FFprobePath == "" {
		return 0, false, nil
	}

	cmd := exec.CommandContext(ctx, c.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		wavPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, false, apperr.Wrap("mediaconv.ProbeDuration", err)
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(output, &parsed); err != nil {
		return 0, false, nil
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64)
	if err != nil {
		return 0, false, nil
	}
	return seconds, true, nil
}

// ExtractThumbnail pulls a single JPEG frame at offset into destPath.
// Satisfies executor's optional thumbnailGenerator extension.
func (c *Converter) ExtractThumbnail(ctx context.Context, videoPath, destPath string, offset time.Duration) error {
	if c.FFmpegPath == "" {
		return apperr.NewWithMessage("mediaconv.ExtractThumbnail", apperr.ErrNotFound, "ffmpeg path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return apperr.Wrap("mediaconv.ExtractThumbnail", err)
	}

	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", offset.Seconds()),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		destPath,
	}
	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apperr.WrapWithMessage("mediaconv.ExtractThumbnail", err, strings.TrimSpace(string(output)))
	}
	if info, err := os.Stat(destPath); err != nil || info.Size() == 0 {
		return apperr.NewWithMessage("mediaconv.ExtractThumbnail", apperr.ErrNotFound, "ffmpeg produced no thumbnail")
	}
	return nil
}
