// Package paths resolves on-disk locations for the storage directory layout
// and external tool binaries (yt-dlp, ffmpeg, ffprobe, whisper-cli).
//
// Unlike a desktop app, this service has no installer-bundled sidecar
// binaries: tools are expected on PATH or pinned via configuration.
package paths

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Layout resolves the on-disk media/audio/transcript/thumbnail locations
// under a single storage root.
type Layout struct {
	Root string
}

// NewLayout builds a Layout rooted at dir and ensures the directory tree exists.
func NewLayout(dir string) (*Layout, error) {
	l := &Layout{Root: dir}
	for _, sub := range []string{"", "thumbnails"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// MediaPath returns the path a downloaded media file for videoID would have
// for the given container extension (without the leading dot).
func (l *Layout) MediaPath(videoID, ext string) string {
	return filepath.Join(l.Root, videoID+"."+ext)
}

// FindMedia returns the path of an already-downloaded media file for videoID,
// checking the container extensions the downloader may have produced.
func (l *Layout) FindMedia(videoID string) (string, bool) {
	for _, ext := range []string{"mp4", "webm", "mkv"} {
		p := l.MediaPath(videoID, ext)
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Size() > 0 {
			return p, true
		}
	}
	return "", false
}

// AudioPath returns the mono 16kHz WAV path for videoID.
func (l *Layout) AudioPath(videoID string) string {
	return filepath.Join(l.Root, videoID+".wav")
}

// TranscriptPath returns the plain-text transcript path for videoID.
func (l *Layout) TranscriptPath(videoID string) string {
	return filepath.Join(l.Root, videoID+".txt")
}

// SegmentsPath returns the timed-segments JSON path for videoID.
func (l *Layout) SegmentsPath(videoID string) string {
	return filepath.Join(l.Root, videoID+"_segments.json")
}

// ThumbnailPath returns the local thumbnail path for videoID.
func (l *Layout) ThumbnailPath(videoID string) string {
	return filepath.Join(l.Root, "thumbnails", videoID+".jpg")
}

// Exists reports whether path exists and is a non-empty regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// ToolPaths resolves the external binaries the capability adapters shell out to.
type ToolPaths struct {
	YtDlp      string
	FFmpeg     string
	FFprobe    string
	WhisperCLI string
}

// ResolveTools resolves each binary: an explicit override from configuration
// wins, otherwise PATH lookup via exec.LookPath (the server deployment model
// — no bundled sidecars).
func ResolveTools(ytDlpOverride, ffmpegOverride, ffprobeOverride, whisperOverride string) ToolPaths {
	resolve := func(override, name string) string {
		if override != "" {
			return override
		}
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
		return name
	}
	return ToolPaths{
		YtDlp:      resolve(ytDlpOverride, "yt-dlp"),
		FFmpeg:     resolve(ffmpegOverride, "ffmpeg"),
		FFprobe:    resolve(ffprobeOverride, "ffprobe"),
		WhisperCLI: resolve(whisperOverride, "whisper-cli"),
	}
}
