// Package downloader wraps yt-dlp to implement the Downloader capability:
// subprocess construction, UTF-8 output handling, progress-line parsing,
// and classification of yt-dlp's stderr vocabulary into the structured
// error taxonomy the download stage executor branches on (blocked,
// membership_only, format_unavailable, live, retryable_network).
package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
)

var (
	progressRegex = regexp.MustCompile(`(\d+\.?\d*)%`)
	ansiRegex     = regexp.MustCompile(`\x1b\[[0-9;]*m`)

	// Structured-error classification patterns, observed in yt-dlp's own
	// stderr vocabulary.
	blockedPatterns = []string{
		"sign in to confirm", "confirm you're not a bot", "captcha",
		"please sign in", "consent",
	}
	membershipPatterns = []string{
		"members-only", "membership", "join this channel",
	}
	formatUnavailablePatterns = []string{
		"requested format not available", "no video formats found",
	}
	livePatterns = []string{
		"this live event", "is live", "live stream",
	}
	retryablePatterns = []string{
		"timed out", "timeout", "connection reset", "temporary failure",
		"503", "502", "500", "429", "unable to download webpage",
	}
)

// flexibleInt accepts yt-dlp's duration field as either an int or a float.
type flexibleInt int64

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = 0
		return nil
	}
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*f = flexibleInt(i)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexibleInt(int64(n))
		return nil
	}
	return nil
}

type videoInfoJSON struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Duration    flexibleInt `json:"duration"`
	Thumbnail   string      `json:"thumbnail"`
	Description string      `json:"description"`
	UploadDate  string      `json:"upload_date"`
	ChannelID   string      `json:"channel_id"`
	Channel     string      `json:"channel"`
	UploaderID  string      `json:"uploader_id"`
	Uploader    string      `json:"uploader"`
	ViewCount   int64       `json:"view_count"`
	LikeCount   int64       `json:"like_count"`
	IsLive      bool        `json:"is_live"`
	WasLive     bool        `json:"was_live"`
	LiveStatus  string      `json:"live_status"`
}

// Client wraps yt-dlp operations for the download stage executor.
type Client struct {
	YtDlpPath  string
	FFmpegPath string
	OutputDir  string
}

// NewClient builds a downloader.Client bound to a storage directory.
func NewClient(ytDlpPath, ffmpegPath, outputDir string) *Client {
	return &Client{YtDlpPath: ytDlpPath, FFmpegPath: ffmpegPath, OutputDir: outputDir}
}

var _ capability.Downloader = (*Client)(nil)

func (c *Client) createCommand(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.YtDlpPath, args...)
	setSysProcAttr(cmd)
	cmd.Env = append(cmd.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUTF8=1", "LC_ALL=en_US.UTF-8")
	return cmd
}

// PrecheckLive reports whether url points at an in-progress live stream;
// live streams are rejected before a download is ever attempted.
func (c *Client) PrecheckLive(ctx context.Context, url string) (bool, error) {
	info, err := c.fetchInfo(ctx, url)
	if err != nil {
		return false, err
	}
	if info.IsLive || strings.EqualFold(info.LiveStatus, "is_live") {
		return true, nil
	}
	return false, nil
}

func (c *Client) fetchInfo(ctx context.Context, url string) (*videoInfoJSON, error) {
	args := []string{
		"--dump-json", "--no-playlist", "--no-check-formats",
		"--no-check-certificate", "--no-warnings",
		"--extractor-retries", "0", "--socket-timeout", "15",
		url,
	}
	cmd := c.createCommand(ctx, args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, classifyError(stderr.String(), err)
	}
	var info videoInfoJSON
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, apperr.Wrap("downloader.fetchInfo", err)
	}
	return &info, nil
}

// classifyError maps yt-dlp's stderr text to the structured error
// taxonomy. Unrecognized failures fall through to a plain wrapped error
// ("other" in the capability description — surfaced to the executor as an
// unexpected error).
func classifyError(stderrText string, err error) error {
	lower := strings.ToLower(stderrText)
	msg := strings.TrimSpace(stderrText)
	if msg == "" {
		msg = err.Error()
	}
	switch {
	case containsAny(lower, blockedPatterns):
		return apperr.NewWithCode("downloader.Download", apperr.ErrBlocked, apperr.CodeBlocked, msg)
	case containsAny(lower, membershipPatterns):
		return apperr.NewWithCode("downloader.Download", apperr.ErrMembershipOnly, apperr.CodeMembershipOnly, msg)
	case containsAny(lower, formatUnavailablePatterns):
		return apperr.NewWithCode("downloader.Download", apperr.ErrFormatUnavailable, apperr.CodeFormatUnavailable, msg)
	case containsAny(lower, livePatterns):
		return apperr.NewWithCode("downloader.Download", apperr.ErrLiveStream, apperr.CodeLiveStream, msg)
	case containsAny(lower, retryablePatterns):
		return apperr.NewWithCode("downloader.Download", apperr.ErrRetryableNetwork, apperr.CodeRetryableNetwork, msg)
	default:
		return apperr.WrapWithMessage("downloader.Download", err, msg)
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Download invokes yt-dlp for url with the given format selector (empty
// means yt-dlp's own default), reporting fractional progress via
// onProgress. On success, metadata is captured from the same --dump-json
// pass used for the live pre-check; the media file itself is located by the
// caller via internal/paths.FindMedia after this returns (yt-dlp picks the
// output filename/extension from source metadata).
func (c *Client) Download(ctx context.Context, url, formatSelector string, onProgress capability.ProgressCallback) (*capability.DownloadMetadata, error) {
	info, err := c.fetchInfo(ctx, url)
	if err != nil {
		return nil, err
	}
	if info.IsLive || strings.EqualFold(info.LiveStatus, "is_live") {
		return nil, apperr.NewWithCode("downloader.Download", apperr.ErrLiveStream, apperr.CodeLiveStream, "live stream not supported")
	}

	args := []string{
		"--ffmpeg-location", c.FFmpegPath,
		"--newline",
		"-o", fmt.Sprintf("%s/%%(id)s.%%(ext)s", c.OutputDir),
		"--no-playlist",
		"--no-check-certificate",
		"--merge-output-format", "mp4",
		"--no-warnings",
	}
	if formatSelector != "" {
		args = append(args, "-f", formatSelector)
	}
	args = append(args, url)

	cmd := c.createCommand(ctx, args)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap("downloader.Download", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap("downloader.Download", err)
	}

	go func() {
		<-ctx.Done()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := ansiRegex.ReplaceAllString(scanner.Text(), "")
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		if matches := progressRegex.FindStringSubmatch(line); len(matches) >= 2 {
			if pct, perr := strconv.ParseFloat(matches[1], 64); perr == nil && onProgress != nil {
				onProgress(capability.DownloadProgress{Fraction: pct / 100.0, Status: "downloading"})
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap("downloader.Download", ctx.Err())
		default:
			return nil, classifyError(stderrBuf.String(), err)
		}
	}

	if onProgress != nil {
		onProgress(capability.DownloadProgress{Fraction: 1.0, Status: "completed"})
	}

	return &capability.DownloadMetadata{
		ID:          info.ID,
		Title:       info.Title,
		DurationSec: int64(info.Duration),
		Thumbnail:   info.Thumbnail,
		Description: info.Description,
		UploadDate:  info.UploadDate,
		ChannelID:   info.ChannelID,
		Channel:     info.Channel,
		UploaderID:  info.UploaderID,
		Uploader:    info.Uploader,
		ViewCount:   info.ViewCount,
		LikeCount:   info.LikeCount,
	}, nil
}
