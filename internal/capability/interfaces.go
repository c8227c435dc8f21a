// Package capability defines the contracts the core consumes from external
// collaborators — interfaces declared where they are consumed, not where
// they are implemented — so that stage executors, the dispatcher and the
// subscription loops can be tested against fakes without touching a real
// yt-dlp/ffmpeg/Ollama process.
package capability

import "context"

// DownloadMetadata is what the Downloader capability reports on success.
type DownloadMetadata struct {
	ID           string
	Title        string
	DurationSec  int64
	FilePath     string
	Thumbnail    string
	Description  string
	UploadDate   string
	ChannelID    string
	Channel      string
	UploaderID   string
	Uploader     string
	ViewCount    int64
	LikeCount    int64
	SubtitleText string
}

// DownloadProgress is a fractional [0,1] progress update from the Downloader.
type DownloadProgress struct {
	Fraction float64
	Status   string
}

// ProgressCallback receives download/transcription progress updates.
type ProgressCallback func(DownloadProgress)

// Downloader is the download capability. Structured errors are
// returned as apperr sentinels (ErrBlocked, ErrMembershipOnly,
// ErrFormatUnavailable, ErrLiveStream, ErrRetryableNetwork).
type Downloader interface {
	Download(ctx context.Context, url, formatSelector string, onProgress ProgressCallback) (*DownloadMetadata, error)
	PrecheckLive(ctx context.Context, url string) (bool, error)
}

// AudioConverter converts a downloaded media file to mono 16kHz PCM WAV.
type AudioConverter interface {
	ConvertToAudio(ctx context.Context, videoPath, wavPath string) error
}

// DurationProber probes a WAV file's duration in seconds.
type DurationProber interface {
	ProbeDuration(ctx context.Context, wavPath string) (seconds float64, ok bool, err error)
}

// SpeechChunk is a VAD-produced contiguous speech span.
type SpeechChunk struct {
	Samples  []float32
	Offset   float64 // seconds, start of chunk in the original audio
	Duration float64 // seconds
}

// AudioPipeline runs the load/resample/denoise/VAD/slice pipeline.
type AudioPipeline interface {
	RunPipeline(ctx context.Context, wavPath string) ([]SpeechChunk, error)
}

// TranscriptSegment is a timestamped span of transcribed text.
type TranscriptSegment struct {
	Start float64
	End   float64
	Text  string
}

// TranscribeResult is the ASR capability's output.
type TranscribeResult struct {
	Text                string
	Language            string
	LanguageProbability float64
	Segments            []TranscriptSegment
}

// ASR transcribes pre-chunked speech audio. Implementations add each
// chunk's Offset to its segments, so the returned segments are globally
// timestamped.
type ASR interface {
	TranscribeSegments(ctx context.Context, chunks []SpeechChunk, language string, onProgress func(fraction float64)) (*TranscribeResult, error)
}

// LLM is the text-in/text-out capability. Implementations must not
// block a scheduler suspension point longer than their own context timeout.
type LLM interface {
	FormatTranscript(ctx context.Context, text, language string) (string, error)
	GenerateSummary(ctx context.Context, text, language string) (string, error)
	GenerateKeywords(ctx context.Context, transcript, title, language string) (string, error)
}

// ChannelService resolves channel identity and lists recent uploads.
type ChannelService interface {
	ResolveChannel(ctx context.Context, channelURL string) (channelID, channelTitle string, err error)
	FetchLatestVideoURLs(ctx context.Context, channelURL string, max int) ([]string, error)
}

// TranscriptionService is the capability the dispatcher routes to, whether
// it is backed by in-process ASR or a remote runner client.
type TranscriptionService interface {
	Transcribe(ctx context.Context, chunks []SpeechChunk, language string, onProgress func(fraction float64)) (*TranscribeResult, error)
}
