// transcribe-runner is the transcription runner service: it accepts WAV
// uploads, queues them, and transcribes each on a
// bounded pool of device workers, serving results over the submit/poll wire
// contract the orchestrator's runner client consumes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/audio"
	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/paths"
	"github.com/sunyych/ingestd/internal/runner"

	asrclient "github.com/sunyych/ingestd/internal/asr"
)

// whisperTranscriber adapts the in-process audio pipeline + whisper-cli ASR
// to the runner server's per-device Transcriber contract. ASR clients are
// built lazily per device and dropped again on idle release, mirroring the
// model-reference lifecycle the runner's idle-release policy describes.
// whisper-cli binds its compute device at build time, so the device id here
// scopes the per-device client (and its temp staging) while the server's
// pool bounds how many run at once.
type whisperTranscriber struct {
	binaryPath string
	modelPath  string
	tmpDir     string
	pipeline   capability.AudioPipeline

	mu      sync.Mutex
	clients map[int]capability.ASR
}

func (w *whisperTranscriber) client(deviceID int) capability.ASR {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.clients[deviceID]; ok {
		return c
	}
	c := asrclient.NewClient(w.binaryPath, w.modelPath, w.tmpDir)
	w.clients[deviceID] = c
	return c
}

// ReleaseDevice drops the device's ASR client so its resources can be
// reclaimed while the device is idle.
func (w *whisperTranscriber) ReleaseDevice(deviceID int) {
	w.mu.Lock()
	delete(w.clients, deviceID)
	w.mu.Unlock()
}

func (w *whisperTranscriber) TranscribeFile(ctx context.Context, wavPath, language string, deviceID int, onProgress func(float64)) (*runner.TranscribeOutput, error) {
	chunks, err := w.pipeline.RunPipeline(ctx, wavPath)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		lang := language
		if lang == "" {
			lang = "unknown"
		}
		return &runner.TranscribeOutput{Language: lang}, nil
	}

	result, err := w.client(deviceID).TranscribeSegments(ctx, chunks, language, onProgress)
	if err != nil {
		return nil, err
	}

	segments := make([]runner.Segment, len(result.Segments))
	for i, s := range result.Segments {
		segments[i] = runner.Segment{Start: s.Start, End: s.End, Text: s.Text}
	}
	return &runner.TranscribeOutput{
		Text:     result.Text,
		Language: result.Language,
		Segments: segments,
	}, nil
}

func main() {
	var (
		listenAddr    = flag.String("listen", ":8090", "address to serve the runner API on")
		numDevices    = flag.Int("devices", 1, "number of compute devices to round-robin across")
		maxConcurrent = flag.Int("max-concurrent", 1, "maximum jobs transcribing at once")
		releaseIdle   = flag.Bool("release-idle", false, "drop a device's model when it has no in-flight jobs")
		whisperPath   = flag.String("whisper", "", "whisper-cli binary (default: resolve from PATH)")
		modelPath     = flag.String("model", "", "whisper model file (required)")
		tmpDir        = flag.String("tmp-dir", os.TempDir(), "staging directory for uploaded audio")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if *modelPath == "" {
		log.Fatal().Msg("transcribe-runner: -model is required")
	}
	tools := paths.ResolveTools("", "", "", *whisperPath)

	pipeline := audio.NewPipeline(audio.Config{
		TargetSampleRate:      constants.DefaultAudioTargetSampleRate,
		VADThreshold:          constants.DefaultVADThreshold,
		VADMinSilenceMs:       constants.DefaultVADMinSilenceMs,
		VADSpeechPadMs:        constants.DefaultVADSpeechPadMs,
		VADMaxSpeechDurationS: constants.DefaultVADMaxSpeechDuration,
	})

	transcriber := &whisperTranscriber{
		binaryPath: tools.WhisperCLI,
		modelPath:  *modelPath,
		tmpDir:     *tmpDir,
		pipeline:   pipeline,
		clients:    make(map[int]capability.ASR),
	}

	srv := runner.NewServer(transcriber, runner.ServerConfig{
		MaxConcurrent:   *maxConcurrent,
		NumDevices:      *numDevices,
		ReleaseWhenIdle: *releaseIdle,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv.Start(ctx)

	httpServer := &http.Server{Addr: *listenAddr, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("listen", *listenAddr).
		Int("devices", *numDevices).
		Int("max_concurrent", *maxConcurrent).
		Msg("transcribe-runner: serving")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "transcribe-runner: %v\n", err)
		os.Exit(1)
	}
}
