// ingestd is the queue worker / job orchestrator: it drives every submitted
// video URL through download → convert → transcribe → summarize, bounded by
// the two scheduler pools, gated against an adversarial source, recovered
// by the stuck-task supervisor, and fed by the subscription loops.
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

	"github.com/sunyych/ingestd/internal/asr"
	"github.com/sunyych/ingestd/internal/audio"
	"github.com/sunyych/ingestd/internal/channel"
	"github.com/sunyych/ingestd/internal/config"
	"github.com/sunyych/ingestd/internal/dispatcher"
	"github.com/sunyych/ingestd/internal/downloader"
	"github.com/sunyych/ingestd/internal/executor"
	"github.com/sunyych/ingestd/internal/gate"
	"github.com/sunyych/ingestd/internal/llm"
	"github.com/sunyych/ingestd/internal/logging"
	"github.com/sunyych/ingestd/internal/mediaconv"
	"github.com/sunyych/ingestd/internal/metrics"
	"github.com/sunyych/ingestd/internal/paths"
	"github.com/sunyych/ingestd/internal/runner"
	"github.com/sunyych/ingestd/internal/scheduler"
	"github.com/sunyych/ingestd/internal/store"
	"github.com/sunyych/ingestd/internal/subscription"
	"github.com/sunyych/ingestd/internal/supervisor"
	"github.com/sunyych/ingestd/internal/validate"
)

func main() {
	configDir := flag.String("config-dir", ".", "directory holding settings.json")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dataDir, err := validate.DirectoryPath(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("data directory: %w", err)
	}
	storageDir, err := validate.DirectoryPath(cfg.VideoStorageDir)
	if err != nil {
		return fmt.Errorf("storage directory: %w", err)
	}

	if err := logging.Init(dataDir, logging.Options{
		Level:      cfg.Logging.Level,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Log

	db, err := store.New(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	layout, err := paths.NewLayout(storageDir)
	if err != nil {
		return fmt.Errorf("prepare storage layout: %w", err)
	}
	tools := paths.ResolveTools(cfg.YtDlpPath, cfg.FFmpegPath, cfg.FFprobePath, cfg.WhisperPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := gate.New(db, log,
		gate.WithThreshold(cfg.Download.BlockedThreshold),
		gate.WithPauseSeconds(cfg.Download.BlockedPauseSeconds),
		gate.WithMinInterval(time.Duration(cfg.Download.MinIntervalSeconds)*time.Second),
	)

	converter := mediaconv.NewConverter(tools.FFmpeg, tools.FFprobe)
	pipeline := audio.NewPipeline(audio.Config{
		TargetSampleRate:      cfg.Audio.TargetSampleRate,
		EnableDenoise:         cfg.Audio.EnableDenoise,
		DenoiseBackend:        cfg.Audio.DenoiseBackend,
		VADThreshold:          cfg.Audio.VADThreshold,
		VADMinSilenceMs:       cfg.Audio.VADMinSilenceMs,
		VADSpeechPadMs:        cfg.Audio.VADSpeechPadMs,
		VADMaxSpeechDurationS: cfg.Audio.VADMaxSpeechDurationS,
	})

	// Transcription routing: a configured runner URL selects remote
	// mode; otherwise in-process ASR runs under the heavy pool's own slot.
	var transcription *dispatcher.Dispatcher
	if cfg.Runner.URL != "" {
		client := runner.NewClient(cfg.Runner.URL, cfg.RunnerTimeout(), log)
		transcription = dispatcher.NewRemote(client, cfg.Runner.Concurrency, cfg.RunnerPollInterval(), os.TempDir(), log)
		transcription.Start(ctx)
		log.Info().Str("runner", cfg.Runner.URL).Int("concurrency", cfg.Runner.Concurrency).Msg("transcription: remote runner mode")
	} else {
		transcription = dispatcher.NewInProcess(asr.NewClient(tools.WhisperCLI, cfg.WhisperModelPath, os.TempDir()))
		log.Info().Msg("transcription: in-process ASR mode")
	}

	llmClient, err := llm.New(cfg.OllamaURL, cfg.VLLMURL, cfg.LLMModel, log)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	ex := &executor.Executor{
		Items:                 db.Items(),
		Playlists:             db.Playlists(),
		Layout:                layout,
		Gate:                  g,
		Downloader:            downloader.NewClient(tools.YtDlp, tools.FFmpeg, storageDir),
		Converter:             converter,
		Prober:                converter,
		Pipeline:              pipeline,
		Transcriber:           transcription,
		LLM:                   llmClient,
		MaxDownloadAttempts:   cfg.Download.MaxAttempts,
		DownloadBackoffSecond: cfg.Download.RetryBackoffSeconds,
		Log:                   log,
	}

	sched := scheduler.New(db.Items(), ex, log)
	sched.DownloadCapacity = cfg.Download.QueueConcurrency
	sched.ProcessCapacity = cfg.ProcessConcurrency

	sup := supervisor.New(db.Items(), converter, layout, sched, log)

	subs := subscription.New(db, channel.NewClient(tools.YtDlp), log)
	subs.ResolverInterval = time.Duration(cfg.Subscription.PendingIntervalSeconds) * time.Second
	subs.PollInterval = time.Duration(cfg.Subscription.CheckIntervalHours) * time.Hour
	subs.ResolveTimeout = time.Duration(cfg.Subscription.ResolveChannelTimeoutSec) * time.Second
	subs.MaxItemsPerChannel = cfg.Subscription.MaxVideosPerChannel

	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().
		Int("download_concurrency", cfg.Download.QueueConcurrency).
		Int("process_concurrency", cfg.ProcessConcurrency).
		Str("storage", storageDir).
		Msg("ingestd: orchestrator starting")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		subs.Run(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("ingestd: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	// In-flight executors run to the end of their current I/O step; whatever
	// is still mid-stage gets recovered by the supervisor on next boot.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("ingestd: shutdown grace period elapsed")
	}

	log.Info().Msg("ingestd: stopped")
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
