package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/executor"
	"github.com/sunyych/ingestd/internal/gate"
	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/paths"
	"github.com/sunyych/ingestd/internal/scheduler"
	"github.com/sunyych/ingestd/internal/store"
)

type blockingDownloader struct {
	started chan string
	release chan struct{}
}

func (b *blockingDownloader) PrecheckLive(ctx context.Context, url string) (bool, error) {
	return false, nil
}

func (b *blockingDownloader) Download(ctx context.Context, url, formatSelector string, onProgress capability.ProgressCallback) (*capability.DownloadMetadata, error) {
	b.started <- url
	<-b.release
	return &capability.DownloadMetadata{ID: model.ExtractVideoID(url), Title: "t"}, nil
}

type noopConverter struct{}

func (noopConverter) ConvertToAudio(ctx context.Context, videoPath, wavPath string) error { return nil }
func (noopConverter) ProbeDuration(ctx context.Context, wavPath string) (float64, bool, error) {
	return 0, false, nil
}

type noopPipeline struct{}

func (noopPipeline) RunPipeline(ctx context.Context, wavPath string) ([]capability.SpeechChunk, error) {
	return nil, nil
}

type noopTranscription struct{}

func (noopTranscription) Transcribe(ctx context.Context, chunks []capability.SpeechChunk, language string, onProgress func(float64)) (*capability.TranscribeResult, error) {
	return &capability.TranscribeResult{}, nil
}

type noopLLM struct{}

func (noopLLM) FormatTranscript(ctx context.Context, text, language string) (string, error) {
	return text, nil
}
func (noopLLM) GenerateSummary(ctx context.Context, text, language string) (string, error) {
	return "summary", nil
}
func (noopLLM) GenerateKeywords(ctx context.Context, transcript, title, language string) (string, error) {
	return "", nil
}

func newTestScheduler(t *testing.T, dl capability.Downloader, downloadCap int) (*scheduler.Scheduler, *store.DB) {
	t.Helper()
	db, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("paths.NewLayout: %v", err)
	}

	ex := &executor.Executor{
		Items:               db.Items(),
		Playlists:           db.Playlists(),
		Layout:              layout,
		Gate:                gate.New(db, zerolog.Nop()),
		Downloader:          dl,
		Converter:           noopConverter{},
		Prober:              noopConverter{},
		Pipeline:            noopPipeline{},
		Transcriber:         noopTranscription{},
		LLM:                 noopLLM{},
		MaxDownloadAttempts: 1,
		SummaryLanguage:     "中文",
		Log:                 zerolog.Nop(),
	}

	sched := scheduler.New(db.Items(), ex, zerolog.Nop())
	sched.DownloadCapacity = downloadCap
	sched.ProcessCapacity = 1
	sched.IdleBackoff = 10 * time.Millisecond
	sched.ErrorBackoff = 10 * time.Millisecond
	return sched, db
}

// TestScheduler_RespectsDownloadPoolCapacity verifies that with a
// single-slot download pool, a second pending item is never started
// concurrently with the first (bounded by the pool's
// semaphore).
func TestScheduler_RespectsDownloadPoolCapacity(t *testing.T) {
	dl := &blockingDownloader{started: make(chan string, 2), release: make(chan struct{})}
	sched, db := newTestScheduler(t, dl, 1)

	_, err := db.Items().CreateItem(&model.Item{URL: "https://example.com/watch?v=AAAAAAAAAAA", UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	_, err = db.Items().CreateItem(&model.Item{URL: "https://example.com/watch?v=BBBBBBBBBBB", UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// Exactly one download should start; a second cannot start until the
	// first is released, since the pool has capacity 1.
	var first string
	select {
	case first = <-dl.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first download to start")
	}

	select {
	case second := <-dl.started:
		t.Fatalf("second download %q started before first released, capacity exceeded", second)
	case <-time.After(150 * time.Millisecond):
	}

	close(dl.release)

	select {
	case <-dl.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second download to start after release")
	}

	cancel()
	wg.Wait()
	_ = first
}

// TestScheduler_ProcessesPendingItemsToConverting exercises the end-to-end
// happy path through the download pool using a non-blocking fake. The fake
// writes no media file, so no thumbnail is generated and the item moves on
// to converting; the process pool may then pick it up and fail it in
// Convert for the missing media, so either stage is accepted.
func TestScheduler_ProcessesPendingItemsToConverting(t *testing.T) {
	var calls int32
	dl := fakeInstantDownloader{calls: &calls}
	sched, db := newTestScheduler(t, dl, 2)

	it, err := db.Items().CreateItem(&model.Item{URL: "https://example.com/watch?v=CCCCCCCCCCC", UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, ferr := db.Items().FetchByID(it.ID)
		if ferr == nil && got.Stage != model.StagePending {
			cancel()
			<-done
			if got.Stage != model.StageConverting && got.Stage != model.StageFailed {
				t.Fatalf("stage = %v, want converting or failed", got.Stage)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("item never left pending")
}

type fakeInstantDownloader struct {
	calls *int32
}

func (f fakeInstantDownloader) PrecheckLive(ctx context.Context, url string) (bool, error) {
	return false, nil
}

func (f fakeInstantDownloader) Download(ctx context.Context, url, formatSelector string, onProgress capability.ProgressCallback) (*capability.DownloadMetadata, error) {
	atomic.AddInt32(f.calls, 1)
	return &capability.DownloadMetadata{ID: model.ExtractVideoID(url), Title: "t"}, nil
}
