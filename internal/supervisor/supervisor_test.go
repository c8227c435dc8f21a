package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/paths"
	"github.com/sunyych/ingestd/internal/store"
	"github.com/sunyych/ingestd/internal/supervisor"
)

type fakeProber struct {
	seconds float64
	ok      bool
}

func (f *fakeProber) ProbeDuration(ctx context.Context, wavPath string) (float64, bool, error) {
	return f.seconds, f.ok, nil
}

type fakeRunning struct{ ids map[string]bool }

func (f *fakeRunning) IsRunning(id string) bool { return f.ids[id] }

func newTestSupervisor(t *testing.T, prober *fakeProber, running *fakeRunning) (*supervisor.Supervisor, *store.DB) {
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
	if running == nil {
		running = &fakeRunning{ids: map[string]bool{}}
	}
	return supervisor.New(db.Items(), prober, layout, running, zerolog.Nop()), db
}

// seedStuck inserts an item in stage whose updated_at lies age in the past.
func seedStuck(t *testing.T, db *store.DB, stage model.Stage, age time.Duration) *model.Item {
	t.Helper()
	it, err := db.Items().CreateItem(&model.Item{
		URL:           "https://example/watch?v=ABCDEFGHIJK",
		SourceVideoID: "ABCDEFGHIJK",
		UserID:        "u1",
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	past := time.Now().UTC().Add(-age)
	_, err = db.Conn().Exec(
		`UPDATE items SET stage = ?, updated_at = ?, created_at = ? WHERE id = ?`,
		string(stage), past, past, it.ID,
	)
	if err != nil {
		t.Fatalf("backdate item: %v", err)
	}
	it.Stage = stage
	return it
}

func TestScan_StuckDownloadMarkedFailed(t *testing.T) {
	sup, db := newTestSupervisor(t, &fakeProber{}, nil)
	it := seedStuck(t, db, model.StageDownloading, 45*time.Minute)

	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got, err := db.Items().FetchByID(it.ID)
	if err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	if got.Stage != model.StageFailed {
		t.Fatalf("stage = %s, want failed", got.Stage)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected a descriptive error message on the failed row")
	}
}

func TestScan_StuckSummarizingResetToPending(t *testing.T) {
	sup, db := newTestSupervisor(t, &fakeProber{}, nil)
	it := seedStuck(t, db, model.StageSummarizing, 45*time.Minute)

	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got, _ := db.Items().FetchByID(it.ID)
	if got.Stage != model.StagePending {
		t.Fatalf("stage = %s, want pending", got.Stage)
	}
	if got.Progress != 0 {
		t.Fatalf("progress = %v, want 0", got.Progress)
	}
}

func TestScan_TranscribingTimeoutScalesWithDuration(t *testing.T) {
	// 600s of audio: timeout = clamp(600s*10 + 1h, 2h, 24h) = 2h40m.
	prober := &fakeProber{seconds: 600, ok: true}

	t.Run("past the dynamic timeout is reset", func(t *testing.T) {
		sup, db := newTestSupervisor(t, prober, nil)
		it := seedStuck(t, db, model.StageTranscribing, 4*time.Hour)

		if err := sup.Scan(context.Background()); err != nil {
			t.Fatalf("Scan: %v", err)
		}
		got, _ := db.Items().FetchByID(it.ID)
		if got.Stage != model.StagePending {
			t.Fatalf("stage = %s, want pending", got.Stage)
		}
	})

	t.Run("inside the dynamic timeout is left alone", func(t *testing.T) {
		sup, db := newTestSupervisor(t, prober, nil)
		it := seedStuck(t, db, model.StageTranscribing, 2*time.Hour)

		if err := sup.Scan(context.Background()); err != nil {
			t.Fatalf("Scan: %v", err)
		}
		got, _ := db.Items().FetchByID(it.ID)
		if got.Stage != model.StageTranscribing {
			t.Fatalf("stage = %s, want transcribing (2h < 2h40m timeout)", got.Stage)
		}
	})
}

func TestScan_TranscribingProbeFailureUsesFallback(t *testing.T) {
	// Unprobeable WAV: 6h fallback. 5h stuck is within it, 7h is past it.
	prober := &fakeProber{ok: false}

	sup, db := newTestSupervisor(t, prober, nil)
	inside := seedStuck(t, db, model.StageTranscribing, 5*time.Hour)
	past := seedStuck(t, db, model.StageTranscribing, 7*time.Hour)

	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got, _ := db.Items().FetchByID(inside.ID)
	if got.Stage != model.StageTranscribing {
		t.Fatalf("inside-fallback item moved to %s", got.Stage)
	}
	got, _ = db.Items().FetchByID(past.ID)
	if got.Stage != model.StagePending {
		t.Fatalf("past-fallback item = %s, want pending", got.Stage)
	}
}

func TestScan_SkipsItemsInRunningSet(t *testing.T) {
	running := &fakeRunning{ids: map[string]bool{}}
	sup, db := newTestSupervisor(t, &fakeProber{}, running)
	it := seedStuck(t, db, model.StageDownloading, 45*time.Minute)
	running.ids[it.ID] = true

	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	got, _ := db.Items().FetchByID(it.ID)
	if got.Stage != model.StageDownloading {
		t.Fatalf("running item recovered to %s, want untouched", got.Stage)
	}
}

func TestScan_ConvertingNeverRecovered(t *testing.T) {
	sup, db := newTestSupervisor(t, &fakeProber{}, nil)
	it := seedStuck(t, db, model.StageConverting, 10*time.Hour)

	if err := sup.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	got, _ := db.Items().FetchByID(it.ID)
	if got.Stage != model.StageConverting {
		t.Fatalf("converting item recovered to %s, want untouched", got.Stage)
	}
}
