package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/dispatcher"
	"github.com/sunyych/ingestd/internal/runner"
)

type fakeASR struct {
	result *capability.TranscribeResult
	err    error
}

func (f *fakeASR) TranscribeSegments(ctx context.Context, chunks []capability.SpeechChunk, language string, onProgress func(float64)) (*capability.TranscribeResult, error) {
	if onProgress != nil {
		onProgress(1.0)
	}
	return f.result, f.err
}

func TestDispatcher_InProcessForwardsDirectly(t *testing.T) {
	want := &capability.TranscribeResult{Text: "hello", Language: "en"}
	d := dispatcher.NewInProcess(&fakeASR{result: want})

	got, err := d.Transcribe(context.Background(), []capability.SpeechChunk{{Samples: []float32{0}, Duration: 1}}, "en", nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != want.Text {
		t.Fatalf("text = %q, want %q", got.Text, want.Text)
	}
}

type fakeRunner struct {
	jobID      string
	submitErr  error
	pollResult *runner.PollResult
	pollErr    error
	polls      int
}

func (f *fakeRunner) Submit(ctx context.Context, wavPath, language string) (string, error) {
	return f.jobID, f.submitErr
}

func (f *fakeRunner) Poll(ctx context.Context, jobID string) (*runner.PollResult, error) {
	f.polls++
	if f.polls < 2 {
		return &runner.PollResult{Status: runner.StatusProcessing, Progress: 0.5}, nil
	}
	return f.pollResult, f.pollErr
}

func TestDispatcher_RemoteModeCompletesAfterPolling(t *testing.T) {
	rc := &fakeRunner{
		jobID: "job-1",
		pollResult: &runner.PollResult{
			Status:   runner.StatusCompleted,
			Text:     "remote transcript",
			Language: "en",
			Segments: []runner.Segment{{Start: 0, End: 1, Text: "hi"}},
		},
	}
	d := dispatcher.NewRemote(rc, 2, 5*time.Millisecond, t.TempDir(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Start(ctx)

	chunks := []capability.SpeechChunk{{Samples: []float32{0.1, 0.2, -0.1}, Offset: 0, Duration: 1}}
	got, err := d.Transcribe(ctx, chunks, "en", nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "remote transcript" {
		t.Fatalf("text = %q, want remote transcript", got.Text)
	}
	if len(got.Segments) != 1 || got.Segments[0].Text != "hi" {
		t.Fatalf("segments = %+v", got.Segments)
	}
}

func TestDispatcher_RemoteModeSurfacesRunnerFailure(t *testing.T) {
	rc := &fakeRunner{
		jobID:      "job-2",
		pollResult: &runner.PollResult{Status: runner.StatusFailed, Error: "gpu oom"},
	}
	d := dispatcher.NewRemote(rc, 1, 5*time.Millisecond, t.TempDir(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Start(ctx)

	chunks := []capability.SpeechChunk{{Samples: []float32{0.1}, Offset: 0, Duration: 1}}
	_, err := d.Transcribe(ctx, chunks, "en", nil)
	if err == nil {
		t.Fatal("expected runner failure error")
	}
}

func TestDispatcher_RemoteModeNoSpeechShortCircuits(t *testing.T) {
	rc := &fakeRunner{jobID: "unused"}
	d := dispatcher.NewRemote(rc, 1, 5*time.Millisecond, t.TempDir(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Start(ctx)

	got, err := d.Transcribe(ctx, nil, "en", nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "" {
		t.Fatalf("text = %q, want empty for no chunks", got.Text)
	}
}
