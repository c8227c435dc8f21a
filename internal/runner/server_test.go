package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/runner"
)

// fakeTranscriber records which devices ran which jobs and returns a
// canned result (or error) per call.
type fakeTranscriber struct {
	mu       sync.Mutex
	devices  []int
	released []int
	out      *runner.TranscribeOutput
	err      error
	block    chan struct{}
}

func (f *fakeTranscriber) TranscribeFile(ctx context.Context, wavPath, language string, deviceID int, onProgress func(float64)) (*runner.TranscribeOutput, error) {
	f.mu.Lock()
	f.devices = append(f.devices, deviceID)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if onProgress != nil {
		onProgress(0.5)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return &runner.TranscribeOutput{Text: "hello world", Language: "en"}, nil
}

func (f *fakeTranscriber) ReleaseDevice(deviceID int) {
	f.mu.Lock()
	f.released = append(f.released, deviceID)
	f.mu.Unlock()
}

func newTestServer(t *testing.T, ft *fakeTranscriber, cfg runner.ServerConfig) *httptest.Server {
	t.Helper()
	srv := runner.NewServer(ft, cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func submitWAV(t *testing.T, baseURL, language string) string {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte("RIFF....WAVEfmt "))
	if language != "" {
		mw.WriteField("language", language)
	}
	mw.Close()

	resp, err := http.Post(baseURL+"/transcribe", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /transcribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var parsed struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if parsed.JobID == "" {
		t.Fatal("empty job_id")
	}
	return parsed.JobID
}

func pollUntilTerminal(t *testing.T, baseURL, jobID string) (status string, body map[string]interface{}) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("job never reached a terminal status")
		default:
		}
		resp, err := http.Get(baseURL + "/transcribe/" + jobID)
		if err != nil {
			t.Fatalf("GET /transcribe/%s: %v", jobID, err)
		}
		var parsed map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		st, _ := parsed["status"].(string)
		if st == "completed" || st == "failed" {
			return st, parsed
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_SubmitPollComplete(t *testing.T) {
	ft := &fakeTranscriber{out: &runner.TranscribeOutput{
		Text:     "hello world",
		Language: "en",
		Segments: []runner.Segment{{Start: 0, End: 1, Text: "hello"}, {Start: 30, End: 30.5, Text: "world"}},
	}}
	ts := newTestServer(t, ft, runner.ServerConfig{MaxConcurrent: 1, NumDevices: 1})

	jobID := submitWAV(t, ts.URL, "en")
	status, body := pollUntilTerminal(t, ts.URL, jobID)
	if status != "completed" {
		t.Fatalf("status = %s, want completed", status)
	}
	if body["text"] != "hello world" || body["language"] != "en" {
		t.Fatalf("unexpected completion body: %v", body)
	}
	segments, _ := body["segments"].([]interface{})
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
}

func TestServer_FailedJobReturnsError(t *testing.T) {
	ft := &fakeTranscriber{err: errors.New("model blew up")}
	ts := newTestServer(t, ft, runner.ServerConfig{MaxConcurrent: 1, NumDevices: 1})

	jobID := submitWAV(t, ts.URL, "")
	status, body := pollUntilTerminal(t, ts.URL, jobID)
	if status != "failed" {
		t.Fatalf("status = %s, want failed", status)
	}
	if body["error"] != "model blew up" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestServer_RejectsNonWAVUpload(t *testing.T) {
	ts := newTestServer(t, &fakeTranscriber{}, runner.ServerConfig{MaxConcurrent: 1, NumDevices: 1})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "audio.mp3")
	part.Write([]byte("ID3"))
	mw.Close()

	resp, err := http.Post(ts.URL+"/transcribe", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_UnknownJobIs404(t *testing.T) {
	ts := newTestServer(t, &fakeTranscriber{}, runner.ServerConfig{MaxConcurrent: 1, NumDevices: 1})
	resp, err := http.Get(ts.URL + "/transcribe/no-such-job")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_RoundRobinAcrossDevices(t *testing.T) {
	ft := &fakeTranscriber{}
	ts := newTestServer(t, ft, runner.ServerConfig{MaxConcurrent: 2, NumDevices: 2})

	first := submitWAV(t, ts.URL, "")
	second := submitWAV(t, ts.URL, "")
	pollUntilTerminal(t, ts.URL, first)
	pollUntilTerminal(t, ts.URL, second)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.devices) != 2 {
		t.Fatalf("jobs run = %d, want 2", len(ft.devices))
	}
	if ft.devices[0] == ft.devices[1] {
		t.Fatalf("both jobs ran on device %d, want round-robin", ft.devices[0])
	}
}

func TestServer_CUDAErrorDisablesDevice(t *testing.T) {
	ft := &fakeTranscriber{err: errors.New("CUDA failed with error invalid argument")}
	ts := newTestServer(t, ft, runner.ServerConfig{MaxConcurrent: 1, NumDevices: 1})

	jobID := submitWAV(t, ts.URL, "")
	if status, _ := pollUntilTerminal(t, ts.URL, jobID); status != "failed" {
		t.Fatalf("first job status = %s, want failed", status)
	}

	// With its only device disabled, the next submission must fail without
	// ever reaching the transcriber.
	jobID = submitWAV(t, ts.URL, "")
	status, body := pollUntilTerminal(t, ts.URL, jobID)
	if status != "failed" {
		t.Fatalf("second job status = %s, want failed", status)
	}
	if msg, _ := body["error"].(string); !bytes.Contains([]byte(msg), []byte("no healthy devices")) {
		t.Fatalf("second job error = %q, want a no-healthy-devices failure", msg)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.devices) != 1 {
		t.Fatalf("transcriber invoked %d times, want 1", len(ft.devices))
	}
}

func TestServer_IdleReleaseInvoked(t *testing.T) {
	ft := &fakeTranscriber{}
	ts := newTestServer(t, ft, runner.ServerConfig{MaxConcurrent: 1, NumDevices: 1, ReleaseWhenIdle: true})

	jobID := submitWAV(t, ts.URL, "")
	pollUntilTerminal(t, ts.URL, jobID)

	deadline := time.After(2 * time.Second)
	for {
		ft.mu.Lock()
		n := len(ft.released)
		ft.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("ReleaseDevice never called after the device went idle")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServer_HealthAndStatus(t *testing.T) {
	ts := newTestServer(t, &fakeTranscriber{}, runner.ServerConfig{MaxConcurrent: 1, NumDevices: 1})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health map[string]string
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Fatalf("health = %v", health)
	}

	jobID := submitWAV(t, ts.URL, "")
	pollUntilTerminal(t, ts.URL, jobID)

	resp, err = http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status struct {
		TotalJobs int `json:"total_jobs"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status.TotalJobs != 1 {
		t.Fatalf("total_jobs = %d, want 1", status.TotalJobs)
	}
}
