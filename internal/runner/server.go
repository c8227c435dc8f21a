// Runner protocol server: the reference implementation of the wire
// contract the Client in this package consumes.
// Jobs are accepted over multipart upload, queued in memory, and assigned to
// GPU workers by a background dispatcher goroutine; devices are selected
// round-robin, disabled on CUDA "invalid argument" errors, and optionally
// released when idle to reclaim VRAM.

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TranscribeOutput is what a device worker produces for one job.
type TranscribeOutput struct {
	Text     string
	Language string
	Segments []Segment
}

// Transcriber runs one whole-file transcription on a specific device. The
// returned segments must already be globally timestamped.
type Transcriber interface {
	TranscribeFile(ctx context.Context, wavPath, language string, deviceID int, onProgress func(fraction float64)) (*TranscribeOutput, error)
}

// DeviceReleaser is an optional Transcriber extension: when a device's
// in-flight count reaches zero the server calls ReleaseDevice so the
// implementation can drop its model reference and reclaim VRAM.
type DeviceReleaser interface {
	ReleaseDevice(deviceID int)
}

// ServerConfig sizes the runner's worker pool and device set.
type ServerConfig struct {
	MaxConcurrent   int
	NumDevices      int
	ReleaseWhenIdle bool
}

// job tracks one submission through {pending, processing, completed, failed}.
type job struct {
	ID       string
	Status   Status
	Progress float64
	Result   *TranscribeOutput
	Err      string
}

// queuedJob is the dispatcher's unit of work.
type queuedJob struct {
	id       string
	wavPath  string
	language string
}

// Server is the runner's HTTP surface plus its dispatch internals.
type Server struct {
	transcriber Transcriber
	cfg         ServerConfig
	log         zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job

	devMu    sync.Mutex
	devNext  int
	disabled map[int]bool
	active   map[int]int

	queue chan queuedJob
	sem   chan struct{}
}

// NewServer builds a Server; Start must be called before it accepts work.
func NewServer(transcriber Transcriber, cfg ServerConfig, log zerolog.Logger) *Server {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.NumDevices < 1 {
		cfg.NumDevices = 1
	}
	return &Server{
		transcriber: transcriber,
		cfg:         cfg,
		log:         log,
		jobs:        make(map[string]*job),
		disabled:    make(map[int]bool),
		active:      make(map[int]int),
		queue:       make(chan queuedJob, 256),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start launches the background dispatcher that pulls jobs from the
// in-memory queue and assigns them to device workers.
func (s *Server) Start(ctx context.Context) {
	go s.dispatcherLoop(ctx)
}

func (s *Server) dispatcherLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qj := <-s.queue:
			deviceID, err := s.pickDevice()
			if err != nil {
				s.failJob(qj.id, err.Error())
				os.Remove(qj.wavPath)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case s.sem <- struct{}{}:
			}
			go func(qj queuedJob, deviceID int) {
				defer func() { <-s.sem }()
				s.runJob(ctx, qj, deviceID)
			}(qj, deviceID)
		}
	}
}

// pickDevice returns the next healthy device id round-robin, skipping
// disabled devices; errors once every device is disabled.
func (s *Server) pickDevice() (int, error) {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if len(s.disabled) >= s.cfg.NumDevices {
		return 0, errors.New("no healthy devices available")
	}
	for i := 0; i < s.cfg.NumDevices; i++ {
		candidate := s.devNext % s.cfg.NumDevices
		s.devNext++
		if !s.disabled[candidate] {
			return candidate, nil
		}
	}
	return 0, errors.New("no healthy devices available after round-robin scan")
}

// isCUDAInvalidArgument matches the driver error that marks a device
// unusable for further submissions.
func isCUDAInvalidArgument(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cuda") && strings.Contains(msg, "invalid argument")
}

func (s *Server) runJob(ctx context.Context, qj queuedJob, deviceID int) {
	defer os.Remove(qj.wavPath)

	s.devMu.Lock()
	s.active[deviceID]++
	s.devMu.Unlock()
	released := false
	defer func() {
		if !released {
			s.releaseDevice(deviceID)
		}
	}()

	s.mu.Lock()
	if j, ok := s.jobs[qj.id]; ok {
		j.Status = StatusProcessing
		j.Progress = 0
	}
	s.mu.Unlock()

	onProgress := func(fraction float64) {
		s.mu.Lock()
		if j, ok := s.jobs[qj.id]; ok && j.Status == StatusProcessing {
			if fraction > j.Progress && fraction < 1 {
				j.Progress = fraction
			}
		}
		s.mu.Unlock()
	}

	out, err := s.transcriber.TranscribeFile(ctx, qj.wavPath, qj.language, deviceID, onProgress)

	// Release the device as soon as the transcription returns rather than
	// waiting for the bookkeeping below.
	s.releaseDevice(deviceID)
	released = true

	if err != nil {
		if isCUDAInvalidArgument(err) {
			s.devMu.Lock()
			s.disabled[deviceID] = true
			s.devMu.Unlock()
			s.log.Error().Int("device", deviceID).Err(err).Msg("runner: device disabled after CUDA error")
		}
		s.failJob(qj.id, err.Error())
		return
	}

	s.mu.Lock()
	if j, ok := s.jobs[qj.id]; ok {
		j.Status = StatusCompleted
		j.Progress = 1
		j.Result = out
	}
	s.mu.Unlock()
}

// releaseDevice decrements the device's in-flight count and, when it goes
// idle, lets the transcriber drop its model reference.
func (s *Server) releaseDevice(deviceID int) {
	s.devMu.Lock()
	if s.active[deviceID] > 0 {
		s.active[deviceID]--
	}
	idle := s.active[deviceID] == 0
	s.devMu.Unlock()

	if idle && s.cfg.ReleaseWhenIdle {
		if r, ok := s.transcriber.(DeviceReleaser); ok {
			r.ReleaseDevice(deviceID)
		}
	}
}

func (s *Server) failJob(id, msg string) {
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.Status = StatusFailed
		j.Err = msg
	}
	s.mu.Unlock()
	s.log.Warn().Str("job", id).Str("error", msg).Msg("runner: job failed")
}

// Router builds the chi router serving the runner wire contract.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/transcribe", s.handleSubmit)
	r.Get("/transcribe/{jobID}", s.handlePoll)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus enumerates known jobs — an operational overview; poll a
// specific job for the full result text.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type jobOverview struct {
		JobID     string  `json:"job_id"`
		Status    Status  `json:"status"`
		Progress  float64 `json:"progress"`
		HasResult bool    `json:"has_result"`
		Error     string  `json:"error,omitempty"`
	}
	s.mu.Lock()
	overview := make([]jobOverview, 0, len(s.jobs))
	for id, j := range s.jobs {
		overview = append(overview, jobOverview{
			JobID:     id,
			Status:    j.Status,
			Progress:  j.Progress,
			HasResult: j.Result != nil,
			Error:     j.Err,
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs": len(overview),
		"jobs":       overview,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(512 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file part"})
		return
	}
	defer file.Close()

	name := strings.ToLower(header.Filename)
	if !strings.HasSuffix(name, ".wav") && !strings.HasSuffix(name, ".wave") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected a WAV file"})
		return
	}

	tmp, err := os.CreateTemp("", "transcribe-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to stage upload"})
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to stage upload"})
		return
	}
	tmp.Close()

	// Language normalization: "unknown" or empty means autodetect; the hint
	// is never forwarded in that case.
	language := r.FormValue("language")
	if language == "unknown" {
		language = ""
	}

	jobID := uuid.NewString()
	s.mu.Lock()
	s.jobs[jobID] = &job{ID: jobID, Status: StatusPending}
	s.mu.Unlock()

	select {
	case s.queue <- queuedJob{id: jobID, wavPath: tmp.Name(), language: language}:
	default:
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
		os.Remove(tmp.Name())
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job queue full"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	s.mu.Lock()
	j, ok := s.jobs[jobID]
	var snapshot job
	if ok {
		snapshot = *j
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	switch snapshot.Status {
	case StatusPending, StatusProcessing:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":   snapshot.Status,
			"progress": snapshot.Progress,
		})
	case StatusFailed:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status": StatusFailed,
			"error":  snapshot.Err,
		})
	default:
		result := snapshot.Result
		if result == nil {
			result = &TranscribeOutput{Language: "unknown"}
		}
		segments := result.Segments
		if segments == nil {
			segments = []Segment{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   StatusCompleted,
			"text":     result.Text,
			"language": result.Language,
			"segments": segments,
		})
	}
}

// DisabledDevices returns the ids currently excluded from round-robin,
// exposed for operational logging.
func (s *Server) DisabledDevices() []int {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	var out []int
	for id := range s.disabled {
		out = append(out, id)
	}
	return out
}
