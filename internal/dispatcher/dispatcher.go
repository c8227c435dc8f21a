// Package dispatcher implements the transcription dispatcher: it
// satisfies capability.TranscriptionService, routing each call to either
// the in-process ASR capability or a bounded pool of workers submitting to
// a remote runner, chosen once at construction by configuration. Each
// remote worker loops "pull one, submit, poll to terminal, complete the
// promise, pull the next" — no global inter-submit delay.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/metrics"
	"github.com/sunyych/ingestd/internal/runner"
)

// RunnerClient is the subset of *runner.Client the dispatcher needs,
// declared where it is consumed so the dispatcher is testable without a
// real HTTP server.
type RunnerClient interface {
	Submit(ctx context.Context, wavPath, language string) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (*runner.PollResult, error)
}

// request is one unit of work handed from Transcribe to a remote worker.
type request struct {
	ctx        context.Context
	chunks     []capability.SpeechChunk
	language   string
	onProgress func(float64)
	done       chan response
}

type response struct {
	result *capability.TranscribeResult
	err    error
}

// Dispatcher implements capability.TranscriptionService.
type Dispatcher struct {
	asr    capability.ASR
	runner RunnerClient

	concurrency  int
	pollInterval time.Duration
	tmpDir       string

	queue chan *request
	log   zerolog.Logger
}

var _ capability.TranscriptionService = (*Dispatcher)(nil)

// NewInProcess builds a Dispatcher that forwards directly to asr. No
// worker pool is needed: the calling executor already runs under the
// heavy-processing pool's own slot.
func NewInProcess(asr capability.ASR) *Dispatcher {
	return &Dispatcher{asr: asr}
}

// NewRemote builds a Dispatcher backed by a bounded pool of workers
// submitting to runner. concurrency is the
// number of dispatcher workers (one per remote GPU, by convention);
// pollInterval is how often an in-flight job is re-polled; tmpDir is where
// reconstructed WAV files are staged before upload.
func NewRemote(rc RunnerClient, concurrency int, pollInterval time.Duration, tmpDir string, log zerolog.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		runner:       rc,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		tmpDir:       tmpDir,
		queue:        make(chan *request, 64),
		log:          log,
	}
}

// Start launches the remote mode's worker pool; a no-op for in-process
// mode. Each worker loops "pull one request, submit, poll to terminal,
// complete the promise, pull the next" — the next request goes out as soon
// as the previous one returns.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.runner == nil {
		return
	}
	for i := 0; i < d.concurrency; i++ {
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			metrics.RunnerQueueDepth.Set(float64(len(d.queue)))
			metrics.RunnerInFlight.Inc()
			resp := d.runRemote(req)
			metrics.RunnerInFlight.Dec()
			if resp.err != nil {
				d.log.Warn().Err(resp.err).Msg("dispatcher: remote transcription job failed")
			}
			req.done <- resp
		}
	}
}

// Transcribe implements capability.TranscriptionService. In-process mode
// calls straight through; remote mode enqueues a request and blocks until
// that request's worker completes it or ctx is cancelled.
func (d *Dispatcher) Transcribe(ctx context.Context, chunks []capability.SpeechChunk, language string, onProgress func(float64)) (*capability.TranscribeResult, error) {
	if d.runner == nil {
		return d.asr.TranscribeSegments(ctx, chunks, language, onProgress)
	}

	req := &request{ctx: ctx, chunks: chunks, language: language, onProgress: onProgress, done: make(chan response, 1)}
	select {
	case d.queue <- req:
		metrics.RunnerQueueDepth.Set(float64(len(d.queue)))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.done:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runRemote reconstructs a single WAV from chunks, submits it to the
// runner, and polls until a terminal status.
func (d *Dispatcher) runRemote(req *request) response {
	if len(req.chunks) == 0 {
		return response{result: &capability.TranscribeResult{Language: req.language}}
	}

	wavPath, err := d.writeMergedWAV(req.chunks)
	if err != nil {
		return response{err: apperr.Wrap("dispatcher.runRemote", err)}
	}
	defer os.Remove(wavPath)

	jobID, err := d.runner.Submit(req.ctx, wavPath, req.language)
	if err != nil {
		return response{err: err}
	}

	ticker := time.NewTicker(d.pollIntervalOrDefault())
	defer ticker.Stop()

	for {
		select {
		case <-req.ctx.Done():
			return response{err: req.ctx.Err()}
		case <-ticker.C:
			poll, err := d.runner.Poll(req.ctx, jobID)
			if err != nil {
				return response{err: err}
			}
			switch poll.Status {
			case runner.StatusCompleted:
				segments := make([]capability.TranscriptSegment, len(poll.Segments))
				for i, s := range poll.Segments {
					segments[i] = capability.TranscriptSegment{Start: s.Start, End: s.End, Text: s.Text}
				}
				if req.onProgress != nil {
					req.onProgress(1.0)
				}
				return response{result: &capability.TranscribeResult{
					Text:     poll.Text,
					Language: poll.Language,
					Segments: segments,
				}}
			case runner.StatusFailed:
				return response{err: apperr.NewWithCode("dispatcher.runRemote", apperr.ErrRunnerFailure, apperr.CodeRunnerFailure, poll.Error)}
			default:
				if req.onProgress != nil {
					req.onProgress(poll.Progress)
				}
			}
		}
	}
}

func (d *Dispatcher) pollIntervalOrDefault() time.Duration {
	if d.pollInterval > 0 {
		return d.pollInterval
	}
	return 30 * time.Second
}

// writeMergedWAV concatenates chunks into one 16-bit/16kHz/mono PCM WAV,
// silence-padded at each chunk's own Offset, since the runner's wire
// contract re-derives chunks from a
// whole file rather than accepting discrete arrays; the runner returns
// already-globally-timestamped segments, so no offset bookkeeping is needed
// on the way back.
func (d *Dispatcher) writeMergedWAV(chunks []capability.SpeechChunk) (string, error) {
	const sampleRate = 16000

	last := chunks[len(chunks)-1]
	totalSamples := int((last.Offset + last.Duration) * sampleRate)
	if totalSamples <= 0 {
		totalSamples = 1
	}
	samples := make([]int16, totalSamples)
	for _, chunk := range chunks {
		start := int(chunk.Offset * sampleRate)
		for i, s := range chunk.Samples {
			idx := start + i
			if idx < 0 || idx >= len(samples) {
				continue
			}
			samples[idx] = int16(s * 32767)
		}
	}

	f, err := os.CreateTemp(d.tmpDir, "dispatch-*.wav")
	if err != nil {
		return "", fmt.Errorf("create merged wav: %w", err)
	}
	defer f.Close()

	dataSize := len(samples) * 2
	w := bufio.NewWriter(f)
	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+dataSize))
	w.WriteString("WAVE")
	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1))
	binary.Write(w, binary.LittleEndian, uint16(1))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(w, binary.LittleEndian, uint16(2))
	binary.Write(w, binary.LittleEndian, uint16(16))
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		binary.Write(w, binary.LittleEndian, s)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush merged wav: %w", err)
	}
	return f.Name(), nil
}
