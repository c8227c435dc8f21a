// Package runner holds both sides of the transcription runner protocol:
// this file is the HTTP client for the remote runner's wire contract,
// wrapped in a sony/gobreaker circuit breaker so a runner that is down or
// erroring repeatedly trips open immediately instead of exhausting the poll
// timeout on every submission.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sunyych/ingestd/internal/apperr"
)

// Status enumerates the runner job lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Segment mirrors the runner's `{start, end, text}` completion payload.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// PollResult is the parsed response of GET /transcribe/{job_id}.
type PollResult struct {
	Status   Status
	Progress float64
	Text     string
	Language string
	Segments []Segment
	Error    string
}

// Client talks to a single remote transcription runner instance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Breaker    *gobreaker.CircuitBreaker
	Log        zerolog.Logger
}

// NewClient builds a Client with a gobreaker.CircuitBreaker that trips after
// 3 consecutive failures and probes again after 30s.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		Log:        log,
	}
	c.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "transcribe-runner",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("runner: circuit breaker state change")
		},
	})
	return c
}

// Submit uploads wavPath as multipart/form-data to POST /transcribe and
// returns the assigned job_id.
func (c *Client) Submit(ctx context.Context, wavPath, language string) (string, error) {
	result, err := c.Breaker.Execute(func() (interface{}, error) {
		return c.doSubmit(ctx, wavPath, language)
	})
	if err != nil {
		return "", apperr.NewWithCode("runner.Submit", apperr.ErrRunnerFailure, apperr.CodeRunnerFailure, err.Error())
	}
	return result.(string), nil
}

func (c *Client) doSubmit(ctx context.Context, wavPath, language string) (string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy wav into form: %w", err)
	}
	// Language normalization: "unknown" or empty means "no
	// hint", never forwarded so the runner autodetects.
	if language != "" && language != "unknown" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/transcribe", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("submit returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return parsed.JobID, nil
}

// Poll issues one GET /transcribe/{job_id} and parses the status-dependent
// response shape.
func (c *Client) Poll(ctx context.Context, jobID string) (*PollResult, error) {
	result, err := c.Breaker.Execute(func() (interface{}, error) {
		return c.doPoll(ctx, jobID)
	})
	if err != nil {
		return nil, apperr.NewWithCode("runner.Poll", apperr.ErrRunnerFailure, apperr.CodeRunnerFailure, err.Error())
	}
	return result.(*PollResult), nil
}

func (c *Client) doPoll(ctx context.Context, jobID string) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/transcribe/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw struct {
		Status   string    `json:"status"`
		Progress float64   `json:"progress"`
		Text     string    `json:"text"`
		Language string    `json:"language"`
		Segments []Segment `json:"segments"`
		Error    string    `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	pr := &PollResult{
		Status:   Status(raw.Status),
		Progress: raw.Progress,
		Text:     raw.Text,
		Language: raw.Language,
		Segments: raw.Segments,
		Error:    raw.Error,
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusInternalServerError {
		return nil, fmt.Errorf("poll returned unexpected status %d", resp.StatusCode)
	}
	return pr, nil
}

// Health calls GET /health, returning nil only on {"status":"ok"}.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("health check reported status %q", body.Status)
	}
	return nil
}
