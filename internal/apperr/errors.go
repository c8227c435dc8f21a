// Package apperr provides the structured error taxonomy shared by every
// stage executor and capability adapter. Following Go idioms, errors are
// values that carry context about what went wrong; sentinel errors are
// checked with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

// Generic sentinel errors shared across the service.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrTimeout       = errors.New("operation timed out")
	ErrCancelled     = errors.New("operation cancelled")
	ErrAuthRequired  = errors.New("authentication required")

	// Validation sentinels for system-boundary checks on user-supplied
	// URLs/paths.
	ErrInvalidURL          = errors.New("invalid URL")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrPermissionDenied    = errors.New("permission denied")
)

// Stage error taxonomy. Each sentinel names a discriminant
// surfaced by a capability adapter; stage executors branch on these with
// errors.Is/errors.As rather than string matching.
var (
	// ErrBlocked: the source demands a bot check / sign-in / captcha.
	ErrBlocked = errors.New("download blocked by source")
	// ErrMembershipOnly: the source requires a paid membership.
	ErrMembershipOnly = errors.New("content requires membership")
	// ErrFormatUnavailable: the requested format selector matched nothing.
	ErrFormatUnavailable = errors.New("requested format unavailable")
	// ErrLiveStream: the URL points at an in-progress live stream.
	ErrLiveStream = errors.New("live stream not supported")
	// ErrRetryableNetwork: a transient network condition (timeout, 429/5xx).
	ErrRetryableNetwork = errors.New("retryable network error")
	// ErrDownloadStuck: the supervisor detected a download past its timeout.
	ErrDownloadStuck = errors.New("download stuck past timeout")
	// ErrASRUnavailable: the in-process ASR capability could not run.
	ErrASRUnavailable = errors.New("asr capability unavailable")
	// ErrRunnerFailure: the remote transcription runner failed or timed out.
	ErrRunnerFailure = errors.New("transcription runner failure")
	// ErrLLMTransient: the LLM capability failed in a way worth retrying.
	ErrLLMTransient = errors.New("llm request failed transiently")
)

// Code enumerates the discriminant carried on a StageError for logging and
// metrics labels; it mirrors the sentinel set above.
type Code string

const (
	CodeBlocked           Code = "blocked"
	CodeMembershipOnly    Code = "membership_only"
	CodeFormatUnavailable Code = "format_unavailable"
	CodeLiveStream        Code = "live_stream"
	CodeRetryableNetwork  Code = "retryable_network"
	CodeDownloadStuck     Code = "download_stuck"
	CodeASRUnavailable    Code = "asr_unavailable"
	CodeRunnerFailure     Code = "runner_failure"
	CodeLLMTransient      Code = "llm_transient"
	CodeUnexpected        Code = "unexpected"
)

// AppError is a structured error type that carries additional context.
type AppError struct {
	Op      string // Operation that failed (e.g. "executor.Download")
	Err     error  // Underlying/sentinel error
	Message string // Operator-facing message, persisted as item.error_message
	Code    Code   // Discriminant for logging/metrics
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given operation and error.
func New(op string, err error) *AppError {
	return &AppError{Op: op, Err: err}
}

// NewWithMessage creates a new AppError with an operator-facing message.
func NewWithMessage(op string, err error, message string) *AppError {
	return &AppError{Op: op, Err: err, Message: message}
}

// NewWithCode creates a new AppError carrying a taxonomy discriminant.
func NewWithCode(op string, err error, code Code, message string) *AppError {
	return &AppError{Op: op, Err: err, Code: code, Message: message}
}

// Wrap wraps an existing error with operation context; nil in, nil out.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Err: err}
}

// WrapWithMessage wraps an error with an operator-facing message.
func WrapWithMessage(op string, err error, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Err: err, Message: message}
}

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsCancelled(err error) bool         { return errors.Is(err, ErrCancelled) }
func IsTimeout(err error) bool           { return errors.Is(err, ErrTimeout) }
func IsAuthRequired(err error) bool      { return errors.Is(err, ErrAuthRequired) }
func IsBlocked(err error) bool           { return errors.Is(err, ErrBlocked) }
func IsMembershipOnly(err error) bool    { return errors.Is(err, ErrMembershipOnly) }
func IsFormatUnavailable(err error) bool { return errors.Is(err, ErrFormatUnavailable) }
func IsLiveStream(err error) bool        { return errors.Is(err, ErrLiveStream) }
func IsRetryableNetwork(err error) bool  { return errors.Is(err, ErrRetryableNetwork) }
func IsASRUnavailable(err error) bool    { return errors.Is(err, ErrASRUnavailable) }
func IsRunnerFailure(err error) bool     { return errors.Is(err, ErrRunnerFailure) }
func IsLLMTransient(err error) bool      { return errors.Is(err, ErrLLMTransient) }

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *AppError; otherwise returns CodeUnexpected.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return CodeUnexpected
}
