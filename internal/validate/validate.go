// Package validate provides input validation for URLs and paths at the
// system's only real trust boundary: a submitted item URL or subscription
// channel URL.
package validate

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sunyych/ingestd/internal/apperr"
)

// SupportedPlatforms lists the hosts the Downloader/Channel capabilities are
// expected to resolve; an unsupported host
// is rejected before it ever reaches the download stage.
var SupportedPlatforms = []string{
	"youtube.com", "youtu.be",
	"vimeo.com",
	"twitch.tv",
	"dailymotion.com",
}

// dangerousPathPatterns flag path traversal attempts in configured directories.
var dangerousPathPatterns = []string{"..", "~", "$"}

// URL validates a URL and returns the parsed form.
func URL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "URL must not be empty")
	}
	rawURL = strings.TrimSpace(rawURL)

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "URL must start with http:// or https://")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "invalid URL")
	}
	if parsed.Host == "" {
		return nil, apperr.NewWithMessage("validate.URL", apperr.ErrInvalidURL, "URL has no host")
	}
	return parsed, nil
}

// MediaURL validates a URL and checks it names a supported source platform.
func MediaURL(rawURL string) (*url.URL, error) {
	parsed, err := URL(rawURL)
	if err != nil {
		return nil, err
	}
	host := strings.ToLower(parsed.Host)
	for _, platform := range SupportedPlatforms {
		if strings.Contains(host, platform) {
			return parsed, nil
		}
	}
	return nil, apperr.NewWithMessage("validate.MediaURL", apperr.ErrUnsupportedPlatform,
		fmt.Sprintf("unsupported platform: %s", parsed.Host))
}

// DirectoryPath validates a configured storage directory, returning the
// cleaned absolute path. Used at startup to validate video_storage_dir and
// the SQLite data directory before the Job Store or Pool Scheduler start.
func DirectoryPath(path string) (string, error) {
	if path == "" {
		return "", apperr.NewWithMessage("validate.DirectoryPath", apperr.ErrInvalidURL, "path must not be empty")
	}
	for _, pattern := range dangerousPathPatterns {
		if strings.Contains(path, pattern) {
			return "", apperr.NewWithMessage("validate.DirectoryPath", apperr.ErrPermissionDenied,
				"path contains disallowed characters")
		}
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", apperr.Wrap("validate.DirectoryPath", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return absPath, nil
		}
		return "", apperr.Wrap("validate.DirectoryPath", err)
	}
	if !info.IsDir() {
		return "", apperr.NewWithMessage("validate.DirectoryPath", apperr.ErrInvalidURL, "path is not a directory")
	}
	return absPath, nil
}

// PositiveInt returns value if positive, else defaultValue — used to
// sanitize configuration knobs read from JSON/env.
func PositiveInt(value, defaultValue int) int {
	if value <= 0 {
		return defaultValue
	}
	return value
}

// NonEmptyString returns the trimmed value, or defaultValue if empty.
func NonEmptyString(value, defaultValue string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue
	}
	return value
}
