package validate_test

import (
	"testing"

	"github.com/sunyych/ingestd/internal/validate"
)

func TestURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https URL", "https://youtube.com/watch?v=123", false},
		{"valid http URL", "http://example.com", false},
		{"empty URL", "", true},
		{"no scheme", "youtube.com/watch", true},
		{"ftp scheme rejected", "ftp://example.com", true},
		{"whitespace only", "   ", true},
		{"URL with spaces trimmed", "  https://example.com  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validate.URL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("URL(%q) error = %v, wantErr = %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestMediaURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"YouTube URL", "https://youtube.com/watch?v=123", false},
		{"YouTube short URL", "https://youtu.be/123", false},
		{"Vimeo URL", "https://vimeo.com/12345", false},
		{"Unsupported platform", "https://randomsite.com/video", true},
		{"Empty URL", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validate.MediaURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("MediaURL(%q) error = %v, wantErr = %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestPositiveInt(t *testing.T) {
	tests := []struct {
		name         string
		value        int
		defaultValue int
		expected     int
	}{
		{"negative uses default", -5, 10, 10},
		{"zero uses default", 0, 10, 10},
		{"positive uses value", 5, 10, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validate.PositiveInt(tt.value, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("PositiveInt(%d, %d) = %d, want %d", tt.value, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestDirectoryPath(t *testing.T) {
	dir := t.TempDir()
	abs, err := validate.DirectoryPath(dir)
	if err != nil {
		t.Fatalf("DirectoryPath(%q) error: %v", dir, err)
	}
	if abs == "" {
		t.Error("expected a non-empty absolute path")
	}

	if _, err := validate.DirectoryPath(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := validate.DirectoryPath("../etc/passwd"); err == nil {
		t.Error("expected error for path traversal pattern")
	}
}
