package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestSink(t *testing.T, limit int64, keep int) *fileSink {
	t.Helper()
	s := &fileSink{
		path:  filepath.Join(t.TempDir(), "ingestd.log"),
		limit: limit,
		keep:  keep,
	}
	if err := s.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.file.Close() })
	return s
}

func TestFileSink_RotatesPastLimit(t *testing.T) {
	s := newTestSink(t, 64, 3)

	line := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 3; i++ {
		if _, err := s.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(s.backupPath(1)); err != nil {
		t.Fatalf("expected first backup after rotation: %v", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatalf("stat active file: %v", err)
	}
	if info.Size() > 64 {
		t.Fatalf("active file size = %d, want <= limit after rotation", info.Size())
	}
}

func TestFileSink_DropsOldestBeyondKeep(t *testing.T) {
	s := newTestSink(t, 10, 2)

	line := bytes.Repeat([]byte("y"), 12)
	for i := 0; i < 5; i++ {
		if _, err := s.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(s.backupPath(1)); err != nil {
		t.Fatalf("backup 1 missing: %v", err)
	}
	if _, err := os.Stat(s.backupPath(2)); err != nil {
		t.Fatalf("backup 2 missing: %v", err)
	}
	if _, err := os.Stat(s.backupPath(3)); err == nil {
		t.Fatal("backup 3 exists, want chain capped at keep=2")
	}
}

func TestResolveLevel(t *testing.T) {
	t.Setenv("INGESTD_DEBUG", "")
	if got := resolveLevel(""); got != zerolog.InfoLevel {
		t.Fatalf("empty level = %s, want info", got)
	}
	if got := resolveLevel("warn"); got != zerolog.WarnLevel {
		t.Fatalf("warn = %s", got)
	}
	if got := resolveLevel("nonsense"); got != zerolog.InfoLevel {
		t.Fatalf("bad level = %s, want info fallback", got)
	}
	t.Setenv("INGESTD_DEBUG", "1")
	if got := resolveLevel("error"); got != zerolog.DebugLevel {
		t.Fatalf("INGESTD_DEBUG override = %s, want debug", got)
	}
}
