// Package logging configures the orchestrator's zerolog logger: JSON lines
// into dataDir/logs/ingestd.log with numbered shift rotation, so a
// long-running ingest daemon never grows an unbounded log file. Level and
// rotation limits come from the configuration surface; INGESTD_DEBUG=1
// forces debug regardless of the configured level.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global application logger.
var Log zerolog.Logger

// Options carries the tunable logging surface.
type Options struct {
	Level      string // zerolog level name; empty means "info"
	MaxSizeMB  int    // rotate when the active file exceeds this; <=0 means 10
	MaxBackups int    // rotated files kept as ingestd.log.1..N; <=0 means 5
}

// Init opens the log sink under dataDir/logs and installs the global
// logger.
func Init(dataDir string, opts Options) error {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	maxSize := int64(opts.MaxSizeMB)
	if maxSize <= 0 {
		maxSize = 10
	}
	keep := opts.MaxBackups
	if keep <= 0 {
		keep = 5
	}

	sink := &fileSink{
		path:  filepath.Join(logDir, "ingestd.log"),
		limit: maxSize * 1024 * 1024,
		keep:  keep,
	}
	if err := sink.open(); err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(resolveLevel(opts.Level))

	Log = zerolog.New(sink).
		With().
		Timestamp().
		Caller().
		Logger()

	Log.Info().Str("logPath", sink.path).Msg("logger initialized")
	return nil
}

// resolveLevel parses the configured level name, with INGESTD_DEBUG
// overriding whatever the file says.
func resolveLevel(name string) zerolog.Level {
	if v := os.Getenv("INGESTD_DEBUG"); v == "1" || v == "true" {
		return zerolog.DebugLevel
	}
	if name == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// fileSink is an io.Writer with numbered shift rotation: when the active
// file would exceed limit, ingestd.log.N-1 → ingestd.log.N (dropping the
// oldest), the active file becomes ingestd.log.1, and a fresh file is
// opened. Rotation is synchronous; the write that triggers it lands in the
// new file.
type fileSink struct {
	mu      sync.Mutex
	path    string
	limit   int64
	keep    int
	file    *os.File
	written int64
}

func (s *fileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.written = info.Size()
	return nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written+int64(len(p)) > s.limit {
		if err := s.rotate(); err != nil {
			// Keep writing to the oversized file rather than dropping logs.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := s.file.Write(p)
	s.written += int64(n)
	return n, err
}

// rotate shifts the numbered backup chain up by one and reopens a fresh
// active file. ingestd.log.<keep> falls off the end.
func (s *fileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return err
	}

	os.Remove(s.backupPath(s.keep))
	for i := s.keep - 1; i >= 1; i-- {
		from := s.backupPath(i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, s.backupPath(i+1)); err != nil {
			return err
		}
	}
	if err := os.Rename(s.path, s.backupPath(1)); err != nil {
		// Could not move the full file aside; reopen it and report.
		s.open()
		return err
	}
	return s.open()
}

func (s *fileSink) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", s.path, n)
}
