// Package logging provides log output selection and a rotating file
// writer for structured log output. The writer implements io.WriteCloser
// and rotates files by size, keeping a configurable number of backups
// and removing files older than a maximum age.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rgould/guardcore/internal/config"
)

// Open returns the log writer for the configured output: os.Stdout,
// os.Stderr, or a rotating file writer for any other value.
func Open(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		return rw, rw, nil
	}
}

// RotatingWriter is an io.WriteCloser that rotates log files by size.
// Rotated files are named <base>-<timestamp><ext>.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	size       int64
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

// NewRotatingWriter opens the log file (creating it if needed) and
// returns a writer that rotates when the file exceeds maxSizeMB. At most
// maxBackups rotated files are kept, and files older than maxAgeDays are
// removed.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write rotates the file first if writing would exceed the size limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Close()
	}
	return nil
}

// splitPath returns the path without extension and the extension,
// defaulting to ".log".
func (rw *RotatingWriter) splitPath() (string, string) {
	ext := filepath.Ext(rw.path)
	base := strings.TrimSuffix(rw.path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}

func (rw *RotatingWriter) rotate() error {
	if rw.file != nil {
		rw.file.Close()
	}

	base, ext := rw.splitPath()
	rotated := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102-150405"), ext)
	os.Rename(rw.path, rotated) //nolint:errcheck

	if err := rw.open(); err != nil {
		return err
	}

	// Prune old backups off the write path.
	go rw.prune()
	return nil
}

// prune removes rotated files beyond maxBackups and older than maxAge.
func (rw *RotatingWriter) prune() {
	base, ext := rw.splitPath()
	dir := filepath.Dir(rw.path)
	prefix := filepath.Base(base) + "-"
	current := filepath.Base(rw.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) && name != current {
			rotated = append(rotated, name)
		}
	}

	// Timestamped names sort oldest first.
	sort.Strings(rotated)

	for len(rotated) > rw.maxBackups {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	cutoff := time.Now().Add(-rw.maxAge)
	for _, name := range rotated {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}
