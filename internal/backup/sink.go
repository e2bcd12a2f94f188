package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrBlobNotFound is returned by Read when no blob has the name. The
	// manager treats it as an empty snapshot (first start).
	ErrBlobNotFound = errors.New("backup blob not found")
	// ErrInvalidName rejects names that would escape the sink's namespace.
	ErrInvalidName = errors.New("invalid backup blob name")
)

// Sink stores named, opaque blobs.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ============================================================================
// FileSink - 原子性寫入（temp file + rename）
// ============================================================================

// FileSink keeps each blob as a file in one directory.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Path returns the file backing the blob.
func (s *FileSink) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Write replaces the blob atomically: the data goes to a temp file that is
// synced and renamed over the previous version.
func (s *FileSink) Write(_ context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (s *FileSink) Read(_ context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// ============================================================================
// MemorySink
// ============================================================================

// MemorySink keeps blobs in memory. Useful for tests and for running
// without durability.
type MemorySink struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{blobs: make(map[string][]byte)}
}

func (s *MemorySink) Write(_ context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[name] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Read(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
	}
	return append([]byte(nil), data...), nil
}
