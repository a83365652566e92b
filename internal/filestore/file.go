// Package filestore implements interfaces.FileStore (C2) on the local filesystem, grounded
// on the teacher's internal/storage/file_blob.go atomic temp-file+rename write and
// path-traversal sanitization, extended with the append-only/resume semantics spec.md §4.5
// requires for output files.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
)

// Store implements interfaces.FileStore using the local filesystem.
type Store struct {
	basePath string
	logger   *common.Logger

	mu      sync.Mutex // serialises append+fsync per output file against concurrent chunk writers
	appends map[string]*sync.Mutex
}

// NewStore creates a new local-disk file store rooted at basePath.
func NewStore(logger *common.Logger, basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("file store base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create file store base directory %s: %w", basePath, err)
	}
	logger.Debug().Str("path", basePath).Msg("FileStore initialized")
	return &Store{basePath: basePath, logger: logger, appends: make(map[string]*sync.Mutex)}, nil
}

// sanitizeKey prevents path traversal while keeping opaque file ids simple.
func sanitizeKey(key string) string {
	clean := filepath.Clean(key)
	clean = strings.TrimPrefix(clean, "/")
	if strings.Contains(clean, "..") {
		clean = strings.ReplaceAll(clean, "..", "__")
	}
	return clean
}

func (s *Store) pathFor(fileID string) string {
	return filepath.Join(s.basePath, sanitizeKey(fileID))
}

func (s *Store) lockFor(fileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.appends[fileID]
	if !ok {
		m = &sync.Mutex{}
		s.appends[fileID] = m
	}
	return m
}

// PutInput stores an immutable input file via the teacher's atomic temp-file+rename pattern.
func (s *Store) PutInput(_ context.Context, data []byte) (string, error) {
	fileID := "file-" + uuid.New().String()
	path := s.pathFor(fileID)

	tmpFile, err := os.CreateTemp(s.basePath, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, bytes.NewReader(data)); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return fileID, nil
}

func (s *Store) Get(_ context.Context, fileID string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s not found", fileID)
		}
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return data, nil
}

// AppendOutputLine creates the file on first call, appends one line, and fsyncs before
// returning — the crash-safety foundation of spec.md §4.3.
func (s *Store) AppendOutputLine(_ context.Context, fileID string, line []byte) error {
	lock := s.lockFor(fileID)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(fileID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file %s: %w", fileID, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append to output file %s: %w", fileID, err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		if _, err := f.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to append newline to output file %s: %w", fileID, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to fsync output file %s: %w", fileID, err)
	}
	return nil
}

// CountLines returns the number of complete (newline-terminated) lines in a file. A dangling
// partial final line left by a crash mid-append has no trailing newline and is not counted —
// this is what lets Truncate actually discard it as a corruption guard on resume.
func (s *Store) CountLines(_ context.Context, fileID string) (int, error) {
	path := s.pathFor(fileID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read output file %s: %w", fileID, err)
	}
	return bytes.Count(data, []byte("\n")), nil
}

// Truncate trims an output file down to exactly n complete lines, discarding any dangling
// partial final line left by a crash mid-append (spec.md §4.3 "corruption guard").
func (s *Store) Truncate(_ context.Context, fileID string, n int) error {
	lock := s.lockFor(fileID)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(fileID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read output file %s for truncate: %w", fileID, err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	// SplitAfter on a trailing-newline file leaves a final empty string element; drop it.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if n < 0 {
		n = 0
	}
	if n > len(lines) {
		n = len(lines)
	}
	kept := strings.Join(lines[:n], "")

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for truncate: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.WriteString(kept); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write truncated output: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync truncated output: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename truncated output into place: %w", err)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, fileID string) (bool, error) {
	_, err := os.Stat(s.pathFor(fileID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat file %s: %w", fileID, err)
}

func (s *Store) Close() error { return nil }

var _ interfaces.FileStore = (*Store)(nil)
