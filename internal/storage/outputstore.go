package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// OutputStore manages converted image outputs within a sandboxed
// directory tree. Directory structure:
//   - runs/<runID>/  - published outputs, one subtree per conversion run
//   - temp/          - in-progress files (cleaned up on publish)
//
// All writes are atomic: callers never observe a partially written
// output file.
type OutputStore struct {
	sandbox *Sandbox
}

// OutputEntry describes one published output file.
type OutputEntry struct {
	// Path is relative to the store base directory.
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// NewOutputStore creates an OutputStore rooted at the given base directory.
func NewOutputStore(baseDir string) (*OutputStore, error) {
	sandbox, err := NewSandbox(baseDir)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	if err := sandbox.MkdirAll("runs"); err != nil {
		return nil, fmt.Errorf("creating runs directory: %w", err)
	}

	return &OutputStore{sandbox: sandbox}, nil
}

// BaseDir returns the absolute path of the store base directory.
func (s *OutputStore) BaseDir() string {
	return s.sandbox.BaseDir()
}

// RunDir returns the store-relative directory for a run's outputs.
func (s *OutputStore) RunDir(runID string) string {
	return filepath.Join("runs", runID)
}

// Publish atomically writes an output file for a run and returns its
// store-relative path and size. The name may contain subdirectories
// mirroring the input layout; it must not escape the run directory.
func (s *OutputStore) Publish(runID, name string, data []byte) (string, int64, error) {
	path := filepath.Join(s.RunDir(runID), name)

	if err := s.sandbox.AtomicWrite(path, data); err != nil {
		return "", 0, fmt.Errorf("writing output file: %w", err)
	}

	return path, int64(len(data)), nil
}

// PublishReader atomically writes an output file from a reader.
func (s *OutputStore) PublishReader(runID, name string, r io.Reader) (string, int64, error) {
	path := filepath.Join(s.RunDir(runID), name)

	if err := s.sandbox.AtomicWriteReader(path, r); err != nil {
		return "", 0, fmt.Errorf("writing output file: %w", err)
	}

	size, err := s.sandbox.Size(path)
	if err != nil {
		return "", 0, fmt.Errorf("getting file size: %w", err)
	}

	return path, size, nil
}

// Open opens a published output file for reading.
func (s *OutputStore) Open(relativePath string) (*os.File, error) {
	return s.sandbox.OpenFile(relativePath, os.O_RDONLY, 0)
}

// ReadBytes reads all bytes of a published output file.
func (s *OutputStore) ReadBytes(relativePath string) ([]byte, error) {
	return s.sandbox.ReadFile(relativePath)
}

// Exists checks whether an output file exists.
func (s *OutputStore) Exists(relativePath string) (bool, error) {
	return s.sandbox.Exists(relativePath)
}

// Size returns the size of an output file in bytes.
func (s *OutputStore) Size(relativePath string) (int64, error) {
	return s.sandbox.Size(relativePath)
}

// AbsolutePath returns the absolute filesystem path for a store-relative path.
func (s *OutputStore) AbsolutePath(relativePath string) (string, error) {
	return s.sandbox.ResolvePath(relativePath)
}

// ListRun returns all output files published for a run, sorted by path.
// A run with no outputs yields an empty list, not an error.
func (s *OutputStore) ListRun(runID string) ([]OutputEntry, error) {
	runDir := s.RunDir(runID)

	exists, err := s.sandbox.Exists(runDir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []OutputEntry{}, nil
	}

	var entries []OutputEntry
	err = s.sandbox.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		entries = append(entries, OutputEntry{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing run outputs: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// TotalSize returns the combined size of all outputs for a run.
func (s *OutputStore) TotalSize(runID string) (int64, error) {
	entries, err := s.ListRun(runID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// RemoveRun deletes a run's output directory and everything in it.
func (s *OutputStore) RemoveRun(runID string) error {
	return s.sandbox.RemoveAll(s.RunDir(runID))
}
