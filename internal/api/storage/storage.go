// Package storage is the shared-directory file store the gateway and the
// conversion worker exchange artifacts through.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/slideforge/converter-gateway/internal/api/domain"
)

// Storage reads and writes job artifacts under one shared directory. Input
// documents are stored as <jobID>.json; the worker writes <jobID>.pptx next
// to them.
type Storage struct {
	sharedDir string
}

// NewStorage creates a Storage rooted at sharedDir, creating it if needed.
func NewStorage(sharedDir string) (*Storage, error) {
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shared directory: %w", err)
	}
	return &Storage{sharedDir: sharedDir}, nil
}

// InputName returns the stored input file name for a job.
func (s *Storage) InputName(jobID string) string {
	return jobID + ".json"
}

// OutputName returns the artifact file name the worker produces for a job.
func (s *Storage) OutputName(jobID string) string {
	return jobID + ".pptx"
}

// SaveInput streams the uploaded document to the shared directory and
// returns the number of bytes written. On error any partial file is removed.
func (s *Storage) SaveInput(jobID string, r io.Reader) (int64, error) {
	path := filepath.Join(s.sharedDir, s.InputName(jobID))

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create input file: %w", err)
	}

	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write input file: %w", err)
	}

	return written, nil
}

// ReadInput returns the stored input document for validation.
func (s *Storage) ReadInput(jobID string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.sharedDir, s.InputName(jobID)))
}

// RemoveInput deletes a job's stored input. Missing files are not an error.
func (s *Storage) RemoveInput(jobID string) error {
	err := os.Remove(filepath.Join(s.sharedDir, s.InputName(jobID)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove input file: %w", err)
	}
	return nil
}

// InputExists reports whether a job's input document is on disk.
func (s *Storage) InputExists(jobID string) bool {
	_, err := os.Stat(filepath.Join(s.sharedDir, s.InputName(jobID)))
	return err == nil
}

// OpenArtifact opens the finished artifact for a job. Returns
// domain.ErrArtifactMissing when the worker has not produced it (still
// processing, failed, or expired).
func (s *Storage) OpenArtifact(jobID string) (*os.File, int64, error) {
	path := filepath.Join(s.sharedDir, s.OutputName(jobID))

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, domain.ErrArtifactMissing
		}
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}

	return f, info.Size(), nil
}
