package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a frame locator does not resolve to an object
var ErrNotFound = errors.New("object not found")

// Storage stores frame images addressed by slash-separated locators
// relative to the configured root (e.g. "<session>/frame_000042.jpg").
type Storage interface {
	// Write writes data to a locator
	Write(ctx context.Context, locator string, data []byte) error

	// Read reads the data behind a locator
	Read(ctx context.Context, locator string) ([]byte, error)

	// Delete removes an object; a missing object is not an error
	Delete(ctx context.Context, locator string) error

	// List returns object names directly under a directory locator. A
	// missing directory lists as empty.
	List(ctx context.Context, dir string) ([]string, error)
}

// FrameLocator returns the locator of frame n within a session folder
func FrameLocator(sessionID string, frameNumber uint64) string {
	return fmt.Sprintf("%s/frame_%06d.jpg", sessionID, frameNumber)
}

// SessionOf returns the session folder of a frame locator, or "" for a
// locator at the root
func SessionOf(locator string) string {
	dir := path.Dir(strings.ReplaceAll(locator, "\\", "/"))
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// cleanLocator rejects locators that would escape the storage root
func cleanLocator(locator string) (string, error) {
	if strings.TrimSpace(locator) == "" {
		return "", fmt.Errorf("empty locator")
	}
	cleaned := path.Clean(strings.ReplaceAll(locator, "\\", "/"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("locator %q escapes storage root", locator)
	}
	return cleaned, nil
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

func (s *LocalStorage) resolve(locator string) (string, error) {
	cleaned, err := cleanLocator(locator)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(cleaned)), nil
}

// Write writes data to a file, creating parent directories
func (s *LocalStorage) Write(_ context.Context, locator string, data []byte) error {
	fullPath, err := s.resolve(locator)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write through a temp file so readers never observe a partial frame
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finalize file: %w", err)
	}

	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(_ context.Context, locator string) ([]byte, error) {
	fullPath, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// Delete deletes a file or an empty directory
func (s *LocalStorage) Delete(_ context.Context, locator string) error {
	fullPath, err := s.resolve(locator)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// List lists files in a directory
func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	fullPath := s.baseDir
	if dir != "" && dir != "." {
		resolved, err := s.resolve(dir)
		if err != nil {
			return nil, err
		}
		fullPath = resolved
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), ".tmp") {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

// BaseDir returns the root directory
func (s *LocalStorage) BaseDir() string {
	return s.baseDir
}
