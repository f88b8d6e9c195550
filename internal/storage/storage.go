// Package storage persists recorded session segments on local disk or in Google Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// Storage stores recording objects addressed by slash-separated relative paths
type Storage interface {
	// Write stores data at path, replacing any existing object
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the object at path
	Read(ctx context.Context, path string) ([]byte, error)

	// Open returns a seekable reader for the object (for http.ServeContent)
	Open(ctx context.Context, path string) (io.ReadSeekCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the object exists
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the object names directly under dir, sorted
	List(ctx context.Context, dir string) ([]string, error)
}

// URLSigner is implemented by backends that can hand out temporary download URLs
type URLSigner interface {
	SignedURL(path string, expiration time.Duration) (string, error)
}

// Config selects and configures a backend
type Config struct {
	Type          string // "local" or "gcs"
	Dir           string // local base directory
	GCSProjectID  string
	GCSBucketName string
	GCSBaseDir    string
}

// New creates the backend named by cfg.Type
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Dir)
	case "gcs":
		if cfg.GCSProjectID == "" || cfg.GCSBucketName == "" {
			return nil, errors.New("GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
		}
		return NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// ValidPath reports whether p is a clean relative path that stays inside the store
func ValidPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	return clean == p && clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		return nil, errors.New("storage directory not set")
	}
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// Write writes data to a temporary file and renames it into place, so readers never
// see a partial segment
func (s *LocalStorage) Write(ctx context.Context, p string, data []byte) error {
	fullPath, err := s.resolve(p)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(ctx context.Context, p string) ([]byte, error) {
	fullPath, err := s.resolve(p)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fileError("read", p, err)
	}

	return data, nil
}

// Open opens the file for reading
func (s *LocalStorage) Open(ctx context.Context, p string) (io.ReadSeekCloser, error) {
	fullPath, err := s.resolve(p)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fileError("open", p, err)
	}

	return file, nil
}

// Delete deletes a file and removes its directory once empty
func (s *LocalStorage) Delete(ctx context.Context, p string) error {
	fullPath, err := s.resolve(p)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Only succeeds for an empty directory
	if dir := filepath.Dir(fullPath); dir != filepath.Clean(s.baseDir) {
		os.Remove(dir)
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(ctx context.Context, p string) (bool, error) {
	fullPath, err := s.resolve(p)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// List lists files in a directory
func (s *LocalStorage) List(ctx context.Context, dir string) ([]string, error) {
	fullPath := s.baseDir
	if dir != "" {
		var err error
		if fullPath, err = s.resolve(dir); err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fileError("list", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	return files, nil
}

// GetFullPath returns the full filesystem path for a relative path
func (s *LocalStorage) GetFullPath(p string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(p))
}

func (s *LocalStorage) resolve(p string) (string, error) {
	if !ValidPath(p) {
		return "", fmt.Errorf("invalid storage path %q", p)
	}
	return s.GetFullPath(p), nil
}

func fileError(op, p string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("failed to %s %s: %w", op, p, ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s: %w", op, p, err)
}

// ContentType returns the MIME type stored and served with an object
func ContentType(p string) string {
	switch path.Ext(p) {
	case ".h264", ".264":
		return "video/h264"
	case ".mp4":
		return "video/mp4"
	case ".m4s":
		return "video/iso.segment"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// cacheControl returns the cache policy stored with an object
func cacheControl(p string) string {
	// Manifests change while a session records
	if path.Ext(p) == ".json" {
		return "no-cache, no-store, must-revalidate"
	}
	// Segments never change once written
	return "public, max-age=3600"
}
