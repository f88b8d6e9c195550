package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
}

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "recordings")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Verify bucket exists
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s in project %s: %w", bucketName, projectID, err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
	}, nil
}

func (s *GCSStorage) object(p string) (*storage.ObjectHandle, error) {
	if !ValidPath(p) {
		return nil, fmt.Errorf("invalid storage path %q", p)
	}
	return s.client.Bucket(s.bucketName).Object(s.fullPath(p)), nil
}

// Write writes data to GCS
func (s *GCSStorage) Write(ctx context.Context, p string, data []byte) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = ContentType(p)
	w.CacheControl = cacheControl(p)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return nil
}

// Read reads data from GCS
func (s *GCSStorage) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := s.object(p)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, gcsError("read", p, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	return data, nil
}

// Open downloads the object into memory so it can be served with seeking.
// Segments are a few seconds of video, so this stays small.
func (s *GCSStorage) Open(ctx context.Context, p string) (io.ReadSeekCloser, error) {
	data, err := s.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return nopSeekCloser{bytes.NewReader(data)}, nil
}

// Delete deletes an object from GCS
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}

	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}

	return nil
}

// Exists checks if an object exists in GCS
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	obj, err := s.object(p)
	if err != nil {
		return false, err
	}

	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}

	return true, nil
}

// List lists objects directly under dir
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// Prefix-only entries stand for subdirectories
		if attrs.Name == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	sort.Strings(files)

	return files, nil
}

// SignedURL generates a signed URL for direct download of a segment
func (s *GCSStorage) SignedURL(p string, expiration time.Duration) (string, error) {
	if !ValidPath(p) {
		return "", fmt.Errorf("invalid storage path %q", p)
	}

	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiration),
	}

	url, err := s.client.Bucket(s.bucketName).SignedURL(s.fullPath(p), opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}

	return url, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) fullPath(p string) string {
	if s.baseDir == "" {
		return p
	}
	if p == "" {
		return s.baseDir
	}
	return s.baseDir + "/" + p
}

func gcsError(op, p string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to %s %s: %w", op, p, ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s: %w", op, p, err)
}

type nopSeekCloser struct {
	io.ReadSeeker
}

func (nopSeekCloser) Close() error { return nil }
