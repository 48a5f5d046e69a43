package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage keeps frames as objects in one bucket, optionally under a prefix
type GCSStorage struct {
	client  *storage.Client
	bucket  *storage.BucketHandle
	baseDir string
}

// NewGCSStorage connects with application default credentials and checks
// that bucketName is reachable. baseDir is an optional object prefix.
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client for project %s: %w", projectID, err)
	}

	// Verify bucket exists
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{
		client:  client,
		bucket:  bucket,
		baseDir: strings.Trim(baseDir, "/"),
	}, nil
}

// Write uploads a frame object
func (s *GCSStorage) Write(ctx context.Context, locator string, data []byte) error {
	obj, err := s.object(locator)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = contentType(locator)
	w.CacheControl = "private, max-age=3600"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", locator, err)
	}
	// The upload is only committed by Close
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs commit %s: %w", locator, err)
	}
	return nil
}

// Read downloads a frame object
func (s *GCSStorage) Read(ctx context.Context, locator string) ([]byte, error) {
	obj, err := s.object(locator)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("gcs open %s: %w", locator, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", locator, err)
	}
	return data, nil
}

// Delete removes an object; a missing object is not an error
func (s *GCSStorage) Delete(ctx context.Context, locator string) error {
	obj, err := s.object(locator)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", locator, err)
	}
	return nil
}

// List lists object names under a directory prefix
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.baseDir
	if dir != "" && dir != "." {
		p, err := s.fullPath(dir)
		if err != nil {
			return nil, err
		}
		prefix = p
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.bucket.Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}

		// Synthetic directory entries only carry a prefix
		if attrs.Name == "" {
			continue
		}
		name := strings.TrimPrefix(attrs.Name, prefix)
		if name != "" && !strings.HasSuffix(name, "/") {
			files = append(files, name)
		}
	}

	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(locator string) (*storage.ObjectHandle, error) {
	name, err := s.fullPath(locator)
	if err != nil {
		return nil, err
	}
	return s.bucket.Object(name), nil
}

func (s *GCSStorage) fullPath(locator string) (string, error) {
	cleaned, err := cleanLocator(locator)
	if err != nil {
		return "", err
	}
	if s.baseDir == "" {
		return cleaned, nil
	}
	return s.baseDir + "/" + cleaned, nil
}

func contentType(locator string) string {
	switch strings.ToLower(path.Ext(locator)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
