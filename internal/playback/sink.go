package playback

import (
	"context"
	"fmt"
	"sync/atomic"

	"motionpipe/internal/storage"
)

// Sink receives every released frame as a JPEG
type Sink interface {
	WriteFrame(ctx context.Context, frameNumber uint64, jpeg []byte) error
	Close() error
}

// StorageSink writes released frames to a Storage in release order
type StorageSink struct {
	store storage.Storage
	seq   atomic.Uint64
}

// NewStorageSink creates a sink writing into store
func NewStorageSink(store storage.Storage) *StorageSink {
	return &StorageSink{store: store}
}

// ReleaseLocator names the n-th released frame
func ReleaseLocator(n uint64, frameNumber uint64) string {
	return fmt.Sprintf("%08d_frame_%06d.jpg", n, frameNumber)
}

// WriteFrame stores one frame. Duplicate frame numbers get distinct names.
func (s *StorageSink) WriteFrame(ctx context.Context, frameNumber uint64, jpeg []byte) error {
	n := s.seq.Add(1) - 1
	return s.store.Write(ctx, ReleaseLocator(n, frameNumber), jpeg)
}

// Close is a no-op; the storage is owned by the caller
func (s *StorageSink) Close() error {
	return nil
}
