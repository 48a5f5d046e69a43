package storage

import (
	"context"
	"fmt"

	"motionpipe/config"
)

// Open builds the storage backend selected in cfg. The returned close
// function is never nil.
func Open(ctx context.Context, cfg *config.Config) (Storage, func() error, error) {
	switch cfg.Storage.Type {
	case config.StorageGCS:
		gcs, err := NewGCSStorage(ctx, cfg.Storage.GCSProjectID, cfg.Storage.GCSBucketName, cfg.Storage.GCSBaseDir)
		if err != nil {
			return nil, nil, err
		}
		return gcs, gcs.Close, nil
	case config.StorageLocal, "":
		local, err := NewLocalStorage(cfg.RootFolder)
		if err != nil {
			return nil, nil, err
		}
		return local, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}
}
