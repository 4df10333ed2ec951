package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/config"
)

// AudioStore abstracts where uploaded audio lives.
type AudioStore interface {
	// Save stores the contents of r under key and returns the bytes written.
	// key format: uploads/audio/{uuid}.{ext}
	Save(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)

	// LocalPath returns the filesystem path if the file exists on disk,
	// "" otherwise.
	LocalPath(key string) string

	// URL returns a presigned URL, or "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// New creates an AudioStore from config, plus the background services the
// caller must Start and Stop. S3 that is configured but unreachable is an
// error.
func New(cfg config.S3Config, audioDir string, log zerolog.Logger) (AudioStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(audioDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	local := NewLocalStore(audioDir)
	uploader := NewAsyncUploader(s3store, local, 256, log)
	tiered := NewTieredStore(s3store, local, uploader, log)
	reconciler := NewUploadReconciler(local, s3store, log)

	return tiered, []BackgroundService{uploader, reconciler}, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}
