package storage

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// TieredStore keeps local disk as the source of truth and mirrors every file
// to S3 in the background.
// Write path: save locally (fatal on failure), then enqueue the S3 copy.
// Read path: local first, S3 fallback with cache-on-read.
type TieredStore struct {
	s3       *S3Store
	local    *LocalStore
	uploader *AsyncUploader
	log      zerolog.Logger
}

func NewTieredStore(s3 *S3Store, local *LocalStore, uploader *AsyncUploader, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		s3:       s3,
		local:    local,
		uploader: uploader,
		log:      log.With().Str("component", "tiered-store").Logger(),
	}
}

func (s *TieredStore) Save(ctx context.Context, key string, r io.Reader, ct string) (int64, error) {
	n, err := s.local.Save(ctx, key, r, ct)
	if err != nil {
		return 0, err
	}
	s.uploader.Enqueue(key, ct)
	return n, nil
}

func (s *TieredStore) LocalPath(key string) string {
	return s.local.LocalPath(key)
}

func (s *TieredStore) URL(ctx context.Context, key string) (string, error) {
	if !s.s3.Exists(ctx, key) {
		// Not mirrored yet; let the caller stream the local copy.
		return "", nil
	}
	return s.s3.URL(ctx, key)
}

// Open prefers the local copy. On an S3 hit the object is cached to local
// disk and served from there.
func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if f, err := s.local.Open(ctx, key); err == nil {
		return f, nil
	}
	r, err := s.s3.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	_, cacheErr := s.local.Save(ctx, key, r, "")
	r.Close()
	if cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache S3 file locally")
		return s.s3.Open(ctx, key)
	}
	return s.local.Open(ctx, key)
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	return s.s3.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }

// mirror copies one local file to S3.
func mirror(ctx context.Context, local *LocalStore, s3 *S3Store, key, ct string) error {
	path := local.LocalPath(key)
	if path == "" {
		return os.ErrNotExist
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s3.Save(ctx, key, f, ct)
	return err
}
