package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader mirrors locally saved files to S3 without blocking uploads.
// Dropped or failed jobs are picked up later by the UploadReconciler.
type AsyncUploader struct {
	s3       *S3Store
	local    *LocalStore
	ch       chan uploadJob
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

type uploadJob struct {
	key         string
	contentType string
}

func NewAsyncUploader(s3 *S3Store, local *LocalStore, bufferSize int, log zerolog.Logger) *AsyncUploader {
	return &AsyncUploader{
		s3:    s3,
		local: local,
		ch:    make(chan uploadJob, bufferSize),
		log:   log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue schedules an S3 copy of key. Non-blocking; drops with a warning
// when full or stopped.
func (u *AsyncUploader) Enqueue(key, contentType string) {
	if u.stopped.Load() {
		return
	}
	select {
	case u.ch <- uploadJob{key: key, contentType: contentType}:
	default:
		u.log.Warn().Str("key", key).Msg("async upload queue full, skipping (reconciler will retry)")
	}
}

func (u *AsyncUploader) Start() {
	const workers = 2
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop closes the queue and waits for queued copies to finish.
func (u *AsyncUploader) Stop() {
	u.stopped.Store(true)
	u.stopOnce.Do(func() { close(u.ch) })
	u.wg.Wait()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := mirror(ctx, u.local, u.s3, job.key, job.contentType); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("async S3 upload failed (file safe on disk)")
		}
		cancel()
	}
}
