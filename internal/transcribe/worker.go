package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/database"
	"github.com/snarg/audioscribe/internal/storage"
)

// EventTranscription is the event type published on every status change.
const EventTranscription = "transcription"

const (
	persistTimeout = 15 * time.Second
	claimAttempts  = 4
)

// ErrQueueFull is reported when a job cannot be queued without blocking.
var ErrQueueFull = errors.New("transcription queue is full")

// errInterrupted marks a job abandoned by Shutdown. Its record is left
// unfinished for the next start to requeue.
var errInterrupted = errors.New("interrupted by shutdown")

// Job is one stored upload waiting for transcription.
type Job struct {
	RecordID int64
	AudioKey string // storage key
}

// QueueStats reports the current state of the transcription queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Store is the record store the workers write to.
type Store interface {
	MarkProcessing(ctx context.Context, id int64, backend string) error
	SetTranscript(ctx context.Context, id int64, u database.TranscriptUpdate) error
}

// EventPublishFunc is a callback for publishing status events.
type EventPublishFunc func(eventType string, recordID int64, payload map[string]any)

// WorkerPoolOptions configures the transcription worker pool.
type WorkerPoolOptions struct {
	Store        Store
	Audio        storage.AudioStore
	Coordinator  *Coordinator
	TempDir      string
	Workers      int
	QueueSize    int
	JobTimeout   time.Duration
	PublishEvent EventPublishFunc
	Log          zerolog.Logger
}

// WorkerPool runs queued jobs through the coordinator.
type WorkerPool struct {
	jobs   chan Job
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	claimBackoff time.Duration // first retry delay for MarkProcessing

	completed atomic.Int64
	failed    atomic.Int64
}

func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 45 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log.With().Str("component", "transcribe-pool").Logger(),
		ctx:    ctx,
		cancel: cancel,

		claimBackoff: 250 * time.Millisecond,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Int("queue_size", wp.opts.QueueSize).Msg("transcription worker pool started")
}

// Stop stops accepting jobs and waits for the queue to drain.
func (wp *WorkerPool) Stop() {
	wp.Shutdown(context.Background())
}

// Shutdown stops accepting jobs and lets the workers drain the queue until
// ctx ends. After that, running jobs are cancelled and queued ones skipped;
// their records stay unfinished.
func (wp *WorkerPool) Shutdown(ctx context.Context) {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		wp.log.Warn().Int("queued", len(wp.jobs)).Msg("shutdown grace period over, abandoning transcriptions")
		wp.cancel()
		<-done
	}
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Msg("transcription worker pool stopped")
}

// Enqueue adds a job without blocking. Returns false if the queue is full or
// the pool is stopped.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.jobs <- j:
		return true
	default:
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.jobs),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
	}
}

// QueueDepth returns the number of jobs waiting for a worker.
func (wp *WorkerPool) QueueDepth() int { return len(wp.jobs) }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		err := wp.processJob(log, job)
		switch {
		case errors.Is(err, errInterrupted):
			log.Info().Int64("record_id", job.RecordID).Msg("transcription abandoned, will be requeued on next start")
		case err != nil:
			wp.failed.Add(1)
			log.Warn().Err(err).
				Int64("record_id", job.RecordID).
				Msg("transcription failed")
		default:
			wp.completed.Add(1)
		}
	}
}

func (wp *WorkerPool) processJob(log zerolog.Logger, job Job) error {
	if wp.ctx.Err() != nil {
		return errInterrupted
	}
	ctx, cancel := context.WithTimeout(wp.ctx, wp.opts.JobTimeout)
	defer cancel()

	backend := wp.opts.Coordinator.BackendName()
	if err := wp.claim(ctx, log, job, backend); err != nil {
		if wp.ctx.Err() != nil {
			return errInterrupted
		}
		if errors.Is(err, database.ErrNotFound) {
			log.Debug().Int64("record_id", job.RecordID).Msg("record gone or already claimed, skipping")
			return nil
		}
		// Fail the record rather than leave it pending with nobody working on it.
		err = fmt.Errorf("mark processing: %w", err)
		if perr := wp.persist(ctx, job, Outcome{Backend: backend, Err: err}); perr != nil {
			log.Error().Err(perr).Int64("record_id", job.RecordID).Msg("failed to persist transcript")
		}
		return err
	}
	wp.publish(job.RecordID, map[string]any{
		"id":      job.RecordID,
		"status":  database.StatusProcessing,
		"backend": backend,
	})

	path, cleanup, err := storage.Materialize(ctx, wp.opts.Audio, job.AudioKey, wp.opts.TempDir)
	if err != nil {
		if wp.ctx.Err() != nil {
			return errInterrupted
		}
		err = fmt.Errorf("load audio: %w", err)
		if perr := wp.persist(ctx, job, Outcome{Backend: backend, Err: err}); perr != nil {
			log.Error().Err(perr).Int64("record_id", job.RecordID).Msg("failed to persist transcript")
		}
		return err
	}
	defer cleanup()

	interrupted := false
	out := wp.opts.Coordinator.Run(ctx, path, func(ctx context.Context, o Outcome) error {
		if o.Failed() && wp.ctx.Err() != nil {
			interrupted = true
			return nil
		}
		return wp.persist(ctx, job, o)
	})
	if interrupted {
		return errInterrupted
	}
	if out.Failed() {
		return out.Err
	}

	log.Debug().
		Int64("record_id", job.RecordID).
		Str("backend", out.Backend).
		Int("chars", len(out.Text)).
		Dur("elapsed", out.Duration).
		Msg("transcription complete")
	return nil
}

// claim moves the record to processing, retrying transient store errors.
// ErrNotFound is returned at once: the record is finished, deleted or
// already taken by another worker.
func (wp *WorkerPool) claim(ctx context.Context, log zerolog.Logger, job Job, backend string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = wp.claimBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := wp.opts.Store.MarkProcessing(ctx, job.RecordID, backend)
		if errors.Is(err, database.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(claimAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Int64("record_id", job.RecordID).Dur("retry_in", next).Msg("mark processing failed, retrying")
		}),
	)
	return err
}

// persist writes the outcome and announces the new status. It runs on a
// context detached from the job deadline so a timed-out attempt is still
// recorded.
func (wp *WorkerPool) persist(ctx context.Context, job Job, o Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	u := database.TranscriptUpdate{
		Transcript: o.Transcript(),
		Failed:     o.Failed(),
		ErrorKind:  string(o.Kind()),
		Backend:    o.Backend,
		DurationMs: int(o.Duration.Milliseconds()),
	}
	if err := wp.opts.Store.SetTranscript(ctx, job.RecordID, u); err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}

	status := database.StatusCompleted
	if o.Failed() {
		status = database.StatusFailed
	}
	payload := map[string]any{
		"id":          job.RecordID,
		"status":      status,
		"backend":     o.Backend,
		"transcript":  u.Transcript,
		"duration_ms": u.DurationMs,
	}
	if u.ErrorKind != "" {
		payload["error_kind"] = u.ErrorKind
	}
	wp.publish(job.RecordID, payload)
	return nil
}

func (wp *WorkerPool) publish(recordID int64, payload map[string]any) {
	if wp.opts.PublishEvent != nil {
		wp.opts.PublishEvent(EventTranscription, recordID, payload)
	}
}
