package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/api"
	"github.com/snarg/audioscribe/internal/audio"
	"github.com/snarg/audioscribe/internal/database"
	"github.com/snarg/audioscribe/internal/metrics"
	"github.com/snarg/audioscribe/internal/storage"
	"github.com/snarg/audioscribe/internal/transcribe"
)

const (
	keyPrefix     = "uploads/audio/"
	sniffLen      = 3072
	requeueWait   = time.Second
	statsInterval = 60 * time.Second
)

// Store is the record store the pipeline writes to.
type Store interface {
	CreateTranscription(ctx context.Context, audioFile, originalName string) (*database.Transcription, error)
	SetTranscript(ctx context.Context, id int64, u database.TranscriptUpdate) error
	ListUnfinished(ctx context.Context) ([]database.Transcription, error)
	ResetInterrupted(ctx context.Context) (int64, error)
}

// Queue accepts transcription jobs without blocking.
type Queue interface {
	Enqueue(j transcribe.Job) bool
}

// Pipeline takes audio from the API and the inbox, stores it, records it and
// queues it for transcription. It also serves live events to the API.
type Pipeline struct {
	store   Store
	audio   storage.AudioStore
	queue   Queue
	bus     *EventBus
	watcher *InboxWatcher
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	rejected  atomic.Int64
}

type PipelineOptions struct {
	Store    Store
	Audio    storage.AudioStore
	Queue    Queue
	EventBus *EventBus
	Log      zerolog.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	bus := opts.EventBus
	if bus == nil {
		bus = NewEventBus(500)
	}
	return &Pipeline{
		store:  opts.Store,
		audio:  opts.Audio,
		queue:  opts.Queue,
		bus:    bus,
		log:    opts.Log.With().Str("component", "ingest").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic stats logging.
func (p *Pipeline) Start() {
	go p.statsLoop()
	p.log.Info().Msg("ingest pipeline started")
}

// Stop stops the inbox watcher (if any) and background loops.
func (p *Pipeline) Stop() {
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.cancel()
	p.log.Info().
		Int64("submitted", p.submitted.Load()).
		Int64("rejected", p.rejected.Load()).
		Msg("ingest pipeline stopped")
}

// EventBus returns the bus that carries transcription events.
func (p *Pipeline) EventBus() *EventBus { return p.bus }

// Submit stores an API upload and queues it.
func (p *Pipeline) Submit(ctx context.Context, originalName string, r io.Reader) (*database.Transcription, error) {
	return p.submit(ctx, "api", originalName, r)
}

// submit stores r under a fresh key, creates the pending record and queues
// the job. When the queue is full the record is failed immediately and
// returned with transcribe.ErrQueueFull.
func (p *Pipeline) submit(ctx context.Context, source, originalName string, r io.Reader) (*database.Transcription, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)

	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = mimetype.Detect(head).Extension()
	}
	key := keyPrefix + uuid.NewString() + ext
	contentType := audio.ContentType(originalName, head)

	n, err := p.audio.Save(ctx, key, br, contentType)
	if err != nil {
		return nil, fmt.Errorf("save audio: %w", err)
	}
	metrics.UploadsTotal.WithLabelValues(source).Inc()
	metrics.UploadBytes.Observe(float64(n))

	rec, err := p.store.CreateTranscription(ctx, key, originalName)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	p.submitted.Add(1)
	p.publish(rec)

	p.log.Info().
		Int64("id", rec.ID).
		Str("source", source).
		Str("file", originalName).
		Str("key", key).
		Str("content_type", contentType).
		Int64("bytes", n).
		Msg("audio accepted")

	if p.queue.Enqueue(transcribe.Job{RecordID: rec.ID, AudioKey: key}) {
		return rec, nil
	}

	p.rejected.Add(1)
	p.failQueueFull(ctx, rec)
	return rec, transcribe.ErrQueueFull
}

func (p *Pipeline) failQueueFull(ctx context.Context, rec *database.Transcription) {
	msg := transcribe.ErrorPrefix + transcribe.ErrQueueFull.Error()
	if err := p.store.SetTranscript(context.WithoutCancel(ctx), rec.ID, database.TranscriptUpdate{
		Transcript: msg,
		Failed:     true,
	}); err != nil {
		p.log.Error().Err(err).Int64("id", rec.ID).Msg("failed to mark record failed")
		return
	}
	rec.Status = database.StatusFailed
	rec.Transcript = msg
	p.publish(rec)
	p.log.Warn().Int64("id", rec.ID).Msg("transcription queue full, record failed")
}

// LoadUnfinished returns a job for every record a previous run left
// unfinished. Records interrupted mid-transcription go back to pending first.
// Call it before the workers, the inbox or the API can create or claim
// records; the returned jobs are then safe to Requeue in the background.
func (p *Pipeline) LoadUnfinished(ctx context.Context) ([]transcribe.Job, error) {
	reset, err := p.store.ResetInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	if reset > 0 {
		p.log.Info().Int64("records", reset).Msg("reset interrupted transcriptions to pending")
	}
	recs, err := p.store.ListUnfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", err)
	}
	jobs := make([]transcribe.Job, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, transcribe.Job{RecordID: rec.ID, AudioKey: rec.AudioFile})
	}
	return jobs, nil
}

// Requeue queues jobs from LoadUnfinished. It waits for queue space rather
// than failing records, and returns when all are queued or ctx ends.
func (p *Pipeline) Requeue(ctx context.Context, jobs []transcribe.Job) (int, error) {
	queued := 0
	for _, job := range jobs {
		for !p.queue.Enqueue(job) {
			select {
			case <-ctx.Done():
				return queued, context.Cause(ctx)
			case <-time.After(requeueWait):
			}
		}
		queued++
	}
	if queued > 0 {
		p.log.Info().Int("records", queued).Msg("requeued unfinished transcriptions")
	}
	return queued, nil
}

func (p *Pipeline) publish(rec *database.Transcription) {
	p.bus.PublishTranscription(transcribe.EventTranscription, rec.ID, map[string]any{
		"id":            rec.ID,
		"status":        rec.Status,
		"original_name": rec.OriginalName,
		"transcript":    rec.Transcript,
	})
}

func (p *Pipeline) statsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var lastTotal int64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			total := p.submitted.Load()
			if total == lastTotal {
				continue
			}
			p.log.Info().
				Int64("total", total).
				Int64("last_60s", total-lastTotal).
				Int64("rejected", p.rejected.Load()).
				Int("sse_subscribers", p.bus.SubscriberCount()).
				Msg("stats")
			lastTotal = total
		}
	}
}

// ── api.LiveDataSource ───────────────────────────────────────────────

func (p *Pipeline) Subscribe(filter api.EventFilter) (<-chan api.SSEEvent, func()) {
	return p.bus.Subscribe(filter)
}

func (p *Pipeline) ReplaySince(lastEventID string, filter api.EventFilter) []api.SSEEvent {
	return p.bus.ReplaySince(lastEventID, filter)
}

func (p *Pipeline) WatcherStatus() *api.WatcherStatusData {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Status()
}

var errNoInbox = errors.New("inbox directory not configured")
