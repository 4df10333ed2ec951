package storage

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/audio"
)

// UploadReconciler walks the local store for recent files missing from S3
// and uploads them. Covers dropped async uploads and crashes.
type UploadReconciler struct {
	local    *LocalStore
	s3       *S3Store
	interval time.Duration
	window   time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func NewUploadReconciler(local *LocalStore, s3 *S3Store, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		local:    local,
		s3:       s3,
		interval: 5 * time.Minute,
		window:   24 * time.Hour,
		log:      log.With().Str("component", "upload-reconciler").Logger(),
		stop:     make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.loop() }
func (r *UploadReconciler) Stop()  { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *UploadReconciler) loop() {
	// Let startup uploads settle first.
	select {
	case <-time.After(2 * time.Minute):
	case <-r.stop:
		return
	}

	r.reconcile()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

// pendingKeys returns keys of files modified within the window, skipping
// in-flight temp files.
func (r *UploadReconciler) pendingKeys() []string {
	cutoff := time.Now().Add(-r.window)
	root := r.local.Dir()

	var keys []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".audio-") && strings.HasSuffix(name, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys
}

func (r *UploadReconciler) reconcile() {
	var uploaded, failed int
	keys := r.pendingKeys()

	for _, key := range keys {
		select {
		case <-r.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists := r.s3.Exists(ctx, key)
		cancel()
		if exists {
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
		if err := mirror(ctx, r.local, r.s3, key, audio.ContentType(key, nil)); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("reconcile upload failed")
			failed++
		} else {
			uploaded++
		}
		cancel()
	}

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", len(keys)).
			Msg("reconcile complete")
	}
}
