package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/api"
	"github.com/snarg/audioscribe/internal/transcribe"
)

const defaultDebounce = 500 * time.Millisecond

// InboxWatcher monitors a drop directory and submits every file that lands
// in it through the Pipeline. Files are removed once they have a record.
type InboxWatcher struct {
	pipeline *Pipeline
	dir      string
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher

	// Debounce: coalesce rapid Create+Write events on the same file.
	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight map[string]bool
	stopped  bool
	wg       sync.WaitGroup

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
	filesFailed    atomic.Int64
	status         atomic.Value // string: "starting", "scanning", "watching", "stopped"
}

// StartWatcher creates the inbox directory if needed and starts watching it.
// A zero debounce uses the default.
func (p *Pipeline) StartWatcher(dir string, debounce time.Duration) error {
	if dir == "" {
		return errNoInbox
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &InboxWatcher{
		pipeline: p,
		dir:      dir,
		debounce: debounce,
		log:      p.log.With().Str("component", "inbox").Logger(),
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]bool),
	}
	w.status.Store("starting")
	if err := w.Start(); err != nil {
		return err
	}
	p.watcher = w
	return nil
}

// Start initializes the fsnotify watcher and ingests files already present.
func (w *InboxWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", w.dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch inbox %s: %w", w.dir, err)
	}
	w.watcher = fw

	w.log.Info().Str("dir", w.dir).Msg("inbox watcher initialized")

	w.wg.Add(2)
	go w.watchLoop()
	go w.scanExisting()
	return nil
}

// Stop closes the fsnotify watcher, cancels pending debounces and waits for
// in-flight files to finish.
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.status.Store("stopped")
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
	w.log.Info().
		Int64("files_processed", w.filesProcessed.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Int64("files_failed", w.filesFailed.Load()).
		Msg("inbox watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (w *InboxWatcher) Status() *api.WatcherStatusData {
	s, _ := w.status.Load().(string)
	return &api.WatcherStatusData{
		Status:         s,
		WatchDir:       w.dir,
		FilesProcessed: w.filesProcessed.Load(),
		FilesSkipped:   w.filesSkipped.Load(),
		FilesFailed:    w.filesFailed.Load(),
	}
}

// setStatus records s unless the watcher has been stopped.
func (w *InboxWatcher) setStatus(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.status.Store(s)
	}
}

func (w *InboxWatcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ignoredName(filepath.Base(event.Name)) {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing. Every new event for the path
// restarts the timer, so the file is read only once writes have settled.
func (w *InboxWatcher) scheduleProcess(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		w.process(path)
	})
}

func (w *InboxWatcher) scanExisting() {
	defer w.wg.Done()
	w.setStatus("scanning")
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to scan inbox")
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || ignoredName(e.Name()) {
			continue
		}
		w.process(filepath.Join(w.dir, e.Name()))
		n++
	}
	if n > 0 {
		w.log.Info().Int("files", n).Msg("ingested files already in inbox")
	}
	w.setStatus("watching")
}

// process submits one file. Files that vanished or are being processed by
// another goroutine are ignored.
func (w *InboxWatcher) process(path string) {
	if !w.claim(path) {
		return
	}
	defer w.release(path)

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warn().Err(err).Str("path", path).Msg("failed to stat inbox file")
		}
		return
	}
	if !info.Mode().IsRegular() {
		w.filesSkipped.Add(1)
		return
	}
	if info.Size() == 0 {
		// still being created; a later write event brings it back
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.filesFailed.Add(1)
		w.log.Warn().Err(err).Str("path", path).Msg("failed to open inbox file")
		return
	}
	rec, err := w.pipeline.submit(w.pipeline.ctx, "inbox", filepath.Base(path), f)
	f.Close()

	switch {
	case err == nil:
		w.filesProcessed.Add(1)
	case errors.Is(err, transcribe.ErrQueueFull) && rec != nil:
		// the record exists and carries the failure
		w.filesFailed.Add(1)
	default:
		w.filesFailed.Add(1)
		w.log.Warn().Err(err).Str("path", path).Msg("failed to ingest inbox file")
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to remove ingested file")
	}
}

func (w *InboxWatcher) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.inflight[path] {
		return false
	}
	w.inflight[path] = true
	w.wg.Add(1)
	return true
}

func (w *InboxWatcher) release(path string) {
	w.mu.Lock()
	delete(w.inflight, path)
	w.mu.Unlock()
	w.wg.Done()
}

// ignoredName reports files that are hidden or still being written by the
// producer.
func ignoredName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(lower, ".part") ||
		strings.HasSuffix(lower, ".tmp")
}
