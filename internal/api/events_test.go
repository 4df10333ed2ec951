package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snarg/audioscribe/internal/transcribe"
)

// fakeLive implements LiveDataSource with a fixed replay buffer and a single
// subscriber channel.
type fakeLive struct {
	mu         sync.Mutex
	replay     []SSEEvent
	ch         chan SSEEvent
	lastFilter EventFilter
	subscribed chan struct{}
	watcher    *WatcherStatusData
}

func newFakeLive() *fakeLive {
	return &fakeLive{ch: make(chan SSEEvent, 8), subscribed: make(chan struct{}, 1)}
}

func (f *fakeLive) Subscribe(filter EventFilter) (<-chan SSEEvent, func()) {
	f.mu.Lock()
	f.lastFilter = filter
	f.mu.Unlock()
	f.subscribed <- struct{}{}
	return f.ch, func() {}
}

func (f *fakeLive) ReplaySince(lastEventID string, filter EventFilter) []SSEEvent {
	var out []SSEEvent
	found := false
	for _, e := range f.replay {
		if found {
			out = append(out, e)
		}
		if e.ID == lastEventID {
			found = true
		}
	}
	return out
}

func (f *fakeLive) WatcherStatus() *WatcherStatusData { return f.watcher }

type healthyDB struct{ err error }

func (h healthyDB) HealthCheck(ctx context.Context) error { return h.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

type fakeQueue transcribe.QueueStats

func (q fakeQueue) Stats() transcribe.QueueStats { return transcribe.QueueStats(q) }

func TestStreamEvents(t *testing.T) {
	live := newFakeLive()
	live.replay = []SSEEvent{
		{ID: "1-1", Type: "transcription", Data: []byte(`{"id":1}`)},
		{ID: "1-2", Type: "transcription", Data: []byte(`{"id":2}`)},
	}
	h := NewEventsHandler(live)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events/stream?types=transcription:completed&ids=2,3", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1-1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.StreamEvents(rec, req)
		close(done)
	}()

	<-live.subscribed
	live.ch <- SSEEvent{ID: "1-3", Type: "transcription", SubType: "completed", Data: []byte(`{"id":3}`)}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if strings.Contains(body, `{"id":1}`) {
		t.Error("event before Last-Event-ID should not be replayed")
	}
	if !strings.Contains(body, "id: 1-2\nevent: transcription\ndata: {\"id\":2}\n\n") {
		t.Errorf("missing replayed event in %q", body)
	}
	if !strings.Contains(body, "id: 1-3\nevent: transcription\ndata: {\"id\":3}\n\n") {
		t.Errorf("missing live event in %q", body)
	}

	live.mu.Lock()
	f := live.lastFilter
	live.mu.Unlock()
	if len(f.Types) != 1 || f.Types[0] != "transcription:completed" {
		t.Errorf("Types = %v", f.Types)
	}
	if len(f.RecordIDs) != 2 || f.RecordIDs[0] != 2 || f.RecordIDs[1] != 3 {
		t.Errorf("RecordIDs = %v", f.RecordIDs)
	}
}

func TestStreamEvents_QueryResumeSkipsDuplicates(t *testing.T) {
	live := newFakeLive()
	live.replay = []SSEEvent{
		{ID: "5-1", Type: "transcription", Data: []byte(`{"n":1}`)},
		{ID: "5-2", Type: "transcription", Data: []byte(`{"n":2}`)},
	}
	h := NewEventsHandler(live)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events/stream?last_event_id=5-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.StreamEvents(rec, req)
		close(done)
	}()

	<-live.subscribed
	// published between Subscribe and ReplaySince: seen twice, sent once
	live.ch <- live.replay[1]
	live.ch <- SSEEvent{ID: "5-3", Type: "transcription", Data: []byte(`{"n":3}`)}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.HasPrefix(body, "retry: 3000\n\n") {
		t.Errorf("stream should open with a retry hint, got %q", body)
	}
	if n := strings.Count(body, "id: 5-2\n"); n != 1 {
		t.Errorf("event 5-2 sent %d times, want 1", n)
	}
	if !strings.Contains(body, "id: 5-3\n") {
		t.Errorf("missing live event in %q", body)
	}
}

func TestStreamEvents_NoSource(t *testing.T) {
	rec := httptest.NewRecorder()
	NewEventsHandler(nil).StreamEvents(rec, httptest.NewRequest("GET", "/events/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         HealthChecker
		mqtt       ConnChecker
		wantCode   int
		wantStatus string
		wantMQTT   string
	}{
		{"healthy_no_mqtt", healthyDB{}, nil, http.StatusOK, "healthy", "not_configured"},
		{"mqtt_down_degraded", healthyDB{}, fakeConn(false), http.StatusOK, "degraded", "disconnected"},
		{"db_down_unhealthy", healthyDB{err: errors.New("refused")}, fakeConn(true), http.StatusServiceUnavailable, "unhealthy", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := newFakeLive()
			live.watcher = &WatcherStatusData{Status: "watching", WatchDir: "/inbox"}
			h := NewHealthHandler(tt.db, tt.mqtt, live, fakeQueue{Pending: 2, Completed: 5}, "cloud", "v1", time.Now())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("JSON decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Checks["mqtt"] != tt.wantMQTT {
				t.Errorf("mqtt = %q, want %q", body.Checks["mqtt"], tt.wantMQTT)
			}
			if body.Checks["inbox_watcher"] != "watching" {
				t.Errorf("inbox_watcher = %q", body.Checks["inbox_watcher"])
			}
			if body.Backend != "cloud" || body.Queue == nil || body.Queue.Pending != 2 {
				t.Errorf("unexpected body %+v", body)
			}
		})
	}
}
