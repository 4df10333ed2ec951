package ingest

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/audioscribe/internal/api"
	"github.com/snarg/audioscribe/internal/metrics"
)

const subscriberBuffer = 64

// EventBus fans transcription events out to SSE subscribers and keeps the
// most recent ones for Last-Event-ID replay. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}

	// ring holds the last cap(ring) events; head is the next slot to write.
	ring []api.SSEEvent
	head int
	full bool

	epoch   int64 // ms at construction, keeps IDs unique across restarts
	seq     atomic.Uint64
	forward atomic.Pointer[func(api.SSEEvent)]
}

type subscription struct {
	ch     chan api.SSEEvent
	filter api.EventFilter
}

// NewEventBus creates a bus that retains up to ringSize events for replay.
func NewEventBus(ringSize int) *EventBus {
	return &EventBus{
		subs:  make(map[*subscription]struct{}),
		ring:  make([]api.SSEEvent, max(ringSize, 1)),
		epoch: time.Now().UnixMilli(),
	}
}

// SetForwarder registers fn to receive every event after local delivery.
// It runs on the publisher's goroutine and must not block.
func (eb *EventBus) SetForwarder(fn func(api.SSEEvent)) {
	eb.forward.Store(&fn)
}

func (eb *EventBus) Subscribe(filter api.EventFilter) (<-chan api.SSEEvent, func()) {
	sub := &subscription{ch: make(chan api.SSEEvent, subscriberBuffer), filter: filter}
	eb.mu.Lock()
	eb.subs[sub] = struct{}{}
	eb.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, sub)
			eb.mu.Unlock()
		})
	}
}

func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// buffered returns retained events oldest first. Caller holds mu.
func (eb *EventBus) buffered() []api.SSEEvent {
	if !eb.full {
		return eb.ring[:eb.head]
	}
	return append(slices.Clone(eb.ring[eb.head:]), eb.ring[:eb.head]...)
}

// ReplaySince returns retained events published after lastEventID that match
// filter. An empty or no-longer-retained ID replays everything retained.
func (eb *EventBus) ReplaySince(lastEventID string, filter api.EventFilter) []api.SSEEvent {
	eb.mu.RLock()
	events := eb.buffered()
	start := 0
	if lastEventID != "" {
		if i := slices.IndexFunc(events, func(e api.SSEEvent) bool { return e.ID == lastEventID }); i >= 0 {
			start = i + 1
		}
	}
	var out []api.SSEEvent
	for _, e := range events[start:] {
		if matchesFilter(e, filter) {
			out = append(out, e)
		}
	}
	eb.mu.RUnlock()
	return out
}

// EventData is an event before it is stamped and serialized.
type EventData struct {
	Type     string
	SubType  string
	RecordID int64
	Payload  any
}

func (eb *EventBus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}
	event := api.SSEEvent{
		ID:        fmt.Sprintf("%d-%d", eb.epoch, eb.seq.Add(1)),
		Type:      e.Type,
		SubType:   e.SubType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RecordID:  e.RecordID,
		Data:      data,
	}

	eb.mu.Lock()
	eb.ring[eb.head] = event
	eb.head = (eb.head + 1) % len(eb.ring)
	if eb.head == 0 {
		eb.full = true
	}
	for sub := range eb.subs {
		if !matchesFilter(event, sub.filter) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	eb.mu.Unlock()
	metrics.SSEEventsPublishedTotal.Inc()

	if fn := eb.forward.Load(); fn != nil {
		(*fn)(event)
	}
}

// PublishTranscription matches transcribe.EventPublishFunc. The payload's
// status becomes the event subtype.
func (eb *EventBus) PublishTranscription(eventType string, recordID int64, payload map[string]any) {
	eb.Publish(EventData{
		Type:     eventType,
		SubType:  fmt.Sprint(payload["status"]),
		RecordID: recordID,
		Payload:  payload,
	})
}

// matchesFilter reports whether e passes every non-empty dimension of f.
// Type entries are "type" or "type:subtype". Events without a record pass
// the record filter.
func matchesFilter(e api.SSEEvent, f api.EventFilter) bool {
	if len(f.Types) > 0 && !slices.ContainsFunc(f.Types, func(t string) bool {
		base, sub, compound := strings.Cut(strings.TrimSpace(t), ":")
		return base == e.Type && (!compound || sub == e.SubType)
	}) {
		return false
	}
	if len(f.RecordIDs) > 0 && e.RecordID != 0 {
		return slices.Contains(f.RecordIDs, e.RecordID)
	}
	return true
}
