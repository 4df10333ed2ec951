package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

const (
	sseKeepalive = 15 * time.Second
	sseRetryMS   = 3000
)

type EventsHandler struct {
	live LiveDataSource
}

func NewEventsHandler(live LiveDataSource) *EventsHandler {
	return &EventsHandler{live: live}
}

func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
}

// sseStream writes Server-Sent Events frames and flushes after each one.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseStream) event(e SSEEvent) {
	fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

func (s sseStream) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
}

func (s sseStream) flush() { s.f.Flush() }

// StreamEvents pushes transcription lifecycle events to the client. The
// optional "types" and "ids" query parameters filter the stream. A reconnect
// carrying Last-Event-ID (or ?last_event_id= for clients that cannot set
// headers) first receives the buffered events it missed.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	stream := sseStream{w: w, f: flusher}

	filter := EventFilter{
		Types:     QueryStringList(r, "types"),
		RecordIDs: QueryInt64List(r, "ids"),
	}
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("last_event_id")
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	// The server's write timeout would cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMS)
	replayed := map[string]bool{}
	if lastID != "" {
		for _, e := range h.live.ReplaySince(lastID, filter) {
			stream.event(e)
			replayed[e.ID] = true
		}
	}
	stream.flush()

	log := hlog.FromRequest(r)
	log.Debug().Strs("types", filter.Types).Int("replayed", len(replayed)).Msg("event stream opened")

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("event stream closed by client")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if replayed[e.ID] {
				delete(replayed, e.ID)
				continue
			}
			stream.event(e)
			stream.flush()
		case <-keepalive.C:
			stream.comment("keepalive")
			stream.flush()
		}
	}
}
