package api

// LiveDataSource provides real-time data from the ingest side to the API layer.
// The ingest package implements it; api owns the interface so it never
// imports ingest.
type LiveDataSource interface {
	// Subscribe returns a channel that receives SSE events matching the filter,
	// and a cancel function to unsubscribe.
	Subscribe(filter EventFilter) (<-chan SSEEvent, func())

	// ReplaySince returns buffered events since the given event ID (for Last-Event-ID recovery).
	ReplaySince(lastEventID string, filter EventFilter) []SSEEvent

	// WatcherStatus returns the inbox watcher status, or nil if not active.
	WatcherStatus() *WatcherStatusData
}

// WatcherStatusData represents the status of the inbox watcher.
type WatcherStatusData struct {
	Status         string `json:"status"` // "watching", "scanning", "stopped"
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesSkipped   int64  `json:"files_skipped"`
	FilesFailed    int64  `json:"files_failed"`
}

// EventFilter specifies which events an SSE subscriber wants to receive.
// Types entries are either a type ("transcription") or type:subtype
// ("transcription:completed"). Empty fields match everything.
type EventFilter struct {
	Types     []string
	RecordIDs []int64
}

// SSEEvent represents a server-sent event ready for transmission.
type SSEEvent struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	SubType   string `json:"sub_type,omitempty"`
	Timestamp string `json:"timestamp"`
	RecordID  int64  `json:"record_id,omitempty"`
	Data      []byte `json:"-"` // pre-serialized JSON payload
}
