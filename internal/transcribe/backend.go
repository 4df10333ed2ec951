package transcribe

import (
	"context"
	"strings"
)

// Backend is a transcription strategy. Implementations take a readable media
// file path and return the full transcript text.
type Backend interface {
	Transcribe(ctx context.Context, inputPath string) (string, error)
	Name() string // "local", "cloud"
}

// BackendSelector picks the backend for an attempt. The production selector
// is decided once at startup and returns the same backend for every attempt.
type BackendSelector interface {
	Select() Backend
}

type staticSelector struct {
	backend Backend
}

func (s staticSelector) Select() Backend { return s.backend }

// StaticSelector always selects b.
func StaticSelector(b Backend) BackendSelector {
	return staticSelector{backend: b}
}

// ChooseBackend builds the process-wide selector: the cloud backend when an
// API credential is configured, the local backend otherwise. Only the chosen
// constructor is called.
func ChooseBackend(apiKey string, newCloud func(apiKey string) Backend, newLocal func() Backend) BackendSelector {
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		return StaticSelector(newCloud(apiKey))
	}
	return StaticSelector(newLocal())
}
