package transcribe

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
)

// normalizer is the part of *Normalizer the local backend depends on.
type normalizer interface {
	Normalize(ctx context.Context, inputPath string) (string, error)
}

// LocalBackend normalizes the input, loads it as a single recording, and
// hands it to a speech recognizer in one synchronous call.
type LocalBackend struct {
	normalizer normalizer
	recognizer Recognizer
	remove     func(name string) error
	log        zerolog.Logger
}

// NewLocalBackend wires a normalizer and recognizer into a Backend.
func NewLocalBackend(n *Normalizer, r Recognizer, log zerolog.Logger) *LocalBackend {
	return newLocalBackend(n, r, log)
}

func newLocalBackend(n normalizer, r Recognizer, log zerolog.Logger) *LocalBackend {
	return &LocalBackend{
		normalizer: n,
		recognizer: r,
		remove:     os.Remove,
		log:        log.With().Str("backend", "local").Logger(),
	}
}

func (lb *LocalBackend) Name() string { return "local" }

// Transcribe returns the recognizer's text for inputPath. Every failure is
// reported as a TranscriptionFailure wrapping the underlying error.
func (lb *LocalBackend) Transcribe(ctx context.Context, inputPath string) (string, error) {
	wavPath, err := lb.normalizer.Normalize(ctx, inputPath)
	if err != nil {
		return "", newError(KindTranscription, "local transcription failed", err)
	}
	defer lb.cleanup(wavPath)

	rec, err := LoadRecording(wavPath)
	if err != nil {
		return "", newError(KindTranscription, "local transcription failed", err)
	}

	text, err := lb.recognizer.Recognize(ctx, rec)
	if err != nil {
		return "", newError(KindTranscription, "speech recognition failed", err)
	}

	lb.log.Debug().
		Dur("audio_duration", rec.Duration).
		Int("chars", len(text)).
		Msg("local recognition complete")
	return text, nil
}

func (lb *LocalBackend) cleanup(path string) {
	if err := lb.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		lb.log.Warn().Err(err).Str("path", path).Msg("failed to remove normalized audio")
	}
}
