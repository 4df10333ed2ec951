package transcribe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/metrics"
)

// ErrorPrefix starts every persisted error transcript.
const ErrorPrefix = "Error transcribing audio: "

// Outcome is the result of one transcription attempt.
type Outcome struct {
	Backend  string
	Text     string
	Err      error
	Duration time.Duration
}

// Failed reports whether the attempt produced an error.
func (o Outcome) Failed() bool { return o.Err != nil }

// Transcript is the value persisted for the attempt: the text on success,
// the prefixed error message on failure.
func (o Outcome) Transcript() string {
	if o.Err != nil {
		return ErrorPrefix + o.Err.Error()
	}
	return o.Text
}

// Kind is the most specific failure kind, or "" on success.
func (o Outcome) Kind() Kind {
	if o.Err == nil {
		return ""
	}
	return RootKind(o.Err)
}

// PersistFunc stores an attempt's outcome. It is called exactly once per Run.
type PersistFunc func(ctx context.Context, o Outcome) error

// Coordinator runs one transcription attempt per call with the selected
// backend and hands the outcome to the caller's persist callback.
type Coordinator struct {
	selector BackendSelector
	log      zerolog.Logger
}

func NewCoordinator(selector BackendSelector, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		selector: selector,
		log:      log.With().Str("component", "coordinator").Logger(),
	}
}

// BackendName returns the name of the backend the next attempt would use.
func (c *Coordinator) BackendName() string {
	return c.selector.Select().Name()
}

// Run transcribes filePath and persists the outcome. It does not return an
// error: failures, including backend panics, end up in the persisted
// transcript. A persist failure or panic is logged.
func (c *Coordinator) Run(ctx context.Context, filePath string, persist PersistFunc) Outcome {
	backend := c.selector.Select()
	start := time.Now()

	text, err := c.invoke(ctx, backend, filePath)
	out := Outcome{
		Backend:  backend.Name(),
		Text:     text,
		Err:      err,
		Duration: time.Since(start),
	}
	c.record(out)

	if err := c.persist(ctx, persist, out); err != nil {
		c.log.Error().Err(err).Str("file", filePath).Msg("failed to persist transcript")
	}
	return out
}

func (c *Coordinator) invoke(ctx context.Context, backend Backend, filePath string) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().
				Str("backend", backend.Name()).
				Str("stack", string(debug.Stack())).
				Msgf("backend panic: %v", rec)
			text, err = "", fmt.Errorf("internal error: %v", rec)
		}
	}()
	return backend.Transcribe(ctx, filePath)
}

func (c *Coordinator) persist(ctx context.Context, persist PersistFunc, out Outcome) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().
				Str("stack", string(debug.Stack())).
				Msgf("persist panic: %v", rec)
			err = fmt.Errorf("persist panic: %v", rec)
		}
	}()
	return persist(ctx, out)
}

func (c *Coordinator) record(o Outcome) {
	outcome := "success"
	kind := ""
	evt := c.log.Info()
	if o.Failed() {
		outcome = "failure"
		kind = string(o.Kind())
		evt = c.log.Warn().Err(o.Err).Str("kind", kind)
	}
	metrics.TranscriptionsTotal.WithLabelValues(o.Backend, outcome, kind).Inc()
	metrics.TranscriptionDuration.WithLabelValues(o.Backend).Observe(o.Duration.Seconds())

	evt.Str("backend", o.Backend).
		Dur("elapsed", o.Duration).
		Msgf("transcription %s", outcome)
}
