package transcribe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"kind only", &Error{Kind: KindPollTimeout}, "poll_timeout"},
		{"message", newError(KindUpload, "error uploading file", nil), "error uploading file"},
		{"cause only", newError(KindConversion, "", errors.New("exit status 1")), "exit status 1"},
		{"message and cause", newError(KindConversion, "decode audio/mpeg", errors.New("exit status 1")), "decode audio/mpeg: exit status 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorIsMatchesThroughWrapping(t *testing.T) {
	inner := newError(KindUnsupportedFormat, "unsupported file type: text/plain", nil)
	outer := newError(KindTranscription, "local transcription failed", inner)
	wrapped := fmt.Errorf("job 7: %w", outer)

	assert.ErrorIs(t, wrapped, ErrTranscription)
	assert.ErrorIs(t, wrapped, ErrUnsupportedFormat)
	assert.NotErrorIs(t, wrapped, ErrConversion)

	// A non-sentinel target with the same kind does not match.
	assert.False(t, errors.Is(outer, newError(KindTranscription, "other", nil)))
}

func TestRootKind(t *testing.T) {
	inner := newError(KindConversion, "could not convert file to WAV", errors.New("invalid data"))
	outer := newError(KindTranscription, "local transcription failed", inner)

	assert.Equal(t, KindConversion, RootKind(outer))
	assert.Equal(t, KindConversion, RootKind(fmt.Errorf("wrapped: %w", outer)))

	plain := errors.New("boom")
	assert.Equal(t, Kind(""), RootKind(plain))
	assert.Equal(t, Kind(""), RootKind(nil))
}
