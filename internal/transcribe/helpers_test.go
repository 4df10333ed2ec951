package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

// writeWAV writes a silent 16-bit PCM WAV of 0.1s.
func writeWAV(t *testing.T, path string, rate, channels int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	frames := rate / 10
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// fakeRunner stands in for ffmpeg. It records invocations and, unless err is
// set, writes a WAV with the given format to the output path (last arg).
type fakeRunner struct {
	t        *testing.T
	rate     int
	channels int
	err      error
	calls    [][]string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.err != nil {
		// ffmpeg leaves partial output behind on failure.
		os.WriteFile(args[len(args)-1], []byte("partial"), 0o644)
		return r.err
	}
	writeWAV(r.t, args[len(args)-1], r.rate, r.channels)
	return nil
}

func canonicalRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{t: t, rate: CanonicalSampleRate, channels: CanonicalChannels}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
