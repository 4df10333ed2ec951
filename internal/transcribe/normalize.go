package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/audio"
)

// commandRunner abstracts process execution so tests can stand in for ffmpeg.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// execRunner runs commands via os/exec and folds stderr into the error.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return err
	}
	return nil
}

// NormalizerOptions configures a Normalizer.
type NormalizerOptions struct {
	FFmpegPath string // default "ffmpeg"
	TempDir    string // default os.TempDir()
	Log        zerolog.Logger
}

// Normalizer converts arbitrary media to canonical 16 kHz mono 16-bit PCM WAV.
type Normalizer struct {
	ffmpeg  string
	tempDir string
	runner  commandRunner
	log     zerolog.Logger
}

// NewNormalizer creates a Normalizer backed by ffmpeg.
func NewNormalizer(opts NormalizerOptions) *Normalizer {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Normalizer{
		ffmpeg:  ffmpeg,
		tempDir: opts.TempDir,
		runner:  execRunner{},
		log:     opts.Log.With().Str("component", "normalizer").Logger(),
	}
}

// CheckFFmpeg reports whether the configured ffmpeg binary can be found.
func (n *Normalizer) CheckFFmpeg() bool {
	_, err := exec.LookPath(n.ffmpeg)
	return err == nil
}

// Normalize decodes inputPath and writes a canonical WAV to a new temporary
// file. On success the caller owns the returned file and must remove it; on
// failure nothing is left behind.
func (n *Normalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	class, mediaType := audio.Classify(inputPath)
	if class == audio.Other {
		return "", newError(KindUnsupportedFormat, "unsupported file type: "+mediaType, nil)
	}

	tmp, err := os.CreateTemp(n.tempDir, "audioscribe-*.wav")
	if err != nil {
		return "", newError(KindConversion, "create temp file", err)
	}
	outPath := tmp.Name()
	tmp.Close()

	if err := n.convert(ctx, inputPath, outPath); err != nil {
		os.Remove(outPath)
		if class == audio.Unknown {
			return "", newError(KindConversion, "could not convert file to WAV", err)
		}
		return "", newError(KindConversion, "decode "+mediaType, err)
	}

	if err := VerifyCanonical(outPath); err != nil {
		os.Remove(outPath)
		return "", newError(KindConversion, "converted output is not canonical PCM", err)
	}

	n.log.Debug().
		Str("input", inputPath).
		Str("media_type", mediaType).
		Str("class", class.String()).
		Msg("audio normalized")
	return outPath, nil
}

func (n *Normalizer) convert(ctx context.Context, in, out string) error {
	return n.runner.Run(ctx, n.ffmpeg,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-y", "-i", in,
		"-vn",
		"-ac", strconv.Itoa(CanonicalChannels),
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		out,
	)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
