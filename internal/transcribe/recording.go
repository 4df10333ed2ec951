package transcribe

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// Canonical encoding produced by the normalizer and expected by recognizers.
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
	CanonicalBitDepth   = 16

	wavFormatPCM = 1
)

// Recording is a normalized audio file held entirely in memory.
type Recording struct {
	Name       string
	Data       []byte // complete WAV file, header included
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// WAVInfo describes the header of a WAV file.
type WAVInfo struct {
	Format     int
	SampleRate int
	Channels   int
	BitDepth   int
	PCMBytes   int64
}

// Canonical reports whether the header matches the normalizer's output format.
func (i WAVInfo) Canonical() bool {
	return i.Format == wavFormatPCM &&
		i.SampleRate == CanonicalSampleRate &&
		i.Channels == CanonicalChannels &&
		i.BitDepth == CanonicalBitDepth
}

// Duration derives playback length from the PCM payload size.
func (i WAVInfo) Duration() time.Duration {
	bytesPerSecond := int64(i.SampleRate * i.Channels * i.BitDepth / 8)
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(i.PCMBytes * int64(time.Second) / bytesPerSecond)
}

// ReadWAVInfo parses the RIFF header of data.
func ReadWAVInfo(data []byte) (WAVInfo, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return WAVInfo{}, fmt.Errorf("not a valid WAV file")
	}
	if err := d.FwdToPCM(); err != nil {
		return WAVInfo{}, fmt.Errorf("locate PCM data: %w", err)
	}
	return WAVInfo{
		Format:     int(d.WavAudioFormat),
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		PCMBytes:   d.PCMLen(),
	}, nil
}

// VerifyCanonical checks that the WAV file at path is 16 kHz mono 16-bit PCM.
func VerifyCanonical(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read wav: %w", err)
	}
	info, err := ReadWAVInfo(data)
	if err != nil {
		return err
	}
	if !info.Canonical() {
		return fmt.Errorf("unexpected encoding: format=%d rate=%d channels=%d bits=%d",
			info.Format, info.SampleRate, info.Channels, info.BitDepth)
	}
	return nil
}

// LoadRecording reads a normalized WAV file fully into memory.
func LoadRecording(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	info, err := ReadWAVInfo(data)
	if err != nil {
		return nil, err
	}
	return &Recording{
		Name:       "recording.wav",
		Data:       data,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		BitDepth:   info.BitDepth,
		Duration:   info.Duration(),
	}, nil
}
