package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Recognizer turns a whole in-memory recording into best-guess text.
type Recognizer interface {
	Recognize(ctx context.Context, rec *Recording) (string, error)
}

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint,
// typically a whisper server running next to audioscribe.
type WhisperClient struct {
	url      string
	model    string
	language string
	client   *http.Client
}

// whisperResponse is the parsed response for response_format=json.
type whisperResponse struct {
	Text string `json:"text"`
}

// NewWhisperClient creates a new Whisper HTTP client.
func NewWhisperClient(url, model, language string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		url:      url,
		model:    model,
		language: language,
		client:   &http.Client{Timeout: timeout},
	}
}

// Recognize uploads the recording as multipart/form-data and returns the text.
func (wc *WhisperClient) Recognize(ctx context.Context, rec *Recording) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", rec.Name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(rec.Data); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	if wc.language != "" {
		w.WriteField("language", wc.language)
	}
	w.WriteField("response_format", "json")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := wc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
