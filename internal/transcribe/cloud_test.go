package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAssembly is an in-memory AssemblyAI-style API.
type fakeAssembly struct {
	t *testing.T

	uploadStatus int
	uploadBody   string
	submitStatus int
	submitBody   string
	// polls are served in order; the last one repeats.
	polls []pollReply

	mu       sync.Mutex
	uploaded []byte
	submits  int
	pollHits int
	authSeen []string
}

type pollReply struct {
	status int
	body   string
}

func newFakeAssembly(t *testing.T) *fakeAssembly {
	return &fakeAssembly{
		t:            t,
		uploadStatus: http.StatusOK,
		uploadBody:   `{"upload_url": "https://cdn.example/upload/abc"}`,
		submitStatus: http.StatusOK,
		submitBody:   `{"id": "job-1", "status": "queued"}`,
	}
}

func (f *fakeAssembly) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authSeen = append(f.authSeen, r.Header.Get("authorization"))

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/upload":
		f.uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(f.uploadStatus)
		io.WriteString(w, f.uploadBody)

	case r.Method == http.MethodPost && r.URL.Path == "/transcript":
		f.submits++
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(f.t, "https://cdn.example/upload/abc", req["audio_url"])
		w.WriteHeader(f.submitStatus)
		io.WriteString(w, f.submitBody)

	case r.Method == http.MethodGet && r.URL.Path == "/transcript/job-1":
		reply := f.polls[min(f.pollHits, len(f.polls)-1)]
		f.pollHits++
		w.WriteHeader(reply.status)
		io.WriteString(w, reply.body)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAssembly) counts() (submits, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.pollHits
}

func status(s string) pollReply {
	return pollReply{status: http.StatusOK, body: `{"id": "job-1", "status": "` + s + `"}`}
}

func newTestCloud(t *testing.T, api *fakeAssembly, tweak func(*CloudOptions)) (*CloudBackend, string) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	opts := CloudOptions{
		BaseURL:         srv.URL,
		APIKey:          "test-key",
		PollInterval:    time.Millisecond,
		PollMaxInterval: 2 * time.Millisecond,
		PollTimeout:     5 * time.Second,
		Log:             zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	in := writeFile(t, t.TempDir(), "sample.mp3", bytes.Repeat([]byte("ID3 frame "), 2000))
	return NewCloudBackend(opts), in
}

func TestCloudBackend_Completed(t *testing.T) {
	api := newFakeAssembly(t)
	api.polls = []pollReply{
		status("processing"),
		status("processing"),
		{http.StatusOK, `{"id": "job-1", "status": "completed", "text": "hello"}`},
	}
	cb, in := newTestCloud(t, api, nil)

	text, err := cb.Transcribe(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "cloud", cb.Name())

	_, polls := api.counts()
	assert.Equal(t, 3, polls)

	want, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, want, api.uploaded, "upload body must be the raw file")
	for _, a := range api.authSeen {
		assert.Equal(t, "test-key", a)
	}
}

func TestCloudBackend_UploadFailure(t *testing.T) {
	api := newFakeAssembly(t)
	api.uploadStatus = http.StatusUnauthorized
	api.uploadBody = `{"error": "Authentication error, API token missing/invalid"}`
	cb, in := newTestCloud(t, api, nil)

	_, err := cb.Transcribe(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpload)
	assert.Contains(t, err.Error(), "API token missing/invalid")

	submits, polls := api.counts()
	assert.Zero(t, submits, "no job may be submitted after a failed upload")
	assert.Zero(t, polls)
}

func TestCloudBackend_UploadMissingURL(t *testing.T) {
	api := newFakeAssembly(t)
	api.uploadBody = `{}`
	cb, in := newTestCloud(t, api, nil)

	_, err := cb.Transcribe(context.Background(), in)
	assert.ErrorIs(t, err, ErrUpload)
}

func TestCloudBackend_SubmitFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"error status", http.StatusBadRequest, `{"error": "invalid audio_url"}`},
		{"missing id", http.StatusOK, `{"status": "queued"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAssembly(t)
			api.submitStatus = tt.status
			api.submitBody = tt.body
			cb, in := newTestCloud(t, api, nil)

			_, err := cb.Transcribe(context.Background(), in)
			assert.ErrorIs(t, err, ErrJobSubmission)
			_, polls := api.counts()
			assert.Zero(t, polls)
		})
	}
}

func TestCloudBackend_RemoteError(t *testing.T) {
	api := newFakeAssembly(t)
	api.polls = []pollReply{
		status("queued"),
		{http.StatusOK, `{"id": "job-1", "status": "error", "error": "Audio file contains no speech"}`},
	}
	cb, in := newTestCloud(t, api, nil)

	_, err := cb.Transcribe(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteTranscription)
	assert.Equal(t, "transcription error: Audio file contains no speech", err.Error())
	_, polls := api.counts()
	assert.Equal(t, 2, polls)
}

func TestCloudBackend_RetriesServerErrors(t *testing.T) {
	api := newFakeAssembly(t)
	api.polls = []pollReply{
		{http.StatusServiceUnavailable, "upstream unavailable"},
		{http.StatusTooManyRequests, "slow down"},
		{http.StatusOK, `{"id": "job-1", "status": "completed", "text": "recovered"}`},
	}
	cb, in := newTestCloud(t, api, nil)

	text, err := cb.Transcribe(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
}

func TestCloudBackend_PollClientErrorIsPermanent(t *testing.T) {
	api := newFakeAssembly(t)
	api.polls = []pollReply{{http.StatusNotFound, `{"error": "transcript not found"}`}}
	cb, in := newTestCloud(t, api, nil)

	_, err := cb.Transcribe(context.Background(), in)
	assert.ErrorIs(t, err, ErrRemoteTranscription)
	_, polls := api.counts()
	assert.Equal(t, 1, polls)
}

func TestCloudBackend_PollTimeout(t *testing.T) {
	t.Run("max attempts", func(t *testing.T) {
		api := newFakeAssembly(t)
		api.polls = []pollReply{status("processing")}
		cb, in := newTestCloud(t, api, func(o *CloudOptions) { o.PollMaxAttempts = 4 })

		_, err := cb.Transcribe(context.Background(), in)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPollTimeout)
		_, polls := api.counts()
		assert.Equal(t, 4, polls)
	})

	t.Run("elapsed", func(t *testing.T) {
		api := newFakeAssembly(t)
		api.polls = []pollReply{status("processing")}
		cb, in := newTestCloud(t, api, func(o *CloudOptions) {
			o.PollInterval = 5 * time.Millisecond
			o.PollMaxInterval = 5 * time.Millisecond
			o.PollTimeout = 50 * time.Millisecond
		})

		start := time.Now()
		_, err := cb.Transcribe(context.Background(), in)
		assert.ErrorIs(t, err, ErrPollTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestCloudBackend_ContextCanceled(t *testing.T) {
	api := newFakeAssembly(t)
	api.polls = []pollReply{status("processing")}
	cb, in := newTestCloud(t, api, func(o *CloudOptions) {
		o.PollInterval = 10 * time.Millisecond
		o.PollMaxInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cb.Transcribe(ctx, in)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPollTimeout)
}

func TestChunkedBody(t *testing.T) {
	src := strings.Repeat("0123456789", 3) // 30 bytes
	body := chunkedBody(strings.NewReader(src), 8)
	defer body.Close()

	var got []byte
	var sizes []int
	buf := make([]byte, 64)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			sizes = append(sizes, n)
			got = append(got, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, src, string(got))
	assert.Equal(t, []int{8, 8, 8, 6}, sizes)
}

func TestChunkedBody_ReaderError(t *testing.T) {
	body := chunkedBody(io.MultiReader(strings.NewReader("abc"), errReader{}), 8)
	_, err := io.ReadAll(body)
	assert.ErrorContains(t, err, "disk on fire")
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }
