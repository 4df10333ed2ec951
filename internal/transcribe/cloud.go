package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/metrics"
)

const (
	defaultCloudBaseURL = "https://api.assemblyai.com/v2"

	// uploadChunkSize bounds how much of the file is held in memory while
	// streaming it to the upload endpoint.
	uploadChunkSize = 5 << 20

	pollMultiplier   = 1.5
	maxResponseBytes = 1 << 20
)

// CloudOptions configures a CloudBackend.
type CloudOptions struct {
	BaseURL         string
	APIKey          string
	RequestTimeout  time.Duration // submit and poll requests
	UploadTimeout   time.Duration
	PollInterval    time.Duration // first poll delay
	PollMaxInterval time.Duration // backoff cap
	PollTimeout     time.Duration // total time spent polling one job
	PollMaxAttempts uint          // 0 = bounded by PollTimeout only
	HTTPClient      *http.Client
	Log             zerolog.Logger
}

// CloudBackend transcribes through an AssemblyAI-compatible API: upload the
// raw file, submit a job, poll until the job is terminal.
type CloudBackend struct {
	opts   CloudOptions
	client *http.Client
	log    zerolog.Logger
}

// jobStatus is the polled representation of a remote transcription job.
type jobStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued, processing, completed, error
	Text   string `json:"text"`
	Error  string `json:"error"`
}

var errJobPending = errors.New("transcription job still in progress")

// NewCloudBackend creates a cloud backend, filling unset options with defaults.
func NewCloudBackend(opts CloudOptions) *CloudBackend {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultCloudBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PollMaxInterval < opts.PollInterval {
		opts.PollMaxInterval = 10 * opts.PollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Minute
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &CloudBackend{
		opts:   opts,
		client: client,
		log:    opts.Log.With().Str("backend", "cloud").Logger(),
	}
}

func (cb *CloudBackend) Name() string { return "cloud" }

// Transcribe uploads inputPath as-is, submits a job for it, and waits for the
// job to finish.
func (cb *CloudBackend) Transcribe(ctx context.Context, inputPath string) (string, error) {
	uploadURL, err := cb.upload(ctx, inputPath)
	if err != nil {
		return "", err
	}

	jobID, err := cb.submit(ctx, uploadURL)
	if err != nil {
		return "", err
	}
	cb.log.Debug().Str("job_id", jobID).Msg("transcription job submitted")

	return cb.poll(ctx, jobID)
}

func (cb *CloudBackend) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", newError(KindUpload, "open audio file", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, cb.opts.UploadTimeout)
	defer cancel()

	body := chunkedBody(f, uploadChunkSize)
	defer body.Close()

	status, respBody, err := cb.do(ctx, http.MethodPost, "/upload", body, "application/octet-stream")
	if err != nil {
		return "", newError(KindUpload, "upload request", err)
	}
	if status != http.StatusOK {
		return "", newError(KindUpload,
			fmt.Sprintf("error uploading file (status %d): %s", status, respBody), nil)
	}

	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", newError(KindUpload, "decode upload response", err)
	}
	if out.UploadURL == "" {
		return "", newError(KindUpload, "upload response has no upload_url", nil)
	}
	return out.UploadURL, nil
}

func (cb *CloudBackend) submit(ctx context.Context, uploadURL string) (string, error) {
	payload, err := json.Marshal(map[string]string{"audio_url": uploadURL})
	if err != nil {
		return "", newError(KindJobSubmission, "encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cb.opts.RequestTimeout)
	defer cancel()

	status, respBody, err := cb.do(ctx, http.MethodPost, "/transcript", bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", newError(KindJobSubmission, "submit request", err)
	}
	if status != http.StatusOK {
		return "", newError(KindJobSubmission,
			fmt.Sprintf("error starting transcription job (status %d): %s", status, respBody), nil)
	}

	var job jobStatus
	if err := json.Unmarshal(respBody, &job); err != nil {
		return "", newError(KindJobSubmission, "decode submit response", err)
	}
	if job.ID == "" {
		return "", newError(KindJobSubmission, "submit response has no job id", nil)
	}
	return job.ID, nil
}

// poll fetches the job status with exponential backoff until it is terminal
// or the polling budget runs out.
func (cb *CloudBackend) poll(ctx context.Context, jobID string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cb.opts.PollInterval
	b.MaxInterval = cb.opts.PollMaxInterval
	b.Multiplier = pollMultiplier

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(cb.opts.PollTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			if !errors.Is(err, errJobPending) {
				cb.log.Warn().Err(err).Str("job_id", jobID).Dur("retry_in", next).Msg("job status poll failed, retrying")
			}
		}),
	}
	if cb.opts.PollMaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(cb.opts.PollMaxAttempts))
	}

	polls := 0
	start := time.Now()
	text, err := backoff.Retry(ctx, func() (string, error) {
		polls++
		metrics.CloudPollsTotal.Inc()

		job, err := cb.fetchStatus(ctx, jobID)
		if err != nil {
			return "", err
		}
		switch job.Status {
		case "completed":
			return job.Text, nil
		case "error":
			return "", backoff.Permanent(newError(KindRemoteTranscription, "transcription error: "+job.Error, nil))
		default:
			return "", errJobPending
		}
	}, opts...)
	if err == nil {
		cb.log.Debug().
			Str("job_id", jobID).
			Int("polls", polls).
			Dur("waited", time.Since(start)).
			Msg("transcription job completed")
		return text, nil
	}

	var perr *Error
	switch {
	case errors.As(err, &perr):
		return "", perr
	case errors.Is(err, errJobPending):
		return "", newError(KindPollTimeout,
			fmt.Sprintf("job %s not finished after %d polls in %s", jobID, polls, time.Since(start).Round(time.Second)), nil)
	default:
		return "", newError(KindRemoteTranscription, "poll job "+jobID, err)
	}
}

// fetchStatus performs one status request. Transport errors, 429 and 5xx are
// returned as retryable; anything else that is not a 200 is permanent.
func (cb *CloudBackend) fetchStatus(ctx context.Context, jobID string) (*jobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, cb.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cb.opts.BaseURL+"/transcript/"+jobID, nil)
	if err != nil {
		return nil, backoff.Permanent(newError(KindRemoteTranscription, "create request", err))
	}
	req.Header.Set("authorization", cb.opts.APIKey)

	resp, err := cb.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, fmt.Errorf("status request throttled")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status request: server error %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(newError(KindRemoteTranscription,
			fmt.Sprintf("error polling job (status %d): %s", resp.StatusCode, bytes.TrimSpace(body)), nil))
	}

	var job jobStatus
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, backoff.Permanent(newError(KindRemoteTranscription, "decode status response", err))
	}
	return &job, nil
}

// do sends an authorized request and returns the status and (bounded) body.
func (cb *CloudBackend) do(ctx context.Context, method, path string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, cb.opts.BaseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("authorization", cb.opts.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := cb.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, bytes.TrimSpace(respBody), nil
}

// chunkedBody streams r through a pipe in writes of at most size bytes, so
// only one chunk is buffered at a time regardless of file size.
func chunkedBody(r io.Reader, size int) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		buf := make([]byte, size)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				if _, werr := pw.Write(buf[:n]); werr != nil {
					return
				}
			}
			switch {
			case err == io.EOF || err == io.ErrUnexpectedEOF:
				pw.Close()
				return
			case err != nil:
				pw.CloseWithError(err)
				return
			}
		}
	}()
	return pr
}
