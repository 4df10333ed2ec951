package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/audioscribe/internal/audio"
	"github.com/snarg/audioscribe/internal/database"
	"github.com/snarg/audioscribe/internal/storage"
	"github.com/snarg/audioscribe/internal/transcribe"
)

// UploadField is the multipart field carrying the audio file.
const UploadField = "audio_file"

// TranscriptionReader reads stored records.
type TranscriptionReader interface {
	GetTranscription(ctx context.Context, id int64) (*database.Transcription, error)
	ListTranscriptions(ctx context.Context, f database.TranscriptionFilter) ([]database.Transcription, int, error)
}

// Submitter stores an upload and queues it for transcription. When the queue
// is full it returns the (already failed) record together with
// transcribe.ErrQueueFull.
type Submitter interface {
	Submit(ctx context.Context, originalName string, r io.Reader) (*database.Transcription, error)
}

type TranscriptionsHandler struct {
	records   TranscriptionReader
	submitter Submitter
	audio     storage.AudioStore
	maxBytes  int64
}

func NewTranscriptionsHandler(records TranscriptionReader, submitter Submitter, audio storage.AudioStore, maxUploadMB int64) *TranscriptionsHandler {
	return &TranscriptionsHandler{
		records:   records,
		submitter: submitter,
		audio:     audio,
		maxBytes:  maxUploadMB << 20,
	}
}

// Routes registers read routes. Upload routes are registered separately so
// the server can rate limit them.
func (h *TranscriptionsHandler) Routes(r chi.Router) {
	r.Get("/transcriptions", h.ListTranscriptions)
	r.Get("/transcriptions/{id}", h.GetTranscription)
	r.Get("/transcriptions/{id}/audio", h.GetAudio)
}

func (h *TranscriptionsHandler) UploadRoutes(r chi.Router) {
	r.Post("/transcriptions", h.CreateTranscription)
	r.Post("/transcriptions/transcribe_audio", h.CreateTranscription)
}

// CreateTranscription accepts a multipart upload and queues it. The response
// is the pending record; the transcript arrives later via the record and the
// event stream.
func (h *TranscriptionsHandler) CreateTranscription(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}
	// Large files outlast the server read timeout; the size cap bounds the body.
	http.NewResponseController(w).SetReadDeadline(time.Time{})

	mr, err := r.MultipartReader()
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "expected multipart/form-data", err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			WriteError(w, http.StatusBadRequest, "missing "+UploadField+" file")
			return
		}
		if err != nil {
			h.writeReadError(w, err)
			return
		}
		if part.FormName() != UploadField {
			part.Close()
			continue
		}
		if part.FileName() == "" {
			WriteError(w, http.StatusBadRequest, UploadField+" must be a file")
			return
		}
		h.submit(w, r, filepath.Base(part.FileName()), part)
		part.Close()
		return
	}
}

func (h *TranscriptionsHandler) submit(w http.ResponseWriter, r *http.Request, name string, body io.Reader) {
	br := bufio.NewReader(body)
	if _, err := br.Peek(1); err != nil {
		if err == io.EOF {
			WriteError(w, http.StatusBadRequest, UploadField+" is empty")
			return
		}
		h.writeReadError(w, err)
		return
	}

	rec, err := h.submitter.Submit(r.Context(), name, br)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusAccepted, rec)
	case errors.Is(err, transcribe.ErrQueueFull):
		detail := ""
		if rec != nil {
			detail = "record " + strconv.FormatInt(rec.ID, 10) + " marked failed"
		}
		WriteErrorDetail(w, http.StatusServiceUnavailable, transcribe.ErrQueueFull.Error(), detail)
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeReadError(w, err)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("file", name).Msg("upload failed")
		WriteError(w, http.StatusInternalServerError, "failed to store upload")
	}
}

func (h *TranscriptionsHandler) writeReadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteErrorDetail(w, http.StatusRequestEntityTooLarge, "upload too large",
			"limit is "+strconv.FormatInt(tooLarge.Limit>>20, 10)+" MB")
		return
	}
	WriteErrorDetail(w, http.StatusBadRequest, "malformed multipart body", err.Error())
}

// ListTranscriptions returns a page of records, newest first.
func (h *TranscriptionsHandler) ListTranscriptions(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := database.TranscriptionFilter{Limit: p.Limit, Offset: p.Offset}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = database.Status(v)
		if !filter.Status.Valid() {
			WriteError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(v))
			return
		}
	}

	items, total, err := h.records.ListTranscriptions(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list transcriptions")
		WriteError(w, http.StatusInternalServerError, "failed to list transcriptions")
		return
	}
	if items == nil {
		items = []database.Transcription{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"transcriptions": items,
		"total":          total,
		"limit":          p.Limit,
		"offset":         p.Offset,
	})
}

func (h *TranscriptionsHandler) GetTranscription(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// GetAudio redirects to a presigned URL when the file is in S3, otherwise
// streams it.
func (h *TranscriptionsHandler) GetAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if url, err := h.audio.URL(r.Context(), rec.AudioFile); err == nil && url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", audio.ContentType(rec.AudioFile, nil))
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(rec.OriginalName))

	if p := h.audio.LocalPath(rec.AudioFile); p != "" {
		if f, err := os.Open(p); err == nil {
			defer f.Close()
			http.ServeContent(w, r, rec.OriginalName, rec.CreatedAt, f)
			return
		}
	}

	rc, err := h.audio.Open(r.Context(), rec.AudioFile)
	if err != nil {
		w.Header().Del("Content-Disposition")
		WriteError(w, http.StatusNotFound, "audio file not found")
		return
	}
	defer rc.Close()
	w.Header().Set("Last-Modified", rec.CreatedAt.UTC().Format(http.TimeFormat))
	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Int64("id", rec.ID).Msg("audio stream interrupted")
	}
}

func (h *TranscriptionsHandler) lookup(w http.ResponseWriter, r *http.Request) (*database.Transcription, bool) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid transcription ID")
		return nil, false
	}
	rec, err := h.records.GetTranscription(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "transcription not found")
		return nil, false
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("id", id).Msg("failed to get transcription")
		WriteError(w, http.StatusInternalServerError, "failed to get transcription")
		return nil, false
	}
	return rec, true
}
