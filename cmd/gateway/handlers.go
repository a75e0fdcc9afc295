package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"doc-ingest/internal/app"
	"doc-ingest/internal/extract"
	"doc-ingest/internal/httputil"
	"doc-ingest/internal/ingest"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/search"
	"doc-ingest/internal/store"
)

// multipart framing on top of the file itself
const uploadOverhead = 1 << 20

type submitRequest struct {
	Source      string `json:"source"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type documentResponse struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	State       string    `json:"state"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	RetryCount  int       `json:"retry_count"`
	ChunkCount  int       `json:"chunk_count"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toResponse(d store.Document) documentResponse {
	return documentResponse{
		ID:          d.ID.String(),
		Source:      d.Source,
		State:       string(d.State),
		ContentType: d.ContentType,
		SizeBytes:   d.SizeBytes,
		RetryCount:  d.RetryCount,
		ChunkCount:  d.ChunkCount,
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type deadLetterResponse struct {
	DocumentID string    `json:"document_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Attempt    int       `json:"attempt"`
	LastError  string    `json:"last_error"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DeadAt     time.Time `json:"dead_at"`
	Payload    string    `json:"payload,omitempty"`
}

func submitHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		// JSON string escaping can double the body; validation applies the real limit.
		if err := httputil.DecodeJSON(r, 2*deps.Config.MaxUploadSize+uploadOverhead, &req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
		res, err := deps.Ingest.Submit(r.Context(), ingest.Request{
			Source:      req.Source,
			Content:     []byte(req.Content),
			ContentType: req.ContentType,
		})
		writeSubmitResult(deps, w, res, err)
	}
}

func uploadHandler(deps *app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		// Validate file size before parsing
		if r.ContentLength > maxFileSize+uploadOverhead {
			httputil.ValidationFields(w, map[string]string{"file": fmt.Sprintf("max=%d", maxFileSize)})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxFileSize+uploadOverhead)

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.ValidationFields(w, map[string]string{"file": "required"})
			return
		}
		defer file.Close()

		if header.Size > maxFileSize {
			httputil.ValidationFields(w, map[string]string{"file": fmt.Sprintf("max=%d", maxFileSize)})
			return
		}
		contentType, err := extract.ContentType(header.Header.Get("Content-Type"), header.Filename)
		if err != nil {
			httputil.ValidationFields(w, map[string]string{"file": "oneof=text/plain application/pdf"})
			return
		}

		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusBadRequest)
			return
		}
		source := r.FormValue("source")
		if source == "" {
			sum := sha256.Sum256(content)
			source = "sha256:" + hex.EncodeToString(sum[:])
		}

		res, err := deps.Ingest.Submit(r.Context(), ingest.Request{
			Source:      source,
			Content:     content,
			ContentType: contentType,
		})
		writeSubmitResult(deps, w, res, err)
	}
}

func writeSubmitResult(deps *app.Deps, w http.ResponseWriter, res ingest.Result, err error) {
	var verr *ingest.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		httputil.ValidationFields(w, verr.Fields())
		return
	case errors.Is(err, queue.ErrFull):
		w.Header().Set("Retry-After", "1")
		httputil.Fail(deps.Log, w, "ingestion queue is full; retry later", err, http.StatusTooManyRequests)
		return
	case errors.Is(err, ingest.ErrDependencyUnavailable):
		httputil.Fail(deps.Log, w, "service temporarily unavailable", err, http.StatusServiceUnavailable)
		return
	default:
		httputil.Fail(deps.Log, w, "failed to submit document", err, http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, map[string]any{
		"id":    res.Document.ID.String(),
		"state": res.Document.State,
	})
}

func getDocumentHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		doc, err := deps.Store.Get(r.Context(), docID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		case err != nil:
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusServiceUnavailable)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, toResponse(doc))
	}
}

func listDeadLettersHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httputil.ValidationFields(w, map[string]string{"limit": "min=1"})
				return
			}
			limit = n
		}
		dead, err := deps.Queue.DeadLetters(r.Context(), limit)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read dead-letter queue", err, http.StatusServiceUnavailable)
			return
		}
		out := make([]deadLetterResponse, 0, len(dead))
		for _, d := range dead {
			item := deadLetterResponse{
				Attempt:    d.Job.Attempt,
				LastError:  d.Reason,
				EnqueuedAt: d.Job.EnqueuedAt,
				DeadAt:     d.DeadAt,
				Payload:    d.Payload,
			}
			if d.Job.DocumentID != uuid.Nil {
				item.DocumentID = d.Job.DocumentID.String()
				item.JobID = d.Job.ID.String()
			}
			out = append(out, item)
		}
		httputil.WriteJSON(w, http.StatusOK, out)
	}
}

func replayHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		doc, err := deps.Ingest.Replay(r.Context(), docID)
		switch {
		case err == nil:
			httputil.WriteJSON(w, http.StatusOK, toResponse(doc))
		case errors.Is(err, store.ErrNotFound):
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
		case errors.Is(err, store.ErrConflict):
			httputil.Fail(deps.Log, w, "only FAILED documents can be replayed", err, http.StatusConflict)
		case errors.Is(err, queue.ErrFull):
			w.Header().Set("Retry-After", "1")
			httputil.Fail(deps.Log, w, "ingestion queue is full; retry later", err, http.StatusTooManyRequests)
		default:
			httputil.Fail(deps.Log, w, "failed to replay document", err, http.StatusServiceUnavailable)
		}
	}
}

func queueStatsHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Queue.Stats(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read queue stats", err, http.StatusServiceUnavailable)
			return
		}
		counts, err := deps.Store.Counts(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to count documents", err, http.StatusServiceUnavailable)
			return
		}
		docs := make(map[string]int, len(store.AllStates))
		for _, s := range store.AllStates {
			docs[string(s)] = counts[s]
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"queue":      stats,
			"max_length": deps.Config.QueueMaxLength,
			"documents":  docs,
		})
	}
}

type searchRequest struct {
	Query string `json:"query" validate:"required,max=2000"`
	Limit int    `json:"limit" validate:"omitempty,min=1,max=50"`
}

func searchHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := httputil.DecodeJSON(r, 64<<10, &req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
		resp, err := deps.Search.Search(r.Context(), req.Query, req.Limit)
		switch {
		case errors.Is(err, search.ErrEmptyQuery):
			httputil.ValidationFields(w, map[string]string{"query": "required"})
			return
		case err != nil:
			httputil.Fail(deps.Log, w, "search failed", err, http.StatusServiceUnavailable)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}
