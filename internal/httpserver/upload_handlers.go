package httpserver

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"chatsync/internal/storage"
)

const maxUploadBytes = 10 << 20 // 10 MiB

// handleUpload stores an attachment ahead of the message that references it.
// The returned key is paired with the outgoing message id by the client.
func handleUpload(store *storage.S3Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body or file too large")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read file")
			return
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}

		key := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
		url, err := store.Upload(r.Context(), key, contentType, data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "upload failed")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"key": key,
			"url": url,
		})
	}
}

// handleDownloadURL returns a fresh presigned URL for an object, for buckets
// that are not publicly readable.
func handleDownloadURL(store *storage.S3Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
			return
		}
		key := chi.URLParam(r, "key")
		url, err := store.PresignURL(r.Context(), key, 15*time.Minute)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "presign failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"key": key,
			"url": url,
		})
	}
}
