package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/opencoding/internal/csvimport"
	"github.com/kalambet/opencoding/internal/ingest"
	"github.com/kalambet/opencoding/internal/storage"
)

// multipartOverhead is the slack allowed on top of the file size for
// multipart boundaries and part headers.
const multipartOverhead = 64 << 10

// ImportResponse is the body of a synchronous CSV import.
type ImportResponse struct {
	Success bool `json:"success"`
	ingest.Result
}

// QueuedImport is the body of an asynchronous CSV import.
type QueuedImport struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

func handleImportCSV(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, header, ok := uploadedFile(w, r, deps.maxUpload())
		if !ok {
			return
		}
		defer file.Close()

		if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "File must be a CSV")
			return
		}
		user := userFrom(r.Context())

		if parseBoolParam(r, "async") {
			data, err := io.ReadAll(io.LimitReader(file, deps.maxUpload()+1))
			if err != nil {
				httpError(w, http.StatusBadRequest, errInvalidRequest, "reading upload: %v", err)
				return
			}
			if int64(len(data)) > deps.maxUpload() {
				tooLarge(w, deps.maxUpload())
				return
			}
			batch, err := deps.Importer.Enqueue(r.Context(), header.Filename, user, data)
			if err != nil {
				httpError(w, http.StatusInternalServerError, errAPI, "queueing import: %v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, QueuedImport{BatchID: batch.ID, Status: batch.Status})
			return
		}

		res, err := deps.Importer.Import(r.Context(), header.Filename, user, file)
		if err != nil {
			var mce *csvimport.MissingColumnsError
			switch {
			case errors.As(err, &mce):
				httpError(w, http.StatusBadRequest, errInvalidRequest, "%s", mce.Error())
			case errors.Is(err, csvimport.ErrFileTooLarge):
				tooLarge(w, deps.maxUpload())
			case errors.Is(err, csvimport.ErrUnreadableFile):
				httpError(w, http.StatusBadRequest, errInvalidRequest, "Failed to process CSV file: %v", err)
			default:
				httpError(w, http.StatusInternalServerError, errAPI, "importing traces: %v", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, ImportResponse{Success: true, Result: res})
	}
}

func handleGetImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := deps.Importer.Batch(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "Import batch not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "loading import batch: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

// uploadedFile extracts the multipart "file" part. On failure it writes the
// error response and returns ok=false.
func uploadedFile(w http.ResponseWriter, r *http.Request, limit int64) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			tooLarge(w, limit)
			return nil, nil, false
		}
		httpError(w, http.StatusBadRequest, errInvalidRequest, "expected multipart form: %v", err)
		return nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "file is required")
		return nil, nil, false
	}
	return file, header, true
}

func tooLarge(w http.ResponseWriter, limit int64) {
	httpError(w, http.StatusRequestEntityTooLarge, errTooLarge, "File too large. Maximum size is %s", formatBytes(limit))
}

func formatBytes(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}

func (d Deps) maxUpload() int64 {
	if d.MaxUploadBytes <= 0 {
		return csvimport.DefaultMaxBytes
	}
	return d.MaxUploadBytes
}
