package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/opencoding/internal/export"
)

// handleExport buffers the whole export so that failures still produce a
// JSON error instead of a truncated attachment.
func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := chi.URLParam(r, "format")
		opts := export.Options{
			Format:          format,
			GoldenSetOnly:   parseBoolParam(r, "golden_set"),
			IncludeMetadata: parseBoolParam(r, "include_metadata"),
			UserID:          r.URL.Query().Get("user_id"),
		}

		var buf bytes.Buffer
		sum, err := deps.Exporter.Export(r.Context(), &buf, opts)
		if errors.Is(err, export.ErrUnknownFormat) {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "unsupported export format %q: use csv or jsonl", format)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "exporting annotations: %v", err)
			return
		}

		summary, _ := json.Marshal(sum)
		w.Header().Set("Content-Type", export.ContentType(format))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", export.Filename(format)))
		w.Header().Set("X-Export-Count", strconv.Itoa(sum.Rows))
		w.Header().Set("X-Export-Summary", string(summary))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}
