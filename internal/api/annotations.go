package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/opencoding/internal/annotation"
	"github.com/kalambet/opencoding/internal/storage"
)

func handleSaveAnnotation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var c annotation.Candidate
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
			return
		}

		user := userFrom(r.Context())
		res, err := deps.Annotations.Save(r.Context(), user, c)
		var verr *annotation.ValidationError
		switch {
		case errors.As(err, &verr):
			validationFailed(w, verr)
			return
		case errors.Is(err, annotation.ErrTraceNotFound):
			httpError(w, http.StatusNotFound, errNotFound, "Trace not found")
			return
		case errors.Is(err, storage.ErrVersionConflict):
			current, _ := deps.Annotations.Get(r.Context(), c.TraceID, user)
			writeJSON(w, http.StatusConflict, map[string]any{
				"detail":  "annotation was modified by another request; reload and retry",
				"type":    errConflict,
				"current": current,
			})
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, errAPI, "saving annotation: %v", err)
			return
		}

		code := http.StatusOK
		if res.Created {
			code = http.StatusCreated
		}
		writeJSON(w, code, res.Annotation)
	}
}

// handleGetAnnotation responds with JSON null when the caller has not
// annotated the trace.
func handleGetAnnotation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Annotations.Get(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "loading annotation: %v", err)
			return
		}
		// Old clients ask for the pass/fail view.
		if a != nil && r.URL.Query().Get("shape") == "simple" {
			legacy, ok := annotation.AsSimple(*a)
			if !ok {
				writeJSON(w, http.StatusOK, nil)
				return
			}
			writeJSON(w, http.StatusOK, legacy)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleUserStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Stats.Get(r.Context(), userFrom(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "computing stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleImportLegacy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.maxUpload())
		defer r.Body.Close()

		var records []annotation.LegacyRecord
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "expected a JSON array of annotations: %v", err)
			return
		}

		sum, err := deps.Annotations.ImportLegacy(r.Context(), records, userFrom(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "importing legacy annotations: %v", err)
			return
		}
		if sum.Invalid == nil {
			sum.Invalid = []string{}
		}
		writeJSON(w, http.StatusOK, sum)
	}
}
