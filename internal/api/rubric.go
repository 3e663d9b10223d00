package api

import (
	"net/http"

	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/storage"
)

// RubricResponse describes the rubric in force. Version 0 means none was
// imported yet.
type RubricResponse struct {
	Version      int      `json:"version"`
	FailureModes []string `json:"failure_modes"`
}

// RubricImportResponse is the body of a successful rubric import.
type RubricImportResponse struct {
	Success bool `json:"success"`
	RubricResponse
}

func handleGetRubric(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Rubrics.Current(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "loading rubric: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, RubricResponse{Version: snap.Version, FailureModes: snap.FailureModes})
	}
}

func handleRubricVersions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := deps.Rubrics.History(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "loading rubric history: %v", err)
			return
		}
		if history == nil {
			history = []storage.RubricVersion{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

func handleImportRubric(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, header, ok := uploadedFile(w, r, deps.maxUpload())
		if !ok {
			return
		}
		defer file.Close()

		modes, err := rubric.ParseFile(header.Filename, file)
		if err != nil {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "%v", err)
			return
		}
		rv, err := deps.Rubrics.Import(r.Context(), modes)
		if rubric.IsInvalid(err) {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "importing rubric: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, RubricImportResponse{
			Success:        true,
			RubricResponse: RubricResponse{Version: rv.Version, FailureModes: rv.FailureModes},
		})
	}
}
