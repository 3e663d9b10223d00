package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/opencoding/internal/annotation"
	"github.com/kalambet/opencoding/internal/export"
	"github.com/kalambet/opencoding/internal/ingest"
	"github.com/kalambet/opencoding/internal/navigator"
	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/stats"
	"github.com/kalambet/opencoding/internal/storage"
)

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store       *storage.Store
	Rubrics     *rubric.Registry
	Annotations *annotation.Service
	Navigator   *navigator.Navigator
	Exporter    *export.Exporter
	Importer    *ingest.Importer
	Stats       *stats.Manager

	// MaxUploadBytes caps CSV and rubric uploads.
	MaxUploadBytes int64
	// Token enables bearer authentication on /api when non-empty.
	Token       string
	DefaultUser string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewHandler builds the router for the annotation API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Use(UserIdentity(deps.DefaultUser))

		r.Get("/traces", handleListTraces(deps))
		r.Post("/traces/import-csv", handleImportCSV(deps))
		r.Get("/traces/next/unannotated", handleNextUnannotated(deps))
		r.Get("/traces/{id}", handleGetTrace(deps))
		r.Get("/traces/{id}/adjacent", handleAdjacent(deps))
		r.Get("/imports/{id}", handleGetImport(deps))

		r.Post("/annotations", handleSaveAnnotation(deps))
		r.Post("/annotations/import-legacy", handleImportLegacy(deps))
		r.Get("/annotations/trace/{id}", handleGetAnnotation(deps))
		r.Get("/annotations/user/stats", handleUserStats(deps))

		r.Get("/rubric", handleGetRubric(deps))
		r.Get("/rubric/versions", handleRubricVersions(deps))
		r.Post("/rubric/import", handleImportRubric(deps))

		r.Get("/export/{format}", handleExport(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, errAPI, "database unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// parseIntParam extracts an integer query parameter with a default and optional max.
func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseBoolParam(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
