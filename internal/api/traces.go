package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/opencoding/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// TracePage is one page of the canonical trace listing.
type TracePage struct {
	Traces     []storage.Trace `json:"traces"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	Total      int             `json:"total"`
	TotalPages int             `json:"total_pages"`
}

// TraceDetail is a trace with the caller's annotation, if any.
type TraceDetail struct {
	storage.Trace
	Annotation *storage.Annotation `json:"annotation"`
}

func handleListTraces(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := max(parseIntParam(r, "page", 1, 0), 1)
		size := parseIntParam(r, "page_size", defaultPageSize, maxPageSize)
		if size == 0 {
			size = defaultPageSize
		}

		total, err := deps.Store.CountTraces(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "counting traces: %v", err)
			return
		}
		traces, err := deps.Store.ListTraces(r.Context(), size, (page-1)*size)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "listing traces: %v", err)
			return
		}
		if traces == nil {
			traces = []storage.Trace{}
		}

		writeJSON(w, http.StatusOK, TracePage{
			Traces:     traces,
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: (total + size - 1) / size,
		})
	}
}

func handleGetTrace(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := deps.Store.GetTrace(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "Trace not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "loading trace: %v", err)
			return
		}

		a, err := deps.Annotations.Get(r.Context(), id, userFrom(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "loading annotation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, TraceDetail{Trace: t, Annotation: a})
	}
}

func handleAdjacent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adj, err := deps.Navigator.Adjacent(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "Trace not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "finding adjacent traces: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, adj)
	}
}

// handleNextUnannotated responds with JSON null once every trace is annotated.
func handleNextUnannotated(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Navigator.NextUnannotated(r.Context(), userFrom(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, errAPI, "finding next trace: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}
