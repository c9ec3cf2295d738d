// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tombee/agentlens/internal/storage"
)

// RunsHandler serves the run query API backed by the trace store.
type RunsHandler struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(store *storage.Store, logger *slog.Logger) *RunsHandler {
	return &RunsHandler{store: store, logger: logger}
}

// RegisterRoutes registers run API routes on the mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{run_id}/steps", h.handleSteps)
	mux.HandleFunc("GET /v1/runs/{run_id}/timeline", h.handleTimeline)
	mux.HandleFunc("GET /v1/runs/{run_id}/steps/{step_id}/data", h.handleStepData)
	mux.HandleFunc("GET /v1/runs/{run_id}/export", h.handleExport)
}

// pageSize mirrors the store's paging bounds: default 20, max 100.
func pageSize(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// queryInt parses an integer query parameter, returning 0 when absent
// or malformed.
func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

// queryInt64 parses an int64 query parameter, returning 0 when absent
// or malformed.
func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}

// handleList handles GET /v1/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.Filter{
		Status:        q.Get("status"),
		UserID:        q.Get("user_id"),
		SessionID:     q.Get("session_id"),
		Search:        q.Get("search"),
		StartedAfter:  queryInt64(r, "started_after"),
		StartedBefore: queryInt64(r, "started_before"),
		Limit:         queryInt(r, "limit"),
		Offset:        queryInt(r, "offset"),
	}

	size := pageSize(filter.Limit)

	// ?page is one-based and wins over ?offset.
	if page := queryInt(r, "page"); page > 0 {
		filter.Offset = (page - 1) * size
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	runs, total, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":      runs,
		"total":     total,
		"page":      filter.Offset/size + 1,
		"page_size": size,
	})
}

// handleGet handles GET /v1/runs/{run_id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleSteps handles GET /v1/runs/{run_id}/steps. Payloads are
// decoded unless ?include_data=false.
func (h *RunsHandler) handleSteps(w http.ResponseWriter, r *http.Request) {
	q := storage.StepQuery{
		EventType:   r.URL.Query().Get("event_type"),
		IncludeData: r.URL.Query().Get("include_data") != "false",
		Limit:       queryInt(r, "limit"),
		Offset:      queryInt(r, "offset"),
	}

	steps, err := h.store.GetSteps(r.Context(), r.PathValue("run_id"), q)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"steps": steps,
		"count": len(steps),
	})
}

// handleTimeline handles GET /v1/runs/{run_id}/timeline.
func (h *RunsHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.store.GetTimeline(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"timeline": timeline,
		"count":    len(timeline),
	})
}

// handleStepData handles GET /v1/runs/{run_id}/steps/{step_id}/data.
func (h *RunsHandler) handleStepData(w http.ResponseWriter, r *http.Request) {
	stepID, err := strconv.ParseInt(r.PathValue("step_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step ID")
		return
	}

	data, err := h.store.GetStepData(r.Context(), r.PathValue("run_id"), stepID)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, data)
}

// handleExport handles GET /v1/runs/{run_id}/export.
func (h *RunsHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, export)
}
