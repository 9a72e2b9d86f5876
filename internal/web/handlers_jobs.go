package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jthorsen/optionset/internal/core"
	"github.com/jthorsen/optionset/internal/dataverse"
	"github.com/jthorsen/optionset/internal/history"
	"github.com/jthorsen/optionset/internal/logging"
)

// handleStartJob accepts a multipart upload and starts a bulk job.
//
// Path kind is insert, update, or delete. Form fields:
//
//	file         the records file (required)
//	optionset    global OptionSet name
//	entity       entity logical name (with attribute, for local targets)
//	attribute    attribute logical name
//	format       "csv" or "json"; defaults to the file extension
//	mergeLabels  "true" to preserve other-locale labels on update
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	kind, err := core.ParseMutationKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	maxSize := s.cfg.Engine.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, r, http.StatusBadRequest, "file too large or invalid form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	target := dataverse.OptionSetRef{
		Name:      r.FormValue("optionset"),
		Entity:    r.FormValue("entity"),
		Attribute: r.FormValue("attribute"),
	}
	mergeLabels := r.FormValue("mergeLabels") == "true"

	format := core.DetectFormat(header.Filename)
	switch r.FormValue("format") {
	case "csv":
		format = core.FormatCSV
	case "json":
		format = core.FormatJSON
	}

	jobID, err := s.service.StartJob(r.Context(), core.StartJobParams{
		Kind:        kind,
		Target:      target,
		Format:      format,
		MergeLabels: mergeLabels,
		Input:       file,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("job started",
		"jobId", jobID,
		"kind", string(kind),
		"target", target.String(),
		"file", header.Filename,
	)
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// handleJobProgress streams progress via Server-Sent Events. The event ID
// is the progress percentage, letting clients resume after reconnection via
// lastEventId.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "missing job ID")
		return
	}

	lastEventIDStr := r.URL.Query().Get("lastEventId")
	var lastEventID int
	if lastEventIDStr != "" {
		lastEventID, _ = strconv.Atoi(lastEventIDStr)
	}

	progressCh, err := s.service.SubscribeProgress(jobID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			percent := progress.Percent()
			if lastEventIDStr != "" && percent <= lastEventID {
				continue
			}

			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", percent, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleJobResult returns the final result, blocking until the job is done.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "missing job ID")
		return
	}

	result, err := s.service.JobResult(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, result)
}

// handleCancelJob requests cancellation of a running job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "missing job ID")
		return
	}

	if err := s.service.CancelJob(jobID); err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, map[string]string{"status": "cancelling"})
}

// handleJobHistory lists persisted jobs, newest first. Returns 404 when
// history persistence is disabled.
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, r, http.StatusNotFound, "job history is not enabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.history.ListJobs(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, map[string]any{"jobs": entries})
}
