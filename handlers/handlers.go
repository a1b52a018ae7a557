// Package handlers holds the HTTP surface: health, metrics snapshot, manual
// pipeline submission, and task status lookup.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/errors"
	"github.com/flexvod/caption-api/health"
	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/pipeline"
	"github.com/flexvod/caption-api/store"
)

type CaptionAPIHandlersCollection struct {
	Coordinator *pipeline.Coordinator
	Counters    *store.Counters
	KV          store.KV
	Broker      *broker.Broker
}

func (d *CaptionAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if _, err := io.WriteString(w, "OK"); err != nil {
			log.LogNoVideoID("Failed to write HTTP response for " + req.URL.RawPath)
		}
	}
}

// MetricsSnapshot serves the JSON counter snapshot from the shared store.
func (d *CaptionAPIHandlersCollection) MetricsSnapshot() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		snapshot, err := d.Counters.Snapshot(req.Context())
		if err != nil {
			errors.WriteHTTPServiceUnavailable(w, "counters unavailable", err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

// Health serves the last aggregated health report. An unhealthy rollup gets
// a 503 so load balancers can act on it.
func (d *CaptionAPIHandlersCollection) Health() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		report, ok := health.LastReport(req.Context(), d.KV)
		if !ok {
			errors.WriteHTTPServiceUnavailable(w, "no recent health report", nil)
			return
		}
		status := http.StatusOK
		if report.Overall == health.Unhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// ProcessRequest is the manual submission body.
type ProcessRequest struct {
	VideoID   string `json:"video_id"`
	CityID    string `json:"city_id"`
	LocalPath string `json:"local_path,omitempty"`
	Priority  bool   `json:"priority,omitempty"`
}

type processResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

// ProcessVideo submits one pipeline run for a specific video.
func (d *CaptionAPIHandlersCollection) ProcessVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var body ProcessRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			errors.WriteHTTPBadRequest(w, "cannot parse request body", err)
			return
		}
		if body.VideoID == "" || body.CityID == "" {
			errors.WriteHTTPBadRequest(w, "video_id and city_id are required", nil)
			return
		}

		queue := d.Broker.DefaultQueue
		if body.Priority {
			queue = d.Broker.PriorityQueue
		}
		args := pipeline.ProcessArgs{VideoID: body.VideoID, CityID: body.CityID, LocalPath: body.LocalPath}
		opts := []broker.SubmitOption{}
		if body.LocalPath != "" {
			opts = append(opts, broker.WithSourcePath(body.LocalPath))
		}
		handle, err := d.Broker.Submit(req.Context(), broker.TaskProcessSingle, args, queue, opts...)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "cannot submit task", err)
			return
		}
		writeJSON(w, http.StatusAccepted, processResponse{TaskID: handle.ID, Queue: queue})
	}
}

// TaskStatus looks up the result record of a submitted task.
func (d *CaptionAPIHandlersCollection) TaskStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		result, err := d.Broker.Result(req.Context(), ps.ByName("id"))
		if err != nil {
			errors.WriteHTTPNotFound(w, "unknown task", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type ledgerStatusResponse struct {
	Path     string `json:"path"`
	Ledgered bool   `json:"ledgered"`
	EverSeen bool   `json:"ever_seen"`
}

// LedgerStatus reports whether a source path is currently deduplicated and
// whether it appeared at all within the rolling window. Answers the operator
// question "why did discovery not pick this video up".
func (d *CaptionAPIHandlersCollection) LedgerStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		path := req.URL.Query().Get("path")
		if path == "" {
			errors.WriteHTTPBadRequest(w, "path query parameter is required", nil)
			return
		}
		writeJSON(w, http.StatusOK, ledgerStatusResponse{
			Path:     path,
			Ledgered: d.Coordinator.Ledger.Has(req.Context(), path),
			EverSeen: d.Coordinator.Ledger.WasEverSeen(req.Context(), path),
		})
	}
}

// Jobs lists the pipelines currently in flight on this process.
func (d *CaptionAPIHandlersCollection) Jobs() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		jobs := []*pipeline.JobInfo{}
		for _, id := range d.Coordinator.Jobs.Keys() {
			if job := d.Coordinator.Jobs.Get(id); job != nil {
				jobs = append(jobs, job)
			}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.LogNoVideoID("error writing HTTP response", "err", err)
	}
}
