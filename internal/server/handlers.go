package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/vigil/internal/history"
	"github.com/aristath/vigil/internal/queue"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/task"
)

// defaultHistoryLimit bounds GET /api/history when no limit is given.
const defaultHistoryLimit = 50

// statusResponse is the engine snapshot plus host-level readings.
type statusResponse struct {
	queue.Snapshot
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
}

// scheduleRequest is the body of POST /api/tasks. Only type is required;
// everything else falls back to the registered descriptor's defaults.
type scheduleRequest struct {
	Type            string                 `json:"type"`
	Priority        string                 `json:"priority,omitempty"`
	DelaySeconds    int                    `json:"delay_seconds,omitempty"`
	IntervalSeconds int                    `json:"interval_seconds,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "vigil",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleStatus returns the full monitoring snapshot: per-queue and per-type
// counts, running task ids, recent failures, store health and host usage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.log.Debug().Msg("Getting engine status")

	cpuPct, memPct := s.hostStats()
	response := statusResponse{
		Snapshot:      s.manager.Status(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		CPUPercent:    cpuPct,
		MemPercent:    memPct,
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleScheduleTask submits an on-demand task.
func (s *Server) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.DelaySeconds < 0 {
		s.writeError(w, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}
	if req.IntervalSeconds < 0 {
		s.writeError(w, http.StatusBadRequest, "interval_seconds must not be negative")
		return
	}

	schedReq := scheduler.Request{
		Type:     task.Type(req.Type),
		Delay:    time.Duration(req.DelaySeconds) * time.Second,
		Interval: time.Duration(req.IntervalSeconds) * time.Second,
		Metadata: req.Metadata,
	}
	if req.Priority != "" {
		p, err := task.ParsePriority(req.Priority)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		schedReq.Priority = &p
	}

	t, err := s.scheduler.Schedule(schedReq)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownType) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("type", req.Type).Msg("Failed to schedule task")
		s.writeError(w, http.StatusInternalServerError, "failed to schedule task")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":           t.ID,
		"type":              string(t.Type),
		"queue":             t.Queue,
		"priority":          t.Priority.String(),
		"next_execution_at": t.NextExecutionAt,
	})
}

// handleCancelTask cancels a live task. Running and finished tasks report
// cancelled=false; ids the engine has never seen or has already dropped get 404.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok := s.manager.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	cancelled := s.manager.Cancel(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   id,
		"cancelled": cancelled,
	})
}

// handleTriggerEvent publishes a named domain event as if an internal
// component had raised it. The routed event types turn into task submissions.
func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if err := s.scheduler.TriggerEvent(name, payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":     name,
		"triggered": true,
	})
}

// handleHistory returns recent execution records, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read task history")
		s.writeError(w, http.StatusInternalServerError, "failed to read task history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": entries,
		"count":   len(entries),
	})
}

// hostStats samples CPU and memory usage. The short CPU window keeps the
// status endpoint fast at the cost of a noisier reading.
func (s *Server) hostStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read CPU usage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read memory statistics")
		return firstOrZero(cpuPercent), 0
	}

	return firstOrZero(cpuPercent), memStat.UsedPercent
}

func firstOrZero(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[0]
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error payload with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
