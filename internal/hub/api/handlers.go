package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/store"
	"github.com/pacphi/sindri-console/internal/otel"
	"github.com/pacphi/sindri-console/internal/protocol"
)

const (
	// SSE configuration
	sseKeepaliveInterval = 15 * time.Second
	sseStreamBuffer      = 64

	// defaultQueryWindow bounds time-series queries that omit from/to.
	defaultQueryWindow = time.Hour
)

// handleRegisterInstance handles POST /api/v1/instances.
func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}

	var reg protocol.Registration
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&reg); err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid JSON request body",
			map[string]interface{}{"parse_error": err.Error()},
		))
		return
	}

	if reg.InstanceID == "" {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"instance_id is required",
			map[string]interface{}{"field": "instance_id"},
		))
		return
	}
	if reg.Hostname == "" {
		reg.Hostname = reg.InstanceID
	}

	inst := store.Instance{
		ID:           reg.InstanceID,
		Hostname:     reg.Hostname,
		Provider:     reg.Provider,
		Region:       reg.Region,
		AgentVersion: reg.AgentVersion,
		OS:           reg.OS,
		Arch:         reg.Arch,
		Tags:         reg.Tags,
	}
	if err := s.store.CreateInstance(r.Context(), inst); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			otel.GetGlobalMetrics().RecordRegistration(r.Context(), "conflict")
			s.writeError(w, http.StatusConflict, NewConflictErrorResponse(reg.InstanceID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}

	otel.GetGlobalMetrics().RecordRegistration(r.Context(), "created")
	s.logger.Info("instance registered", "instance_id", reg.InstanceID, "hostname", reg.Hostname)
	s.writeJSON(w, http.StatusCreated, &RegisterInstanceResponse{
		InstanceID: reg.InstanceID,
		Status:     store.StatusRunning,
		ServerTime: time.Now().UnixMilli(),
	})
}

// handleListInstances handles GET /api/v1/instances.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET, POST")
		return
	}

	instances, err := s.store.ListInstances(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, &ListInstancesResponse{Instances: instances})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	inst, err := s.store.GetInstance(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, NewInstanceNotFoundErrorResponse(instanceID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, &inst)
}

// handleDeleteInstance removes the registry row and all telemetry and logs
// recorded under the id.
func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	if err := s.store.DeleteInstance(r.Context(), instanceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, NewInstanceNotFoundErrorResponse(instanceID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	s.logger.Info("instance deleted", "instance_id", instanceID)
	w.WriteHeader(http.StatusNoContent)
}

// handleInstanceMetrics handles GET /api/v1/instances/{id}/metrics.
// A rollup parameter of hourly or daily switches from raw points to
// aggregated buckets.
func (s *Server) handleInstanceMetrics(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(err.Error(), nil))
		return
	}

	switch rollup := r.URL.Query().Get("rollup"); rollup {
	case "":
		limit := parseIntParam(r, "limit", 0)
		points, err := s.store.QueryMetrics(r.Context(), instanceID, from, to, limit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusOK, &InstanceMetricsResponse{InstanceID: instanceID, Points: points})

	case store.RollupHourly, store.RollupDaily:
		buckets, err := s.store.QueryRollups(r.Context(), rollup, instanceID, from, to)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusOK, &InstanceRollupResponse{
			InstanceID:  instanceID,
			Granularity: rollup,
			Buckets:     buckets,
		})

	default:
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"rollup must be hourly or daily",
			map[string]interface{}{"rollup": rollup},
		))
	}
}

// handleInstanceHeartbeats handles GET /api/v1/instances/{id}/heartbeats.
func (s *Server) handleInstanceHeartbeats(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(err.Error(), nil))
		return
	}
	limit := parseIntParam(r, "limit", 0)

	beats, err := s.store.QueryHeartbeats(r.Context(), instanceID, from, to, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, &InstanceHeartbeatsResponse{InstanceID: instanceID, Heartbeats: beats})
}

// handleQueryLogs handles GET /api/v1/logs.
func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	q := r.URL.Query()
	query := store.LogQuery{
		InstanceID:   q.Get("instance"),
		Levels:       multiParam(q["level"]),
		Sources:      multiParam(q["source"]),
		DeploymentID: q.Get("deployment_id"),
		Text:         q.Get("q"),
		Limit:        parseIntParam(r, "limit", 0),
		Offset:       parseIntParam(r, "offset", 0),
		Ascending:    q.Get("order") == "asc",
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
				"from must be RFC3339", map[string]interface{}{"from": v}))
			return
		}
		query.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
				"to must be RFC3339", map[string]interface{}{"to": v}))
			return
		}
		query.To = t
	}

	logs, total, err := s.store.QueryLogs(r.Context(), query)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}

	limit := query.Limit
	if limit <= 0 {
		limit = len(logs)
	}
	s.writeJSON(w, http.StatusOK, &LogQueryResponse{
		Total:  total,
		Offset: query.Offset,
		Limit:  limit,
		Logs:   logs,
	})
}

// handleLogStats handles GET /api/v1/logs/stats?instance=.
func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	instanceID := r.URL.Query().Get("instance")
	if instanceID == "" {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"instance parameter is required",
			map[string]interface{}{"field": "instance"},
		))
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(err.Error(), nil))
		return
	}

	stats, err := s.store.LogStatsForInstance(r.Context(), instanceID, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, &stats)
}

// handleFleetLogStats handles GET /api/v1/logs/stats/fleet.
func (s *Server) handleFleetLogStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(err.Error(), nil))
		return
	}
	topN := parseIntParam(r, "top", 0)

	stats, err := s.store.LogStatsForFleet(r.Context(), from, to, topN)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, &stats)
}

// handlePresence handles GET /api/v1/presence.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if s.presence == nil {
		s.writeJSON(w, http.StatusOK, &PresenceResponse{Agents: []channels.AgentPresence{}})
		return
	}
	s.writeJSON(w, http.StatusOK, &PresenceResponse{Agents: s.presence.List()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	ready := s.store != nil
	status := "ok"
	code := http.StatusOK
	if !ready {
		status = "store not configured"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, &ReadyResponse{Status: status, Ready: ready})
}

// handleStreamInstance handles GET /api/v1/instances/{id}/stream. It tails
// the instance's live channel over SSE. Delivery is best effort: a slow
// consumer misses frames rather than backpressuring ingestion.
func (s *Server) handleStreamInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeInternal,
			ErrorCode:    ErrorCodeInternalError,
			ErrorMessage: "Streaming is not configured",
			Retryable:    true,
		})
		return
	}

	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = channels.StreamEvents
	}
	switch stream {
	case channels.StreamMetrics, channels.StreamHeartbeat, channels.StreamLogs, channels.StreamEvents:
	default:
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"unknown stream",
			map[string]interface{}{"stream": stream},
		))
		return
	}

	if _, err := s.store.GetInstance(r.Context(), instanceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, NewInstanceNotFoundErrorResponse(instanceID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Streaming not supported"))
		return
	}

	sub, cancel := s.bus.Subscribe(channels.ChannelName(instanceID, stream), sseStreamBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		case data, ok := <-sub:
			if !ok {
				return
			}
			seq++
			fmt.Fprintf(w, "event: %s\n", stream)
			fmt.Fprintf(w, "id: %d\n", seq)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// parseTimeRange reads from/to as RFC3339. A missing range defaults to the
// last hour.
func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.Add(-defaultQueryWindow)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from must be RFC3339")
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to must be RFC3339")
		}
		to = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must not precede from")
	}
	return from, to, nil
}

func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// multiParam accepts both repeated parameters and comma-separated values.
func multiParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errResp *ErrorResponse) {
	s.writeJSON(w, status, errResp)
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, method, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeMethodNotAllowed,
		ErrorMessage: fmt.Sprintf("Method %s not allowed", method),
		Retryable:    false,
		Details: map[string]interface{}{
			"allowed": allowed,
		},
	})
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 * 1024 * 1024

// limitedBody returns a reader that limits the body size.
func limitedBody(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, maxRequestBodySize)
}
