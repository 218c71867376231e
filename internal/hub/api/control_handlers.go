package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/store"
	"github.com/pacphi/sindri-console/internal/protocol"
)

// Control handlers publish hub-to-agent envelopes on the instance's commands
// channel. Delivery is best-effort: the websocket layer forwards whatever is
// on the channel while the agent is connected, so dispatch requires a live
// connection and answers 202, not 200.

// handleDispatchCommand handles POST /api/v1/instances/{id}/commands.
func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}

	var req DispatchCommandRequest
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid JSON request body",
			map[string]interface{}{"parse_error": err.Error()},
		))
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"command is required",
			map[string]interface{}{"field": "command"},
		))
		return
	}

	if !s.requireConnectedAgent(w, r, instanceID) {
		return
	}

	commandID := uuid.NewString()
	env, err := protocol.NewEnvelope(protocol.TypeCommandDispatch, "", protocol.CommandDispatch{
		CommandID: commandID,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		TimeoutMs: req.TimeoutMs,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	if !s.publishCommand(w, instanceID, env) {
		return
	}

	s.logger.Info("command dispatched", "instance_id", instanceID, "command_id", commandID)
	s.writeJSON(w, http.StatusAccepted, &DispatchCommandResponse{
		CommandID:  commandID,
		InstanceID: instanceID,
	})
}

// handleOpenSession handles POST /api/v1/instances/{id}/sessions.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}

	var req OpenSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
				"Invalid JSON request body",
				map[string]interface{}{"parse_error": err.Error()},
			))
			return
		}
	}

	if !s.requireConnectedAgent(w, r, instanceID) {
		return
	}

	sessionID := uuid.NewString()
	env, err := protocol.NewEnvelope(protocol.TypeTerminalCreate, sessionID, protocol.TerminalCreate{
		SessionID: sessionID,
		Cols:      req.Cols,
		Rows:      req.Rows,
		Shell:     req.Shell,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	if !s.publishCommand(w, instanceID, env) {
		return
	}

	s.logger.Info("terminal session requested", "instance_id", instanceID, "session_id", sessionID)
	s.writeJSON(w, http.StatusAccepted, &OpenSessionResponse{
		SessionID:  sessionID,
		InstanceID: instanceID,
	})
}

// handleCloseSession handles DELETE /api/v1/instances/{id}/sessions/{sid}.
// Closing an unknown session is accepted; the agent treats it as a no-op.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request, instanceID, sessionID string) {
	if r.Method != http.MethodDelete {
		s.writeMethodNotAllowed(w, r.Method, "DELETE")
		return
	}

	if !s.requireConnectedAgent(w, r, instanceID) {
		return
	}

	env, err := protocol.NewEnvelope(protocol.TypeTerminalClose, sessionID, protocol.TerminalClose{
		SessionID: sessionID,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	if !s.publishCommand(w, instanceID, env) {
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// requireConnectedAgent verifies the instance exists and its agent holds a
// live connection. It writes the error response itself and reports whether
// the caller may proceed.
func (s *Server) requireConnectedAgent(w http.ResponseWriter, r *http.Request, instanceID string) bool {
	if _, err := s.store.GetInstance(r.Context(), instanceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, NewInstanceNotFoundErrorResponse(instanceID))
			return false
		}
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return false
	}

	if s.presence == nil || !s.presence.Connected(instanceID) {
		s.writeError(w, http.StatusConflict, &ErrorResponse{
			ErrorType:    ErrorTypeConflict,
			ErrorCode:    ErrorCodeAgentNotConnected,
			ErrorMessage: "Agent is not connected; retry once it reconnects",
			Retryable:    true,
			Details:      map[string]interface{}{"instance_id": instanceID},
		})
		return false
	}
	return true
}

func (s *Server) publishCommand(w http.ResponseWriter, instanceID string, env protocol.Envelope) bool {
	if s.bus == nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("fan-out bus not configured"))
		return false
	}
	raw, err := json.Marshal(env)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return false
	}
	s.bus.Publish(channels.ChannelName(instanceID, channels.StreamCommands), raw)
	return true
}
