// Package ws terminates agent websocket connections on the hub side. One
// connection per agent: inbound envelopes route into ingestion, commands
// published on the instance's commands channel flow back down the socket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/ingest"
	"github.com/pacphi/sindri-console/internal/hub/store"
	"github.com/pacphi/sindri-console/internal/otel"
	"github.com/pacphi/sindri-console/internal/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20

	// livenessWindow is how long after a connection drop the instance keeps
	// its status before being marked unknown.
	livenessWindow = 90 * time.Second

	commandBuffer = 16
)

// Handler is the /ws/agent endpoint.
type Handler struct {
	ingest   *ingest.Service
	store    *store.Store
	bus      *channels.Bus
	presence *channels.Presence
	tokens   map[string]struct{}
	logger   *slog.Logger
}

// NewHandler creates the endpoint. agentTokens is the set of bearer tokens
// agents may present; an empty set accepts every connection.
func NewHandler(ing *ingest.Service, st *store.Store, bus *channels.Bus, presence *channels.Presence, agentTokens []string, logger *slog.Logger) *Handler {
	tokens := make(map[string]struct{}, len(agentTokens))
	for _, t := range agentTokens {
		if t != "" {
			tokens[t] = struct{}{}
		}
	}
	if len(tokens) == 0 {
		logger.Warn("agent websocket authentication disabled: no agent tokens configured, all connections will be accepted")
	}
	return &Handler{
		ingest:   ing,
		store:    st,
		bus:      bus,
		presence: presence,
		tokens:   tokens,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	instanceID := r.Header.Get("X-Instance-ID")
	if instanceID == "" {
		instanceID = r.URL.Query().Get("instance")
	}
	if instanceID == "" {
		http.Error(w, "instance id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "instance_id", instanceID, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	h.serve(r.Context(), conn, instanceID)
}

func (h *Handler) authorized(r *http.Request) bool {
	if len(h.tokens) == 0 {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	_, ok = h.tokens[token]
	return ok
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, instanceID string) {
	gen := h.presence.Register(instanceID)
	otel.GetGlobalMetrics().AgentConnected(ctx)
	h.logger.Info("agent connected", "instance_id", instanceID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	commands, unsubscribe := h.bus.Subscribe(channels.ChannelName(instanceID, channels.StreamCommands), commandBuffer)

	// Single writer for the connection.
	var writeMu sync.Mutex
	send := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-commands:
				if !ok {
					return
				}
				if err := send(data); err != nil {
					h.logger.Warn("command forward failed", "instance_id", instanceID, "error", err)
					return
				}
			}
		}
	}()

	defer func() {
		unsubscribe()
		h.presence.Deregister(instanceID, gen)
		otel.GetGlobalMetrics().AgentDisconnected(context.Background())
		conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
		h.logger.Info("agent disconnected", "instance_id", instanceID)

		// If the agent has not reconnected by the end of the liveness
		// window, its status is no longer trustworthy.
		time.AfterFunc(livenessWindow, func() {
			if h.presence.Connected(instanceID) {
				return
			}
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := h.store.SetInstanceStatus(sctx, instanceID, store.StatusUnknown); err != nil {
				h.logger.Warn("mark instance unknown failed", "instance_id", instanceID, "error", err)
			}
		})
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("malformed agent message", "instance_id", instanceID, "error", err)
			continue
		}
		h.route(ctx, instanceID, env)
	}
}

// route dispatches one inbound envelope. A bad payload is logged and
// isolated; it never tears down the connection.
func (h *Handler) route(ctx context.Context, instanceID string, env protocol.Envelope) {
	ctx, span := otel.GetGlobalTracer().StartIngestSpan(ctx, otel.IngestSpanOptions{
		InstanceID: instanceID,
		Stream:     streamFor(env.Type),
		Type:       string(env.Type),
	})
	defer span.End()

	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := protocol.DecodePayload(env, &hb); err != nil {
			h.logger.Warn("bad heartbeat payload", "instance_id", instanceID, "error", err)
			return
		}
		if hb.InstanceID == "" {
			hb.InstanceID = instanceID
		}
		h.presence.Touch(instanceID)
		if err := h.ingest.IngestHeartbeat(ctx, hb); err != nil {
			otel.RecordError(span, err, "ingest_failed", true)
			h.logger.Error("heartbeat ingest failed", "instance_id", instanceID, "error", err)
		}

	case protocol.TypeMetrics:
		var m protocol.Metrics
		if err := protocol.DecodePayload(env, &m); err != nil {
			h.logger.Warn("bad metrics payload", "instance_id", instanceID, "error", err)
			return
		}
		if m.InstanceID == "" {
			m.InstanceID = instanceID
		}
		if err := h.ingest.IngestMetrics(ctx, &m); err != nil {
			otel.RecordError(span, err, "ingest_failed", true)
			h.logger.Error("metrics ingest failed", "instance_id", instanceID, "error", err)
		}

	case protocol.TypeEvent:
		var ev protocol.Event
		if err := protocol.DecodePayload(env, &ev); err != nil {
			h.logger.Warn("bad event payload", "instance_id", instanceID, "error", err)
			return
		}
		if ev.InstanceID == "" {
			ev.InstanceID = instanceID
		}
		if err := h.ingest.IngestEvent(ctx, ev); err != nil {
			otel.RecordError(span, err, "ingest_failed", true)
			h.logger.Error("event ingest failed", "instance_id", instanceID, "error", err)
		}

	case protocol.TypeTerminalOutput, protocol.TypeTerminalClosed, protocol.TypeCommandResult:
		// Live frames for dashboard viewers; nothing durable.
		h.ingest.PublishTerminal(instanceID, env)

	default:
		h.logger.Debug("ignoring unknown agent message", "instance_id", instanceID, "type", env.Type)
	}
}

// streamFor maps an envelope type to the fan-out stream it lands on.
func streamFor(t protocol.Type) string {
	switch t {
	case protocol.TypeHeartbeat:
		return channels.StreamHeartbeat
	case protocol.TypeMetrics:
		return channels.StreamMetrics
	default:
		return channels.StreamEvents
	}
}
