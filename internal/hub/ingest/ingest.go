// Package ingest persists inbound agent telemetry and fans it out to live
// subscribers. Durability comes first: a row is written before anything is
// published, and publish failures never fail the ingest.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/store"
	"github.com/pacphi/sindri-console/internal/otel"
	"github.com/pacphi/sindri-console/internal/protocol"
)

// Service wires the store and the fan-out bus together.
type Service struct {
	store  *store.Store
	bus    *channels.Bus
	logger *slog.Logger
}

// NewService creates the ingestion service.
func NewService(st *store.Store, bus *channels.Bus, logger *slog.Logger) *Service {
	return &Service{store: st, bus: bus, logger: logger}
}

// IngestHeartbeat stores a liveness sample, refreshes the instance's
// last_seen_at, and publishes to the heartbeat channel.
func (s *Service) IngestHeartbeat(ctx context.Context, hb protocol.Heartbeat) error {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	if err := s.store.InsertHeartbeat(ctx, hb); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Agent retransmit after reconnect. Already durable.
			return nil
		}
		return err
	}
	if err := s.store.TouchInstance(ctx, hb.InstanceID, hb.Timestamp); err != nil {
		s.logger.Warn("touch instance failed", "instance_id", hb.InstanceID, "error", err)
	}
	otel.GetGlobalMetrics().RecordIngest(ctx, channels.StreamHeartbeat)
	s.publish(hb.InstanceID, channels.StreamHeartbeat, hb)
	return nil
}

// IngestMetrics stores a full metrics sample and publishes the flattened
// point to the metrics channel.
func (s *Service) IngestMetrics(ctx context.Context, m *protocol.Metrics) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	point := store.FlattenMetrics(m)
	if err := s.store.InsertMetric(ctx, point); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}
	otel.GetGlobalMetrics().RecordIngest(ctx, channels.StreamMetrics)
	s.publish(m.InstanceID, channels.StreamMetrics, point)
	return nil
}

// IngestLog archives one log line and publishes it to the logs channel.
func (s *Service) IngestLog(ctx context.Context, e store.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := s.store.InsertLog(ctx, e); err != nil {
		return err
	}
	otel.GetGlobalMetrics().RecordIngest(ctx, channels.StreamLogs)
	s.publish(e.InstanceID, channels.StreamLogs, e)
	return nil
}

// IngestLogBatch archives a batch in one transaction, then publishes each
// line. A mixed-instance batch publishes per line to the right channel.
func (s *Service) IngestLogBatch(ctx context.Context, entries []store.LogEntry) error {
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = now
		}
	}
	if err := s.store.InsertLogBatch(ctx, entries); err != nil {
		return err
	}
	for _, e := range entries {
		otel.GetGlobalMetrics().RecordIngest(ctx, channels.StreamLogs)
		s.publish(e.InstanceID, channels.StreamLogs, e)
	}
	return nil
}

// IngestEvent publishes a lifecycle event and archives it as a log line so
// events survive for querying.
func (s *Service) IngestEvent(ctx context.Context, ev protocol.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	entry := store.LogEntry{
		InstanceID: ev.InstanceID,
		Timestamp:  ev.Timestamp,
		Level:      "info",
		Source:     "event",
		Message:    ev.EventType + ": " + ev.Message,
		Metadata:   ev.Metadata,
	}
	if err := s.store.InsertLog(ctx, entry); err != nil {
		return err
	}
	otel.GetGlobalMetrics().RecordIngest(ctx, channels.StreamEvents)
	s.publish(ev.InstanceID, channels.StreamEvents, ev)
	return nil
}

// PublishTerminal republishes a terminal frame on the instance events
// channel for live viewers. Terminal output is not persisted.
func (s *Service) PublishTerminal(instanceID string, env protocol.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("encode terminal frame failed", "error", err)
		return
	}
	s.bus.Publish(channels.ChannelName(instanceID, channels.StreamEvents), raw)
}

func (s *Service) publish(instanceID, stream string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode fan-out payload failed", "stream", stream, "error", err)
		return
	}
	s.bus.Publish(channels.ChannelName(instanceID, stream), raw)
}
