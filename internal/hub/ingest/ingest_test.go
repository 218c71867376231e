package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/store"
	"github.com/pacphi/sindri-console/internal/protocol"
)

func newTestService(t *testing.T) (*Service, *store.Store, *channels.Bus) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := channels.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, bus, logger), st, bus
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message published")
		return nil
	}
}

func TestIngestHeartbeat_PersistsTouchesAndPublishes(t *testing.T) {
	svc, st, bus := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := st.CreateInstance(ctx, store.Instance{ID: "sea-01", Hostname: "h", Status: store.StatusUnknown}); err != nil {
		t.Fatal(err)
	}
	sub, cancel := bus.Subscribe(channels.ChannelName("sea-01", channels.StreamHeartbeat), 4)
	defer cancel()

	hb := protocol.Heartbeat{InstanceID: "sea-01", Timestamp: now, CPUPercent: 12.5, UptimeSeconds: 300}
	if err := svc.IngestHeartbeat(ctx, hb); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	beats, err := st.QueryHeartbeats(ctx, "sea-01", now.Add(-time.Minute), now.Add(time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(beats) != 1 || beats[0].CPUPercent != 12.5 {
		t.Errorf("stored beats = %+v", beats)
	}

	inst, err := st.GetInstance(ctx, "sea-01")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != store.StatusRunning || inst.LastSeenAt == nil {
		t.Errorf("instance not revived: %+v", inst)
	}

	var published protocol.Heartbeat
	if err := json.Unmarshal(recv(t, sub), &published); err != nil {
		t.Fatal(err)
	}
	if published.UptimeSeconds != 300 {
		t.Errorf("published = %+v", published)
	}
}

func TestIngestHeartbeat_DuplicateIsSuccess(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	hb := protocol.Heartbeat{InstanceID: "sea-01", Timestamp: time.Now().UTC()}
	if err := svc.IngestHeartbeat(ctx, hb); err != nil {
		t.Fatal(err)
	}
	if err := svc.IngestHeartbeat(ctx, hb); err != nil {
		t.Errorf("retransmitted heartbeat = %v, want nil", err)
	}
}

func TestIngestMetrics_FlattensAndPublishes(t *testing.T) {
	svc, st, bus := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sub, cancel := bus.Subscribe(channels.ChannelName("sea-01", channels.StreamMetrics), 4)
	defer cancel()

	m := &protocol.Metrics{
		InstanceID: "sea-01",
		Timestamp:  now,
		CPU:        protocol.CPUStats{UsagePercent: 55, StealPercent: 1.5},
		Memory:     protocol.MemStats{TotalBytes: 8192, UsedBytes: 4096},
		Disk: []protocol.DiskStat{
			{MountPoint: "/", UsedBytes: 100, TotalBytes: 500},
			{MountPoint: "/data", UsedBytes: 50, TotalBytes: 200},
		},
		Network: protocol.NetStats{BytesRecv: 10, BytesSent: 20},
	}
	if err := svc.IngestMetrics(ctx, m); err != nil {
		t.Fatal(err)
	}

	points, err := st.QueryMetrics(ctx, "sea-01", now.Add(-time.Minute), now.Add(time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d", len(points))
	}
	if points[0].DiskUsedBytes != 150 || points[0].DiskTotalBytes != 700 {
		t.Errorf("disk not summed across mounts: %+v", points[0])
	}
	if points[0].CPUSteal != 1.5 {
		t.Errorf("steal = %v", points[0].CPUSteal)
	}

	var published store.MetricPoint
	if err := json.Unmarshal(recv(t, sub), &published); err != nil {
		t.Fatal(err)
	}
	if published.CPUPercent != 55 {
		t.Errorf("published = %+v", published)
	}
}

func TestIngestLogBatch_MixedInstances(t *testing.T) {
	svc, st, bus := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	subA, cancelA := bus.Subscribe(channels.ChannelName("sea-01", channels.StreamLogs), 4)
	defer cancelA()
	subB, cancelB := bus.Subscribe(channels.ChannelName("ord-02", channels.StreamLogs), 4)
	defer cancelB()

	batch := []store.LogEntry{
		{InstanceID: "sea-01", Timestamp: now, Message: "a"},
		{InstanceID: "ord-02", Timestamp: now, Message: "b"},
	}
	if err := svc.IngestLogBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	_, total, err := st.QueryLogs(ctx, store.LogQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("stored logs = %d", total)
	}

	var a, b store.LogEntry
	if err := json.Unmarshal(recv(t, subA), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(recv(t, subB), &b); err != nil {
		t.Fatal(err)
	}
	if a.Message != "a" || b.Message != "b" {
		t.Errorf("routed wrong: a=%q b=%q", a.Message, b.Message)
	}
}

func TestIngestEvent_ArchivedAsLog(t *testing.T) {
	svc, st, bus := newTestService(t)
	ctx := context.Background()

	sub, cancel := bus.Subscribe(channels.ChannelName("sea-01", channels.StreamEvents), 4)
	defer cancel()

	ev := protocol.Event{
		InstanceID: "sea-01",
		EventType:  "deploy.finished",
		Message:    "v42 live",
		Timestamp:  time.Now().UTC(),
	}
	if err := svc.IngestEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	entries, _, err := st.QueryLogs(ctx, store.LogQuery{InstanceID: "sea-01", Sources: []string{"event"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Message != "deploy.finished: v42 live" {
		t.Errorf("archived event = %+v", entries)
	}
	recv(t, sub)
}

func TestPublishFailureNeverFailsIngest(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	// A full subscriber drops the publish; ingest still succeeds.
	_, cancel := bus.Subscribe(channels.ChannelName("sea-01", channels.StreamLogs), 1)
	defer cancel()
	bus.Publish(channels.ChannelName("sea-01", channels.StreamLogs), []byte("fill"))

	if err := svc.IngestLog(ctx, store.LogEntry{InstanceID: "sea-01", Message: "x"}); err != nil {
		t.Errorf("ingest = %v, want nil despite full subscriber", err)
	}
	if bus.Dropped() == 0 {
		t.Error("expected a dropped publish")
	}
}
