package collector

import (
	"context"
	"testing"

	"github.com/shirou/gopsutil/v3/cpu"
)

func TestCollect_Basics(t *testing.T) {
	c := New("sea-01")
	sample, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if sample.InstanceID != "sea-01" {
		t.Errorf("instance id = %q", sample.InstanceID)
	}
	if sample.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if sample.CPU.CoreCount <= 0 {
		t.Errorf("core count = %d", sample.CPU.CoreCount)
	}
	if sample.Memory.TotalBytes == 0 {
		t.Error("memory total is zero")
	}
}

func TestHeartbeat_Basics(t *testing.T) {
	c := New("sea-01")
	hb, err := c.Heartbeat(context.Background())
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hb.InstanceID != "sea-01" {
		t.Errorf("instance id = %q", hb.InstanceID)
	}
	if hb.UptimeSeconds < 0 {
		t.Errorf("uptime = %d", hb.UptimeSeconds)
	}
	if hb.MemTotalBytes == 0 {
		t.Error("heartbeat memory total is zero")
	}
}

func TestStealPercent(t *testing.T) {
	prev := cpu.TimesStat{User: 100, System: 50, Idle: 850, Steal: 0}
	cur := cpu.TimesStat{User: 150, System: 70, Idle: 870, Steal: 10}

	got := stealPercent(prev, cur)
	if got <= 0 || got > 100 {
		t.Errorf("steal percent out of range: %f", got)
	}

	// No elapsed time: must not divide by zero.
	if got := stealPercent(prev, prev); got != 0 {
		t.Errorf("expected 0 for identical samples, got %f", got)
	}
}
