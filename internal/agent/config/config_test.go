package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("SINDRI_CONSOLE_URL", "https://console.example.com/")
	t.Setenv("SINDRI_CONSOLE_API_KEY", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("SINDRI_INSTANCE_ID", "sea-01")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HubURL != "https://console.example.com" {
		t.Errorf("trailing slash not stripped: %q", cfg.HubURL)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected default heartbeat 30s, got %v", cfg.HeartbeatInterval)
	}
	if cfg.MetricsInterval != 60*time.Second {
		t.Errorf("expected default metrics 60s, got %v", cfg.MetricsInterval)
	}
	if cfg.Shell != "/bin/bash" {
		t.Errorf("expected default shell, got %q", cfg.Shell)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("SINDRI_CONSOLE_URL", "")
	t.Setenv("SINDRI_CONSOLE_API_KEY", "")
	if _, err := Load(); err == nil {
		t.Error("expected error when console URL is missing")
	}

	t.Setenv("SINDRI_CONSOLE_URL", "http://localhost:8080")
	if _, err := Load(); err == nil {
		t.Error("expected error when API key is missing")
	}
}

func TestLoad_IntervalOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SINDRI_INSTANCE_ID", "sea-01")
	t.Setenv("SINDRI_AGENT_HEARTBEAT", "5")
	t.Setenv("SINDRI_AGENT_METRICS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("expected 5s heartbeat, got %v", cfg.HeartbeatInterval)
	}
	if cfg.MetricsInterval != 2500*time.Millisecond {
		t.Errorf("expected 2.5s metrics, got %v", cfg.MetricsInterval)
	}

	t.Setenv("SINDRI_AGENT_HEARTBEAT", "-1")
	if _, err := Load(); err == nil {
		t.Error("expected error for negative heartbeat interval")
	}
}

func TestLoad_Tags(t *testing.T) {
	setRequired(t)
	t.Setenv("SINDRI_INSTANCE_ID", "sea-01")
	t.Setenv("SINDRI_AGENT_TAGS", "env=prod, team = infra,badpair")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tags["env"] != "prod" || cfg.Tags["team"] != "infra" {
		t.Errorf("unexpected tags: %v", cfg.Tags)
	}
	if _, ok := cfg.Tags["badpair"]; ok {
		t.Error("pair without '=' should be dropped")
	}
}

func TestDerivedURLs(t *testing.T) {
	cases := []struct {
		base, ws, reg string
	}{
		{"https://console.example.com", "wss://console.example.com/ws/agent", "https://console.example.com/api/v1/instances"},
		{"http://localhost:8080", "ws://localhost:8080/ws/agent", "http://localhost:8080/api/v1/instances"},
	}
	for _, tc := range cases {
		cfg := &Config{HubURL: tc.base}
		if got := cfg.WebSocketURL(); got != tc.ws {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tc.base, got, tc.ws)
		}
		if got := cfg.RegistrationURL(); got != tc.reg {
			t.Errorf("RegistrationURL(%q) = %q, want %q", tc.base, got, tc.reg)
		}
	}
}
