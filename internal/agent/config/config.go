// Package config loads agent configuration from SINDRI_* environment
// variables and derives the hub endpoint URLs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultMetricsInterval   = 60 * time.Second
	defaultShell             = "/bin/bash"
	defaultLogLevel          = "info"

	// Version is the compiled-in agent version reported at registration.
	Version = "0.2.0"
)

// Config holds all runtime configuration for the agent.
type Config struct {
	// HubURL is the base URL of the hub (e.g. https://console.example.com).
	HubURL string

	// APIKey is the shared secret presented as a bearer credential.
	APIKey string

	// InstanceID uniquely identifies this instance. Defaults to the hostname.
	InstanceID string

	// Provider is the deployment provider tag (fly, docker, k8s, ...).
	Provider string

	// Region is the geographic region of the instance.
	Region string

	// HeartbeatInterval controls how often liveness samples are sent.
	HeartbeatInterval time.Duration

	// MetricsInterval controls how often full metrics are collected.
	MetricsInterval time.Duration

	// Shell is the default shell spawned for terminal sessions.
	Shell string

	// Tags are arbitrary key=value labels attached at registration.
	Tags map[string]string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Load reads configuration from the environment.
// SINDRI_CONSOLE_URL and SINDRI_CONSOLE_API_KEY are required.
func Load() (*Config, error) {
	cfg := &Config{
		HubURL:            strings.TrimRight(os.Getenv("SINDRI_CONSOLE_URL"), "/"),
		APIKey:            os.Getenv("SINDRI_CONSOLE_API_KEY"),
		InstanceID:        os.Getenv("SINDRI_INSTANCE_ID"),
		Provider:          os.Getenv("SINDRI_PROVIDER"),
		Region:            os.Getenv("SINDRI_REGION"),
		Shell:             envOrDefault("SINDRI_AGENT_SHELL", defaultShell),
		LogLevel:          envOrDefault("SINDRI_LOG_LEVEL", defaultLogLevel),
		HeartbeatInterval: defaultHeartbeatInterval,
		MetricsInterval:   defaultMetricsInterval,
		Tags:              map[string]string{},
	}

	if cfg.HubURL == "" {
		return nil, fmt.Errorf("SINDRI_CONSOLE_URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SINDRI_CONSOLE_API_KEY is required")
	}

	if cfg.InstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving hostname for instance id: %w", err)
		}
		cfg.InstanceID = hostname
	}

	var err error
	if cfg.HeartbeatInterval, err = intervalFromEnv("SINDRI_AGENT_HEARTBEAT", defaultHeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.MetricsInterval, err = intervalFromEnv("SINDRI_AGENT_METRICS", defaultMetricsInterval); err != nil {
		return nil, err
	}

	if v := os.Getenv("SINDRI_AGENT_TAGS"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(parts) == 2 {
				cfg.Tags[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
			}
		}
	}

	return cfg, nil
}

// RegistrationURL returns the REST endpoint for instance registration.
func (c *Config) RegistrationURL() string {
	return c.HubURL + "/api/v1/instances"
}

// WebSocketURL returns the persistent connection endpoint, derived from the
// hub base URL by swapping the scheme for its streaming equivalent.
func (c *Config) WebSocketURL() string {
	url := strings.Replace(c.HubURL, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/ws/agent"
}

func intervalFromEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
