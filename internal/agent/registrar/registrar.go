// Package registrar announces the instance to the hub registry at agent boot.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/pacphi/sindri-console/internal/agent/config"
	"github.com/pacphi/sindri-console/internal/events"
	"github.com/pacphi/sindri-console/internal/protocol"
)

const (
	requestTimeout = 15 * time.Second
	maxAttempts    = 5
	baseBackoff    = 2 * time.Second
)

// Registrar posts the registration record to the hub. Registration is
// idempotent: a 409 from the hub means another record already exists for this
// instance id and is treated as success.
type Registrar struct {
	cfg     *config.Config
	client  *http.Client
	backoff time.Duration
}

// New creates a Registrar with sensible HTTP timeouts.
func New(cfg *config.Config) *Registrar {
	return &Registrar{
		cfg:     cfg,
		client:  &http.Client{Timeout: requestTimeout},
		backoff: baseBackoff,
	}
}

// Register sends the registration payload, retrying up to maxAttempts times
// with exponential backoff. Context cancellation aborts the retry loop.
func (r *Registrar) Register(ctx context.Context) error {
	body, err := json.Marshal(r.buildRecord())
	if err != nil {
		return fmt.Errorf("marshalling registration record: %w", err)
	}

	wait := r.backoff
	for attempt := 1; ; attempt++ {
		var outcome string
		outcome, err = r.post(ctx, body)
		if err == nil {
			events.GetGlobalEventLogger().LogRegistered(attempt, outcome)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("registration failed after %d attempts: %w", maxAttempts, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			wait *= 2
		}
	}
}

func (r *Registrar) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.RegistrationURL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("X-Agent-Version", config.Version)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP POST: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		// Already registered.
		return "already_registered", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	return "created", nil
}

func (r *Registrar) buildRecord() protocol.Registration {
	return protocol.Registration{
		InstanceID:   r.cfg.InstanceID,
		Hostname:     r.cfg.InstanceID,
		Provider:     r.cfg.Provider,
		Region:       r.cfg.Region,
		AgentVersion: config.Version,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		Tags:         r.cfg.Tags,
		Timestamp:    time.Now().UTC(),
	}
}
