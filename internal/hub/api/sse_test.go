package api

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pacphi/sindri-console/internal/hub/channels"
)

func TestStreamInstance_DeliversPublishedFrames(t *testing.T) {
	bus := channels.NewBus()
	srv, _ := startServer(t, func(s *Server) {
		s.SetBus(bus)
	})
	register(t, srv.URL(), "sea-01")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL()+"/api/v1/instances/sea-01/stream?stream=events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	// Publish once the subscription exists.
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		channel := channels.ChannelName("sea-01", channels.StreamEvents)
		for time.Now().Before(deadline) {
			if bus.Subscribers(channel) > 0 {
				bus.Publish(channel, []byte(`{"message":"deploy finished"}`))
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}

	if event != channels.StreamEvents {
		t.Errorf("event = %q", event)
	}
	if !strings.Contains(data, "deploy finished") {
		t.Errorf("data = %q", data)
	}
}

func TestStreamInstance_UnknownInstance(t *testing.T) {
	srv, _ := startServer(t, func(s *Server) {
		s.SetBus(channels.NewBus())
	})

	resp, err := http.Get(srv.URL() + "/api/v1/instances/ghost/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStreamInstance_RejectsUnknownStream(t *testing.T) {
	srv, _ := startServer(t, func(s *Server) {
		s.SetBus(channels.NewBus())
	})
	register(t, srv.URL(), "sea-01")

	resp, err := http.Get(srv.URL() + "/api/v1/instances/sea-01/stream?stream=bogus")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
