package command

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pacphi/sindri-console/internal/protocol"
)

type resultSink struct {
	mu      sync.Mutex
	results []protocol.CommandResult
}

func (s *resultSink) Send(env protocol.Envelope) error {
	var res protocol.CommandResult
	if err := protocol.DecodePayload(env, &res); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *resultSink) wait(t *testing.T, commandID string) protocol.CommandResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, r := range s.results {
			if r.CommandID == commandID {
				s.mu.Unlock()
				return r
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no result for command %s", commandID)
	return protocol.CommandResult{}
}

func newTestRunner() (*Runner, *resultSink) {
	sink := &resultSink{}
	return NewRunner(sink, slog.New(slog.NewTextHandler(io.Discard, nil))), sink
}

func TestDispatch_CapturesOutput(t *testing.T) {
	runner, sink := newTestRunner()

	runner.Dispatch(context.Background(), protocol.CommandDispatch{
		CommandID: "c1",
		Command:   "echo",
		Args:      []string{"fleet"},
	})

	res := sink.wait(t, "c1")
	if !strings.Contains(res.Stdout, "fleet") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.DurationMs < 0 {
		t.Errorf("duration = %d", res.DurationMs)
	}
}

func TestDispatch_NonZeroExit(t *testing.T) {
	runner, sink := newTestRunner()

	runner.Dispatch(context.Background(), protocol.CommandDispatch{
		CommandID: "c2",
		Command:   "sh",
		Args:      []string{"-c", "exit 7"},
	})

	if res := sink.wait(t, "c2"); res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	runner, sink := newTestRunner()

	runner.Dispatch(context.Background(), protocol.CommandDispatch{
		CommandID: "c3",
		Command:   "sleep",
		Args:      []string{"30"},
		TimeoutMs: 100,
	})

	if res := sink.wait(t, "c3"); res.ExitCode == 0 {
		t.Error("timed-out command should not report success")
	}
}

func TestCapWriter_Bounds(t *testing.T) {
	runner, sink := newTestRunner()

	// Emit well past the capture cap.
	runner.Dispatch(context.Background(), protocol.CommandDispatch{
		CommandID: "c4",
		Command:   "sh",
		Args:      []string{"-c", "yes x | head -c 600000"},
	})

	if res := sink.wait(t, "c4"); len(res.Stdout) > maxCaptureBytes {
		t.Errorf("stdout capture %d exceeds cap %d", len(res.Stdout), maxCaptureBytes)
	}
}
