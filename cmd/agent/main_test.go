package main

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pacphi/sindri-console/internal/agent/command"
	"github.com/pacphi/sindri-console/internal/agent/terminal"
	"github.com/pacphi/sindri-console/internal/protocol"
)

type recordingSender struct {
	mu        sync.Mutex
	envelopes []protocol.Envelope
}

func (s *recordingSender) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *recordingSender) byType(t protocol.Type) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.envelopes {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatch_CommandFlowsToRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/echo")
	}

	sender := &recordingSender{}
	sessions := terminal.NewManager("/bin/sh", sender, testLogger())
	runner := command.NewRunner(sender, testLogger())

	env, err := protocol.NewEnvelope(protocol.TypeCommandDispatch, "", protocol.CommandDispatch{
		CommandID: "cmd-1",
		Command:   "echo",
		Args:      []string{"hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := dispatch(context.Background(), env, sessions, runner, testLogger()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		results := sender.byType(protocol.TypeCommandResult)
		if len(results) == 1 {
			var res protocol.CommandResult
			if err := protocol.DecodePayload(results[0], &res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if res.CommandID != "cmd-1" || res.ExitCode != 0 {
				t.Fatalf("unexpected result: %+v", res)
			}
			if !strings.Contains(res.Stdout, "hello") {
				t.Errorf("stdout = %q", res.Stdout)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no command result arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatch_UnknownTypeIsIgnored(t *testing.T) {
	sender := &recordingSender{}
	sessions := terminal.NewManager("/bin/sh", sender, testLogger())
	runner := command.NewRunner(sender, testLogger())

	env := protocol.Envelope{Type: "mystery"}
	if err := dispatch(context.Background(), env, sessions, runner, testLogger()); err != nil {
		t.Fatalf("unknown type should not error, got %v", err)
	}
}

func TestDispatch_TerminalCloseUnknownSessionIsNoop(t *testing.T) {
	sender := &recordingSender{}
	sessions := terminal.NewManager("/bin/sh", sender, testLogger())
	runner := command.NewRunner(sender, testLogger())

	env, err := protocol.NewEnvelope(protocol.TypeTerminalClose, "ghost", protocol.TerminalClose{SessionID: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if err := dispatch(context.Background(), env, sessions, runner, testLogger()); err != nil {
		t.Fatalf("close on unknown session: %v", err)
	}
	if sessions.Count() != 0 {
		t.Errorf("session count = %d", sessions.Count())
	}
}
