// Package terminal owns the agent's PTY-backed shell sessions, keyed by
// session id, and translates inbound control messages into process
// operations.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/pacphi/sindri-console/internal/events"
	"github.com/pacphi/sindri-console/internal/protocol"
)

const (
	defaultCols uint16 = 80
	defaultRows uint16 = 24
)

var (
	// ErrSessionExists is returned by Create when the id is already running.
	ErrSessionExists = errors.New("session already running")

	// ErrSessionNotFound is returned for operations on unknown or closed
	// sessions. Closed sessions leave the registry, so their ids may be
	// reused by a later Create.
	ErrSessionNotFound = errors.New("session not found")
)

// Sender pushes output envelopes back to the hub.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Session is one live shell process and its PTY.
type Session struct {
	id      string
	ptmx    *os.File
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	once    sync.Once
}

// Manager tracks active sessions. The mutex guards only map mutation;
// session I/O runs outside it so a stuck shell never delays another
// session or the telemetry loops.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// closing marks ids whose Close arrived while Create was still spawning
	// the process. The Create tears the session down instead of registering
	// it, so the close wins.
	closing map[string]bool
	sender  Sender
	shell   string
	logger  *slog.Logger
}

// NewManager creates a Manager. shell is the default shell for new sessions.
func NewManager(shell string, sender Sender, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		closing:  make(map[string]bool),
		sender:   sender,
		shell:    shell,
		logger:   logger,
	}
}

// Create spawns a shell attached to a fresh PTY sized cols×rows (80×24 when
// unspecified) and starts streaming its output. It fails with
// ErrSessionExists if the id is already running; the existing process is
// left untouched.
func (m *Manager) Create(req *protocol.TerminalCreate) error {
	shell := req.Shell
	if shell == "" {
		shell = m.shell
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	cols := req.Cols
	if cols == 0 {
		cols = defaultCols
	}
	rows := req.Rows
	if rows == 0 {
		rows = defaultRows
	}

	m.mu.Lock()
	if _, ok := m.sessions[req.SessionID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("create %q: %w", req.SessionID, ErrSessionExists)
	}
	// Reserve the id before spawning so a concurrent Create for the same id
	// fails instead of racing.
	m.sessions[req.SessionID] = nil
	m.mu.Unlock()

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, req.SessionID)
		delete(m.closing, req.SessionID)
		m.mu.Unlock()
		return fmt.Errorf("starting PTY: %w", err)
	}

	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		// Non-fatal; the default terminal size applies.
		m.logger.Warn("pty setsize failed", "session_id", req.SessionID, "error", err)
	}

	sess := &Session{
		id:      req.SessionID,
		ptmx:    ptmx,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	if !m.commit(sess) {
		// A Close for this id raced the spawn and must win.
		sess.terminate()
		go func() { _ = cmd.Wait() }()
		m.logger.Info("terminal session closed while starting", "session_id", req.SessionID)
		return nil
	}

	m.logger.Info("terminal session created",
		"session_id", req.SessionID, "shell", shell, "cols", cols, "rows", rows)
	events.GetGlobalEventLogger().LogSessionCreated(req.SessionID, shell)

	go m.pump(sess)
	return nil
}

// Write forwards raw input bytes to the session's process.
func (m *Manager) Write(sessionID string, data []byte) error {
	sess := m.get(sessionID)
	if sess == nil {
		return fmt.Errorf("write %q: %w", sessionID, ErrSessionNotFound)
	}
	if _, err := sess.ptmx.Write(data); err != nil {
		return fmt.Errorf("writing to session %q: %w", sessionID, err)
	}
	return nil
}

// Resize adjusts the PTY dimensions in place.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	sess := m.get(sessionID)
	if sess == nil {
		return fmt.Errorf("resize %q: %w", sessionID, ErrSessionNotFound)
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resizing session %q: %w", sessionID, err)
	}
	return nil
}

// commit registers a freshly spawned session, or reports false when a Close
// arrived while the process was starting.
func (m *Manager) commit(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing[sess.id] {
		delete(m.closing, sess.id)
		delete(m.sessions, sess.id)
		return false
	}
	m.sessions[sess.id] = sess
	return true
}

// Close terminates a session. Closing an unknown or already-closed session
// is a no-op. A Close arriving while Create is still spawning the shell is
// deferred to the Create, which tears the process down instead of
// registering it.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok && sess == nil {
		m.closing[sessionID] = true
		m.mu.Unlock()
		return
	}
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok && sess != nil {
		sess.terminate()
	}
}

// CloseAll terminates every open session; called once at agent shutdown so
// shells are torn down deterministically.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s == nil {
			// Still spawning; the in-flight Create tears it down.
			m.closing[id] = true
			continue
		}
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.terminate()
	}
}

// Count returns the number of currently-open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// pump copies PTY output into outbound envelopes until the process exits,
// then announces the close. One pump goroutine per session.
func (m *Manager) pump(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			env, encErr := protocol.NewEnvelope(protocol.TypeTerminalOutput, sess.id, protocol.TerminalOutput{
				SessionID: sess.id,
				Data:      data,
			})
			if encErr == nil {
				if sendErr := m.sender.Send(env); sendErr != nil {
					m.logger.Warn("terminal output send failed", "session_id", sess.id, "error", sendErr)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("pty read finished", "session_id", sess.id, "error", err)
			}
			break
		}
	}

	exitCode := 0
	if waitErr := sess.cmd.Wait(); waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeTerminalClosed, sess.id, protocol.TerminalClosed{
		SessionID: sess.id,
		ExitCode:  exitCode,
	})
	if err == nil {
		if sendErr := m.sender.Send(env); sendErr != nil {
			m.logger.Warn("terminal closed send failed", "session_id", sess.id, "error", sendErr)
		}
	}

	m.logger.Info("terminal session ended",
		"session_id", sess.id, "exit_code", exitCode,
		"lifetime_ms", time.Since(sess.started).Milliseconds())
	events.GetGlobalEventLogger().LogSessionClosed(sess.id, exitCode, time.Since(sess.started).Milliseconds())

	sess.terminate()
}

func (m *Manager) get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (s *Session) terminate() {
	s.once.Do(func() {
		_ = s.ptmx.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		close(s.done)
	})
}
