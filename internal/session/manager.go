// Package session manages long-running MCP server processes launched from
// chat. Each session wraps one subprocess with bounded output capture, a
// stdin line channel, and idle-timeout reaping.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"copilotbot/internal/security"
)

// Spec describes the process a session should run. The command is expected
// to have passed executable validation before reaching the manager; the
// manager re-checks anyway.
type Spec struct {
	ServerID string
	Name     string
	Command  string
	Args     []string
	WorkDir  string
}

// State is the lifecycle state of a session.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
)

// Session is one running MCP server process.
type Session struct {
	ID       string
	ServerID string
	Name     string

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	output     *ringBuffer
	state      State
	exitErr    error
	startedAt  time.Time
	lastActive time.Time

	readers *errgroup.Group
	done    chan struct{}
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID         string
	ServerID   string
	Name       string
	State      State
	StartedAt  time.Time
	LastActive time.Time
}

func (s *Session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		ServerID:   s.ServerID,
		Name:       s.Name,
		State:      s.state,
		StartedAt:  s.startedAt,
		LastActive: s.lastActive,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// ReapFunc is called when a session leaves the running state, with the
// reason ("exited", "idle", "stopped").
type ReapFunc func(info Info, reason string)

// Config holds manager settings.
type Config struct {
	IdleTimeout    time.Duration
	MaxOutputBytes int
}

// Manager owns all running sessions and reaps idle ones.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	config  Config
	checker *security.ExecChecker
	logger  *zap.Logger
	onReap  ReapFunc

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewManager creates a session manager. A nil logger disables logging.
func NewManager(config Config, checker *security.ExecChecker, logger *zap.Logger) *Manager {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Minute
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		config:   config,
		checker:  checker,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetReapCallback sets the callback invoked when sessions end.
func (m *Manager) SetReapCallback(fn ReapFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReap = fn
}

// StartReaper launches the idle-session reaper loop. Non-blocking.
func (m *Manager) StartReaper(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.reapLoop(ctx)
}

// Shutdown stops the reaper and kills every running session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()

	if started {
		close(m.stopCh)
		<-m.doneCh
	}

	for _, info := range m.List() {
		_ = m.Stop(info.ID)
	}
}

// Launch validates the spec and starts its process.
func (m *Manager) Launch(ctx context.Context, spec Spec) (*Session, error) {
	verdict := m.checker.Validate(ctx, spec.Command)
	if !verdict.OK {
		return nil, verdict.Err
	}

	if spec.WorkDir != "" && !security.IsPathAllowed(spec.WorkDir) {
		return nil, fmt.Errorf("working directory %q is outside the allowed roots", spec.WorkDir)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		ServerID:   spec.ServerID,
		Name:       spec.Name,
		cmd:        cmd,
		stdin:      stdin,
		output:     newRingBuffer(m.config.MaxOutputBytes),
		state:      StateRunning,
		startedAt:  now,
		lastActive: now,
		done:       make(chan struct{}),
	}

	readers := &errgroup.Group{}
	sess.readers = readers
	readers.Go(func() error { return sess.consume(stdout) })
	readers.Go(func() error { return sess.consume(stderr) })

	// Register before the waiter starts. A process that exits immediately
	// would otherwise race finish() against the insert and leave a dead
	// session in the map that no reaper ever removes.
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	go m.wait(sess)

	m.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("name", spec.Name),
		zap.String("command", spec.Command))

	return sess, nil
}

// consume appends process output to the session's ring buffer.
func (s *Session) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.output.WriteLine(scanner.Text())
		s.touch()
	}
	return scanner.Err()
}

// wait blocks until the process exits, then records its final state.
func (m *Manager) wait(sess *Session) {
	_ = sess.readers.Wait()
	err := sess.cmd.Wait()

	sess.mu.Lock()
	if sess.state == StateRunning {
		sess.state = StateExited
	}
	sess.exitErr = err
	state := sess.state
	sess.mu.Unlock()
	close(sess.done)

	m.logger.Info("session ended",
		zap.String("session_id", sess.ID),
		zap.String("state", string(state)))

	if state == StateExited {
		m.finish(sess, "exited")
	}
}

// finish removes the session from the table and notifies the reap callback.
func (m *Manager) finish(sess *Session, reason string) {
	m.mu.Lock()
	_, present := m.sessions[sess.ID]
	delete(m.sessions, sess.ID)
	onReap := m.onReap
	m.mu.Unlock()

	if present && onReap != nil {
		onReap(sess.snapshot(), reason)
	}
}

// Get returns a snapshot of a session, or false if unknown.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return sess.snapshot(), true
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.snapshot())
	}
	return infos
}

// Send writes one line to a session's stdin.
func (m *Manager) Send(id, line string) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no such session: %s", id)
	}

	sess.touch()
	if _, err := io.WriteString(sess.stdin, line+"\n"); err != nil {
		return fmt.Errorf("failed to write to session %s: %w", id, err)
	}
	return nil
}

// Output returns the captured output tail of a session.
func (m *Manager) Output(id string) (string, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no such session: %s", id)
	}

	sess.touch()
	return sess.output.String(), nil
}

// Stop kills a session's process and waits for it to wind down.
func (m *Manager) Stop(id string) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no such session: %s", id)
	}

	m.stopSession(sess, "stopped")
	return nil
}

func (m *Manager) stopSession(sess *Session, reason string) {
	sess.mu.Lock()
	if sess.state == StateRunning {
		sess.state = StateKilled
		if sess.cmd.Process != nil {
			_ = sess.cmd.Process.Kill()
		}
		_ = sess.stdin.Close()
	}
	sess.mu.Unlock()

	select {
	case <-sess.done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("timeout waiting for session to exit",
			zap.String("session_id", sess.ID))
	}

	m.finish(sess, reason)
}

// reapLoop periodically stops sessions idle past the timeout.
func (m *Manager) reapLoop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.config.IdleTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if sess.state == StateRunning && sess.lastActive.Before(cutoff) {
			idle = append(idle, sess)
		}
		sess.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, sess := range idle {
		m.logger.Info("reaping idle session",
			zap.String("session_id", sess.ID),
			zap.String("name", sess.Name))
		m.stopSession(sess, "idle")
	}
}
