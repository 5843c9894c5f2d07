// Package launcher runs validated commands directly on the host using
// os/exec. Every command passes the execution security checks before a
// process is spawned, and nothing ever goes through a shell.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"copilotbot/internal/security"
)

// Command describes a single process launch.
type Command struct {
	Binary           string
	Arguments        []string
	WorkingDirectory string
	Environment      []string
	Stdin            string

	// Timeout overrides the launcher default when positive.
	Timeout time.Duration
}

// CommandString renders the command for logs and audit events.
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// Result captures the outcome of a completed process.
type Result struct {
	ExitCode       int
	Stdout         string
	Stderr         string
	Truncated      bool
	TruncatedBytes int64
	Killed         bool
	KillReason     string
	StartedAt      time.Time
	FinishedAt     time.Time
	Duration       time.Duration
	Warnings       []string
}

// AuditEventType tags launcher audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventBlocked  AuditEventType = "blocked"
)

// AuditEvent records one launcher lifecycle event.
type AuditEvent struct {
	Type      AuditEventType
	Timestamp time.Time
	Command   Command
	Result    *Result
	Reason    string
}

// Config holds launcher defaults.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int64

	// Environment variable names copied from the host into every process
	AllowedEnvironment []string
}

// DefaultConfig returns the default launcher configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     60 * time.Second,
		MaxOutputBytes:     64 * 1024,
		AllowedEnvironment: []string{"PATH", "HOME", "LANG", "TMPDIR"},
	}
}

// Launcher spawns validated processes.
type Launcher struct {
	mu     sync.RWMutex
	config Config

	checker *security.ExecChecker
	logger  *zap.Logger

	auditCallback func(AuditEvent)
}

// New creates a launcher with the given config. A nil logger disables
// logging.
func New(config Config, checker *security.ExecChecker, logger *zap.Logger) *Launcher {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		config:  config,
		checker: checker,
		logger:  logger,
	}
}

// SetAuditCallback sets the callback for audit events.
func (l *Launcher) SetAuditCallback(callback func(AuditEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.auditCallback = callback
}

func (l *Launcher) emitAudit(event AuditEvent) {
	l.mu.RLock()
	callback := l.auditCallback
	l.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Validate checks a command against the execution security layer without
// running it. The working directory, when set, must be inside an allowed
// root.
func (l *Launcher) Validate(ctx context.Context, cmd Command) (security.Verdict, error) {
	if cmd.Binary == "" {
		return security.Verdict{}, fmt.Errorf("binary is required")
	}

	if cmd.WorkingDirectory != "" && !security.IsPathAllowed(cmd.WorkingDirectory) {
		return security.Verdict{}, fmt.Errorf("working directory %q is outside the allowed roots", cmd.WorkingDirectory)
	}

	verdict := l.checker.Validate(ctx, cmd.Binary)
	if !verdict.OK {
		return verdict, verdict.Err
	}
	return verdict, nil
}

// Execute validates and runs a command, capturing bounded output.
func (l *Launcher) Execute(ctx context.Context, cmd Command) (*Result, error) {
	verdict, err := l.Validate(ctx, cmd)
	if err != nil {
		l.logger.Warn("command blocked",
			zap.String("command", cmd.CommandString()),
			zap.Error(err))
		l.emitAudit(AuditEvent{
			Type:      AuditEventBlocked,
			Timestamp: time.Now(),
			Command:   cmd,
			Reason:    err.Error(),
		})
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = l.config.DefaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = l.buildEnvironment(cmd.Environment)

	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: l.config.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: l.config.MaxOutputBytes}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result := &Result{
		ExitCode: -1,
		Warnings: verdict.Warnings,
	}

	l.emitAudit(AuditEvent{
		Type:      AuditEventStart,
		Timestamp: time.Now(),
		Command:   cmd,
	})
	l.logger.Debug("spawning process",
		zap.String("binary", cmd.Binary),
		zap.Strings("args", cmd.Arguments),
		zap.String("dir", cmd.WorkingDirectory),
		zap.Duration("timeout", timeout))

	result.StartedAt = time.Now()
	runErr := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
	}

	switch {
	case runErr == nil:
		result.ExitCode = 0

	case execCtx.Err() == context.DeadlineExceeded:
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		l.logger.Warn("process killed",
			zap.String("binary", cmd.Binary),
			zap.String("reason", result.KillReason))
		l.emitAudit(AuditEvent{
			Type:      AuditEventKilled,
			Timestamp: time.Now(),
			Command:   cmd,
			Result:    result,
			Reason:    result.KillReason,
		})

	case execCtx.Err() == context.Canceled:
		result.Killed = true
		result.KillReason = "context canceled"
		l.emitAudit(AuditEvent{
			Type:      AuditEventKilled,
			Timestamp: time.Now(),
			Command:   cmd,
			Result:    result,
			Reason:    result.KillReason,
		})

	default:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			// The process ran and returned non-zero; that is a valid result.
			result.ExitCode = exitErr.ExitCode()
		} else {
			l.logger.Error("process failed to start",
				zap.String("binary", cmd.Binary),
				zap.Error(runErr))
			return nil, fmt.Errorf("failed to run %s: %w", cmd.Binary, runErr)
		}
	}

	l.emitAudit(AuditEvent{
		Type:      AuditEventComplete,
		Timestamp: time.Now(),
		Command:   cmd,
		Result:    result,
	})
	l.logger.Debug("process finished",
		zap.String("binary", cmd.Binary),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// buildEnvironment creates the environment variable list for a process.
func (l *Launcher) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(l.config.AllowedEnvironment)+len(cmdEnv))

	for _, key := range l.config.AllowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}

	env = append(env, cmdEnv...)
	return env
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
