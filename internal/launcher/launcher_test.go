package launcher

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilotbot/internal/security"
)

func newTestLauncher(t *testing.T, config Config) *Launcher {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("tests spawn POSIX utilities")
	}
	t.Setenv(security.AllowedExecutablesEnv, "echo,sh,sleep,cat")

	checker := security.NewExecChecker(&security.SystemResolver{})
	return New(config, checker, nil)
}

func TestExecuteCapturesOutput(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())

	result, err := l.Execute(context.Background(), Command{
		Binary:    "echo",
		Arguments: []string{"hello", "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello world\n", result.Stdout)
	assert.False(t, result.Killed)
	assert.False(t, result.Truncated)
}

func TestExecuteNonZeroExit(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())

	result, err := l.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestExecuteBlocksDisallowedBinary(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())

	var blocked []AuditEvent
	l.SetAuditCallback(func(event AuditEvent) {
		if event.Type == AuditEventBlocked {
			blocked = append(blocked, event)
		}
	})

	_, err := l.Execute(context.Background(), Command{Binary: "bash"})
	require.Error(t, err)

	var notAllowed *security.NotAllowedError
	assert.ErrorAs(t, err, &notAllowed)
	require.Len(t, blocked, 1)
	assert.Equal(t, "bash", blocked[0].Command.Binary)
}

func TestExecuteBlocksMetacharacters(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())

	_, err := l.Execute(context.Background(), Command{Binary: "echo;rm"})
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrShellMetacharacters)
}

func TestExecuteRejectsWorkingDirOutsideRoots(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())
	t.Setenv(security.AllowedPathsEnv, t.TempDir())

	_, err := l.Execute(context.Background(), Command{
		Binary:           "echo",
		WorkingDirectory: "/etc",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the allowed roots")
}

func TestExecuteAllowsWorkingDirInsideRoot(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())
	dir := t.TempDir()
	t.Setenv(security.AllowedPathsEnv, dir)

	result, err := l.Execute(context.Background(), Command{
		Binary:           "sh",
		Arguments:        []string{"-c", "pwd"},
		WorkingDirectory: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())

	result, err := l.Execute(context.Background(), Command{
		Binary:    "sleep",
		Arguments: []string{"10"},
		Timeout:   200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, result.Killed)
	assert.Contains(t, result.KillReason, "timeout")
}

func TestExecuteTruncatesOutput(t *testing.T) {
	config := DefaultConfig()
	config.MaxOutputBytes = 16
	l := newTestLauncher(t, config)

	result, err := l.Execute(context.Background(), Command{
		Binary:    "echo",
		Arguments: []string{strings.Repeat("x", 1000)},
	})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Len(t, result.Stdout, 16)
	assert.Positive(t, result.TruncatedBytes)
}

func TestExecuteStdin(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())

	result, err := l.Execute(context.Background(), Command{
		Binary: "cat",
		Stdin:  "piped input",
	})
	require.NoError(t, err)
	assert.Equal(t, "piped input", result.Stdout)
}

func TestAuditEventsEmittedInOrder(t *testing.T) {
	l := newTestLauncher(t, DefaultConfig())

	var types []AuditEventType
	l.SetAuditCallback(func(event AuditEvent) {
		types = append(types, event.Type)
	})

	_, err := l.Execute(context.Background(), Command{Binary: "echo", Arguments: []string{"hi"}})
	require.NoError(t, err)
	assert.Equal(t, []AuditEventType{AuditEventStart, AuditEventComplete}, types)
}
