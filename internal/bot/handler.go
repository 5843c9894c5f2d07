// Package bot implements the chat command surface: project navigation,
// MCP server registration wizards, and launch control. The handler is
// transport-independent; bot.go adapts it to Telegram.
package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"copilotbot/internal/launcher"
	"copilotbot/internal/security"
	"copilotbot/internal/session"
	"copilotbot/internal/store"
)

// chatState is per-chat conversational state. The mutex serializes
// HandleMessage calls for the same chat; different chats proceed
// concurrently.
type chatState struct {
	mu     sync.Mutex
	userID string
	cwd    string
	wizard *serverWizard
}

// Handler processes chat commands.
type Handler struct {
	mu    sync.Mutex
	chats map[int64]*chatState

	store    *store.Store
	launcher *launcher.Launcher
	sessions *session.Manager
	checker  *security.ExecChecker
	logger   *zap.Logger
}

// NewHandler creates a command handler. A nil logger disables logging.
func NewHandler(st *store.Store, l *launcher.Launcher, sm *session.Manager, checker *security.ExecChecker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chats:    make(map[int64]*chatState),
		store:    st,
		launcher: l,
		sessions: sm,
		checker:  checker,
		logger:   logger,
	}
}

const helpText = `Commands:
/cd <path> - change directory (allowed roots only)
/ls - list the current directory
/pwd - show the current directory
/paths - show allowed directory roots
/setpaths <p1,p2> - replace allowed directory roots
/newserver - register an MCP server (guided)
/servers - list registered servers
/launch <name> - start a registered server
/sessions - list running sessions
/output <session-id> - show a session's recent output
/send <session-id> <line> - write a line to a session's stdin
/stopserver <session-id> - stop a running session
/exec <command> - run a one-shot command in the current directory
/cancel - abandon the current wizard`

// HandleMessage processes one incoming message and returns the reply text.
func (h *Handler) HandleMessage(ctx context.Context, chatID int64, username, text string) string {
	state, err := h.stateFor(ctx, chatID, username)
	if err != nil {
		h.logger.Error("failed to load chat state",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
		return "Internal error, try again."
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	command, args := splitCommand(text)

	// A live wizard consumes everything except /cancel and /help.
	if state.wizard != nil && command != "/cancel" && command != "/help" && command != "/start" {
		return h.advanceWizard(ctx, state, text)
	}

	switch command {
	case "/start", "/help":
		return helpText
	case "/cancel":
		if state.wizard == nil {
			return "Nothing to cancel."
		}
		state.wizard = nil
		return "Cancelled."
	case "/pwd":
		return h.cmdPwd(state)
	case "/cd":
		return h.cmdCd(state, args)
	case "/ls":
		return h.cmdLs(state)
	case "/paths":
		return h.cmdPaths()
	case "/setpaths":
		return h.cmdSetPaths(args)
	case "/newserver":
		state.wizard = newServerWizard()
		return state.wizard.Prompt()
	case "/servers":
		return h.cmdServers(ctx, state)
	case "/launch":
		return h.cmdLaunch(ctx, state, args)
	case "/sessions":
		return h.cmdSessions()
	case "/output":
		return h.cmdOutput(args)
	case "/send":
		return h.cmdSend(args)
	case "/stopserver":
		return h.cmdStopServer(ctx, args)
	case "/exec":
		return h.cmdExec(ctx, state, args)
	default:
		if strings.HasPrefix(command, "/") {
			return "Unknown command. /help lists what I can do."
		}
		return "Send a command. /help lists what I can do."
	}
}

func (h *Handler) stateFor(ctx context.Context, chatID int64, username string) (*chatState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state, ok := h.chats[chatID]; ok {
		return state, nil
	}

	user, err := h.store.UpsertUser(ctx, chatID, username)
	if err != nil {
		return nil, err
	}

	state := &chatState{userID: user.ID}
	if roots := security.AllowedPaths(); len(roots) > 0 {
		state.cwd = roots[0]
	}
	h.chats[chatID] = state
	return state, nil
}

func splitCommand(text string) (string, string) {
	parts := strings.SplitN(text, " ", 2)
	command := parts[0]

	// Telegram group chats append the bot name: /ls@copilotbot
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}

	if len(parts) == 2 {
		return command, strings.TrimSpace(parts[1])
	}
	return command, ""
}

func (h *Handler) cmdPwd(state *chatState) string {
	if state.cwd == "" {
		return "No current directory. Use /cd or /setpaths first."
	}
	return state.cwd
}

func (h *Handler) cmdCd(state *chatState, arg string) string {
	if arg == "" {
		return "Usage: /cd <path>"
	}

	target := arg
	if !filepath.IsAbs(target) && state.cwd != "" {
		target = filepath.Join(state.cwd, target)
	}

	if !security.IsPathAllowed(target) {
		return fmt.Sprintf("%s is outside the allowed roots.", arg)
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("%s is not a directory.", arg)
	}

	state.cwd = filepath.Clean(target)
	return state.cwd
}

func (h *Handler) cmdLs(state *chatState) string {
	if state.cwd == "" {
		return "No current directory. Use /cd or /setpaths first."
	}
	if !security.IsPathAllowed(state.cwd) {
		// The allowlist may have shrunk since the last /cd.
		return "Current directory is no longer inside the allowed roots."
	}

	entries, err := os.ReadDir(state.cwd)
	if err != nil {
		return fmt.Sprintf("Cannot read %s: %v", state.cwd, err)
	}
	if len(entries) == 0 {
		return "(empty)"
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

func (h *Handler) cmdPaths() string {
	roots := security.AllowedPaths()
	if len(roots) == 0 {
		return "No allowed roots configured. Use /setpaths."
	}
	return strings.Join(roots, "\n")
}

func (h *Handler) cmdSetPaths(arg string) string {
	if arg == "" {
		return "Usage: /setpaths /srv/projects,/home/dev/work"
	}

	var roots []string
	for _, entry := range strings.Split(arg, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		abs, err := filepath.Abs(entry)
		if err != nil {
			return fmt.Sprintf("Bad path %q.", entry)
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return fmt.Sprintf("%s is not an existing directory.", entry)
		}
		roots = append(roots, abs)
	}
	if len(roots) == 0 {
		return "No usable paths given."
	}

	security.SetAllowedPaths(roots)
	return "Allowed roots:\n" + strings.Join(roots, "\n")
}

func (h *Handler) advanceWizard(ctx context.Context, state *chatState, text string) string {
	verdictFor := func(executable string) security.Verdict {
		return h.checker.Validate(ctx, executable)
	}

	reply, server := state.wizard.Next(verdictFor, text)
	if server == nil {
		return reply
	}

	state.wizard = nil
	server.UserID = state.userID
	if server.WorkDir == "" {
		server.WorkDir = state.cwd
	}

	if err := h.store.SaveServer(ctx, server); err != nil {
		h.logger.Error("failed to save server", zap.Error(err))
		return "Failed to save the server definition."
	}

	return fmt.Sprintf("Registered %s: %s %s", server.Name, server.Command, strings.Join(server.Args, " "))
}

func (h *Handler) cmdServers(ctx context.Context, state *chatState) string {
	servers, err := h.store.GetServersByUser(ctx, state.userID)
	if err != nil {
		h.logger.Error("failed to list servers", zap.Error(err))
		return "Failed to list servers."
	}
	if len(servers) == 0 {
		return "No servers registered. /newserver adds one."
	}

	var b strings.Builder
	for _, server := range servers {
		fmt.Fprintf(&b, "%s [%s]: %s %s\n", server.Name, server.Status, server.Command, strings.Join(server.Args, " "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) cmdLaunch(ctx context.Context, state *chatState, name string) string {
	if name == "" {
		return "Usage: /launch <name>"
	}

	server, err := h.store.GetServer(ctx, state.userID, name)
	if err != nil {
		h.logger.Error("failed to load server", zap.Error(err))
		return "Failed to load the server definition."
	}
	if server == nil {
		return fmt.Sprintf("No server named %s. /servers lists them.", name)
	}

	sess, err := h.sessions.Launch(ctx, session.Spec{
		ServerID: server.ID,
		Name:     server.Name,
		Command:  server.Command,
		Args:     server.Args,
		WorkDir:  server.WorkDir,
	})
	if err != nil {
		_ = h.store.UpdateServerStatus(ctx, server.ID, store.StatusFailed)
		return fmt.Sprintf("Launch failed: %v", err)
	}

	if err := h.store.UpdateServerStatus(ctx, server.ID, store.StatusRunning); err != nil {
		h.logger.Warn("failed to update server status", zap.Error(err))
	}

	return fmt.Sprintf("%s is running. Session %s", server.Name, sess.ID)
}

func (h *Handler) cmdSessions() string {
	infos := h.sessions.List()
	if len(infos) == 0 {
		return "No running sessions."
	}

	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "%s %s [%s] started %s\n",
			info.ID, info.Name, info.State, info.StartedAt.Format("15:04:05"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) cmdOutput(id string) string {
	if id == "" {
		return "Usage: /output <session-id>"
	}

	out, err := h.sessions.Output(id)
	if err != nil {
		return err.Error()
	}
	if out == "" {
		return "(no output yet)"
	}
	return out
}

func (h *Handler) cmdSend(args string) string {
	parts := strings.SplitN(args, " ", 2)
	if len(parts) != 2 {
		return "Usage: /send <session-id> <line>"
	}

	if err := h.sessions.Send(parts[0], parts[1]); err != nil {
		return err.Error()
	}
	return "Sent."
}

func (h *Handler) cmdStopServer(ctx context.Context, id string) string {
	if id == "" {
		return "Usage: /stopserver <session-id>"
	}

	info, ok := h.sessions.Get(id)
	if !ok {
		return fmt.Sprintf("No such session: %s", id)
	}

	if err := h.sessions.Stop(id); err != nil {
		return err.Error()
	}
	if info.ServerID != "" {
		_ = h.store.UpdateServerStatus(ctx, info.ServerID, store.StatusStopped)
	}
	return fmt.Sprintf("%s stopped.", info.Name)
}

func (h *Handler) cmdExec(ctx context.Context, state *chatState, line string) string {
	if line == "" {
		return "Usage: /exec <command>"
	}

	if seq, found := security.FindShellMetacharacters(line); found {
		return fmt.Sprintf("Command contains the shell control sequence %q. Commands run without a shell.", seq)
	}

	spec := security.ParseCommand(line)
	result, err := h.launcher.Execute(ctx, launcher.Command{
		Binary:           spec.RawExecutable,
		Arguments:        spec.Argv,
		WorkingDirectory: state.cwd,
	})
	if err != nil {
		return fmt.Sprintf("Rejected: %v", err)
	}

	var b strings.Builder
	for _, warning := range result.Warnings {
		fmt.Fprintf(&b, "Note: %s\n", warning)
	}
	if result.Killed {
		fmt.Fprintf(&b, "Killed: %s\n", result.KillReason)
	} else {
		fmt.Fprintf(&b, "Exit %d in %s\n", result.ExitCode, result.Duration.Round(time.Millisecond))
	}
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if result.Stdout != "" {
			b.WriteString("\n")
		}
		b.WriteString(result.Stderr)
	}
	if result.Truncated {
		b.WriteString("\n(output truncated)")
	}
	return strings.TrimRight(b.String(), "\n")
}
