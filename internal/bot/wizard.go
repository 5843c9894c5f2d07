package bot

import (
	"fmt"
	"strings"

	"copilotbot/internal/security"
	"copilotbot/internal/store"
)

// wizardStep tracks progress through the /newserver conversation.
type wizardStep int

const (
	stepName wizardStep = iota
	stepCommand
	stepConfirmFlags
	stepWorkDir
)

// serverWizard collects a validated MCP server definition over several
// messages. It is transport-independent: Next consumes one user message
// and returns the next prompt.
type serverWizard struct {
	step wizardStep

	name     string
	command  string
	args     []string
	warnings []string
	flags    []string
	workDir  string
}

func newServerWizard() *serverWizard {
	return &serverWizard{step: stepName}
}

// Prompt returns the opening prompt for the current step.
func (w *serverWizard) Prompt() string {
	switch w.step {
	case stepName:
		return "Setting up a new MCP server. What should it be called?"
	case stepCommand:
		return "Send the launch command, for example: node /srv/projects/files/server.js --port 8080"
	case stepConfirmFlags:
		return fmt.Sprintf("The command uses %s, which lets the interpreter run arbitrary code. Reply 'yes' to keep it or send a different command.",
			strings.Join(w.flags, ", "))
	case stepWorkDir:
		return "Working directory for the server? Send a path or '-' to skip."
	}
	return ""
}

// Next consumes one message. It returns the reply to send and, once the
// definition is complete, the finished server.
func (w *serverWizard) Next(verdictFor func(string) security.Verdict, text string) (reply string, done *store.MCPServer) {
	text = strings.TrimSpace(text)

	switch w.step {
	case stepName:
		if text == "" || strings.ContainsAny(text, " \t") {
			return "Server names are single words. Try again.", nil
		}
		w.name = text
		w.step = stepCommand
		return w.Prompt(), nil

	case stepCommand:
		return w.consumeCommand(verdictFor, text)

	case stepConfirmFlags:
		if strings.EqualFold(text, "yes") {
			w.step = stepWorkDir
			return w.warningPrefix() + w.Prompt(), nil
		}
		// Anything else is treated as a replacement command.
		return w.consumeCommand(verdictFor, text)

	case stepWorkDir:
		if text != "-" {
			if !security.IsPathAllowed(text) {
				return "That path is not inside an allowed root. Send another path or '-' to skip.", nil
			}
			w.workDir = text
		}
		return "", &store.MCPServer{
			Name:    w.name,
			Command: w.command,
			Args:    w.args,
			WorkDir: w.workDir,
		}
	}
	return "", nil
}

// consumeCommand tokenizes and validates a launch command line.
func (w *serverWizard) consumeCommand(verdictFor func(string) security.Verdict, text string) (string, *store.MCPServer) {
	if seq, found := security.FindShellMetacharacters(text); found {
		return fmt.Sprintf("Command contains the shell control sequence %q. Commands run without a shell; send a plain command line.", seq), nil
	}

	spec := security.ParseCommand(text)
	if spec.RawExecutable == "" {
		return "Empty command. Send the launch command.", nil
	}

	verdict := verdictFor(spec.RawExecutable)
	if !verdict.OK {
		return fmt.Sprintf("Command rejected: %v", verdict.Err), nil
	}

	w.command = spec.RawExecutable
	w.args = spec.Argv
	w.warnings = verdict.Warnings

	if flags := security.DetectDangerousFlags(spec.Argv); len(flags) > 0 {
		w.flags = flags
		w.step = stepConfirmFlags
		return w.Prompt(), nil
	}

	w.step = stepWorkDir
	return w.warningPrefix() + w.Prompt(), nil
}

func (w *serverWizard) warningPrefix() string {
	if len(w.warnings) == 0 {
		return ""
	}
	return "Note: " + strings.Join(w.warnings, "; ") + "\n"
}
