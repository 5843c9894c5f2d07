package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// AllowedExecutablesEnv overrides the allowed executable basenames with a
// comma-separated list. When unset the built-in default set applies. Like the
// path allowlist, it is read fresh on every check.
const AllowedExecutablesEnv = "COPILOT_ALLOWED_BINARIES"

// defaultAllowedExecutables are the interpreter/runtime basenames permitted
// out of the box. Matching is exact, extension included.
var defaultAllowedExecutables = []string{
	"node", "node.exe",
	"python", "python.exe",
	"python3", "python3.exe",
	"npx", "npx.cmd",
	"deno", "deno.exe",
	"bun", "bun.exe",
}

// dangerousFlags are argument tokens that make the default interpreters run
// inline code instead of a file. Matched case-sensitively as whole tokens.
var dangerousFlags = []string{"-e", "-c", "-p", "--eval", "--print"}

// Validation error kinds. Allowlist rejections carry the rejected basename
// and the permitted set so callers can surface an actionable message.
var (
	// ErrEmptyCommand is returned for empty or whitespace-only commands.
	ErrEmptyCommand = errors.New("command is empty")

	// ErrShellMetacharacters is returned when a command contains characters
	// that would only be meaningful under shell interpretation.
	ErrShellMetacharacters = errors.New("command contains shell metacharacters")
)

// NotAllowedError reports an executable reference whose basename is not in
// the configured allowlist.
type NotAllowedError struct {
	Basename string
	Allowed  []string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("executable %q is not allowlisted (allowed: %s)",
		e.Basename, strings.Join(e.Allowed, ", "))
}

// PathMismatchError reports an absolute executable path that the system PATH
// does not resolve to, even though its basename is allowlisted.
type PathMismatchError struct {
	Path string
}

func (e *PathMismatchError) Error() string {
	return fmt.Sprintf("absolute path %q not found in system PATH", e.Path)
}

// Verdict is the outcome of an executable validation. Warnings are advisory
// and never block the caller's happy path.
type Verdict struct {
	OK       bool
	Err      error
	Warnings []string
}

// CommandSpec is a tokenized user-supplied command line: the executable
// reference and its argument vector. Arguments are later passed to the
// process as discrete tokens, never through a shell.
type CommandSpec struct {
	RawExecutable string
	Argv          []string
}

// ParseCommand tokenizes a raw command line into a CommandSpec.
func ParseCommand(text string) CommandSpec {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return CommandSpec{}
	}
	return CommandSpec{RawExecutable: tokens[0], Argv: tokens[1:]}
}

// AllowedExecutables returns the configured executable basenames, read fresh
// from the environment, falling back to the default set.
func AllowedExecutables() []string {
	raw := os.Getenv(AllowedExecutablesEnv)
	if strings.TrimSpace(raw) == "" {
		out := make([]string, len(defaultAllowedExecutables))
		copy(out, defaultAllowedExecutables)
		return out
	}

	var names []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			names = append(names, entry)
		}
	}
	return names
}

// SetAllowedExecutables replaces the executable allowlist in the backing
// environment source. An empty list restores the defaults.
func SetAllowedExecutables(names []string) {
	os.Setenv(AllowedExecutablesEnv, strings.Join(names, ","))
}

// metaClass tags input bytes that are only meaningful under shell
// interpretation.
type metaClass int

const (
	metaNone         metaClass = iota
	metaSeparator              // ; and literal newline / carriage return
	metaPipe                   // |
	metaBackground             // &
	metaRedirect               // < >
	metaSubstitution           // backtick and $(
)

// classifyMetaAt classifies the byte at position i within s.
func classifyMetaAt(s string, i int) metaClass {
	switch s[i] {
	case ';', '\n', '\r':
		return metaSeparator
	case '|':
		return metaPipe
	case '&':
		return metaBackground
	case '<', '>':
		return metaRedirect
	case '`':
		return metaSubstitution
	case '$':
		if i+1 < len(s) && s[i+1] == '(' {
			return metaSubstitution
		}
	}
	return metaNone
}

// FindShellMetacharacters scans s for shell-only control characters and
// returns the first offending sequence. Commands are always spawned without
// a shell; a command that carries shell syntax is rejected rather than run
// with the metacharacters as literal arguments.
func FindShellMetacharacters(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		switch classifyMetaAt(s, i) {
		case metaNone:
			continue
		case metaSubstitution:
			if s[i] == '$' {
				return "$(", true
			}
			return string(s[i]), true
		default:
			return string(s[i]), true
		}
	}
	return "", false
}

// commandForm is the closed classification of an executable reference.
// Every command resolves to exactly one form before any allowlist logic runs.
type commandForm int

const (
	formBare     commandForm = iota // basename only, no separators
	formAbsolute                    // leading separator or drive-letter root
	formUNC                         // \\server\share
	formRelative                    // separators or traversal without a root
)

// classifyCommand assigns a command its form.
func classifyCommand(cmd string) commandForm {
	if strings.HasPrefix(cmd, `\\`) {
		return formUNC
	}
	if strings.HasPrefix(cmd, "/") || strings.HasPrefix(cmd, `\`) {
		return formAbsolute
	}
	if len(cmd) >= 3 && isDriveLetter(cmd[0]) && cmd[1] == ':' && (cmd[2] == '/' || cmd[2] == '\\') {
		return formAbsolute
	}
	if strings.ContainsAny(cmd, `/\`) || hasTraversalSegment(cmd) {
		return formRelative
	}
	return formBare
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// hasTraversalSegment reports whether any path segment of cmd is "..".
func hasTraversalSegment(cmd string) bool {
	for _, seg := range strings.FieldsFunc(cmd, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// executableBasename returns the final path component of an executable
// reference, accepting both separator styles.
func executableBasename(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// isAllowedBasename performs the exact membership test against the
// configured allowlist. No prefix or substring matching: "node.evil.exe"
// must not pass because "node" is a prefix of it. Case folds only on
// case-insensitive platforms.
func isAllowedBasename(name string, allowed []string) bool {
	for _, entry := range allowed {
		if name == entry {
			return true
		}
		if caseInsensitiveFS && strings.EqualFold(name, entry) {
			return true
		}
	}
	return false
}

// ExecChecker validates executable references against the allowlist. The
// PATH lookup is abstracted behind PathResolver so tests can run without
// subprocess I/O.
type ExecChecker struct {
	resolver PathResolver
}

// NewExecChecker creates a checker using the given resolver.
func NewExecChecker(resolver PathResolver) *ExecChecker {
	return &ExecChecker{resolver: resolver}
}

// Validate decides whether the given executable reference may be spawned.
//
// Bare names pass on an exact allowlist basename match; a failed PATH lookup
// for a bare name is a non-fatal warning, since the binary may legitimately
// not be installed in the validating environment. Absolute paths must both
// match an allowlisted basename and be one of the paths the system PATH
// resolves that basename to, which stops an attacker pointing the bot at a
// malicious binary that merely shares a name with a legitimate one. UNC and
// relative references are rejected outright.
func (c *ExecChecker) Validate(ctx context.Context, command string) Verdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Verdict{Err: ErrEmptyCommand}
	}
	if strings.ContainsRune(trimmed, 0) {
		return Verdict{Err: fmt.Errorf("%w: %q", ErrShellMetacharacters, "NUL")}
	}
	if seq, found := FindShellMetacharacters(trimmed); found {
		return Verdict{Err: fmt.Errorf("%w: %q", ErrShellMetacharacters, seq)}
	}

	allowed := AllowedExecutables()

	switch classifyCommand(trimmed) {
	case formUNC, formRelative:
		return Verdict{Err: &NotAllowedError{Basename: trimmed, Allowed: allowed}}

	case formAbsolute:
		return c.validateAbsolute(ctx, trimmed, allowed)

	default:
		return c.validateBare(ctx, trimmed, allowed)
	}
}

func (c *ExecChecker) validateBare(ctx context.Context, name string, allowed []string) Verdict {
	if !isAllowedBasename(name, allowed) {
		return Verdict{Err: &NotAllowedError{Basename: name, Allowed: allowed}}
	}

	if _, err := c.resolver.LookupAll(ctx, name); err != nil {
		return Verdict{
			OK: true,
			Warnings: []string{
				fmt.Sprintf("%q is allowlisted but was not found on PATH", name),
			},
		}
	}
	return Verdict{OK: true}
}

func (c *ExecChecker) validateAbsolute(ctx context.Context, path string, allowed []string) Verdict {
	if hasTraversalSegment(path) {
		return Verdict{Err: &NotAllowedError{Basename: path, Allowed: allowed}}
	}

	base := executableBasename(path)
	if !isAllowedBasename(base, allowed) {
		return Verdict{Err: &NotAllowedError{Basename: base, Allowed: allowed}}
	}

	resolved, err := c.resolver.LookupAll(ctx, base)
	if err != nil {
		// Fail closed: an unverifiable absolute path is rejected.
		return Verdict{Err: &PathMismatchError{Path: path}}
	}

	want := normalizeForCompare(path)
	for _, p := range resolved {
		if normalizeForCompare(p) == want {
			return Verdict{OK: true}
		}
	}
	return Verdict{Err: &PathMismatchError{Path: path}}
}

// DetectDangerousFlags scans a tokenized argument list for flags that enable
// inline code execution. A non-empty result does not fail validation; the
// caller must obtain an explicit confirmation before registering the command.
func DetectDangerousFlags(argv []string) []string {
	var matched []string
	seen := make(map[string]bool)
	for _, arg := range argv {
		for _, flag := range dangerousFlags {
			if arg == flag && !seen[arg] {
				matched = append(matched, arg)
				seen[arg] = true
			}
		}
	}
	return matched
}

// ValidateExecutable validates command with the production system resolver.
// Most callers hold an ExecChecker; this is the package-level convenience.
func ValidateExecutable(ctx context.Context, command string) Verdict {
	return NewExecChecker(&SystemResolver{}).Validate(ctx, command)
}
