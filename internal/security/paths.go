package security

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AllowedPathsEnv is the environment variable holding the comma-separated
// list of allowed absolute directories. It is read fresh on every query so
// external reconfiguration takes effect immediately.
const AllowedPathsEnv = "COPILOT_ALLOWED_PATHS"

// caseInsensitiveFS reports whether path comparison should fold case.
// Only case-insensitive platforms fold; Linux comparisons stay exact.
var caseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// windowsReservedNames are device names that must never satisfy a directory
// allowlist entry, whatever directory they appear to live under.
var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// AllowedPaths returns the configured allowlist of absolute directories, in
// order. Entries are normalized to absolute form; empty entries are dropped.
func AllowedPaths() []string {
	raw := os.Getenv(AllowedPathsEnv)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var paths []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		abs, err := filepath.Abs(entry)
		if err != nil {
			continue
		}
		paths = append(paths, abs)
	}
	return paths
}

// SetAllowedPaths replaces the allowlist wholesale. Entries are made
// absolute; empty entries are dropped. Passing an empty slice clears the
// allowlist, after which every path is rejected.
func SetAllowedPaths(paths []string) {
	var entries []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		entries = append(entries, abs)
	}
	os.Setenv(AllowedPathsEnv, strings.Join(entries, ","))
}

// IsPathAllowed reports whether candidate lies within the configured
// allowlist. Fails closed: with an empty allowlist every path is rejected,
// including the allowlist roots themselves.
//
// The candidate is canonicalized (symlinks resolved when the path exists,
// lexical absolute resolution otherwise) before a lexical relative-path
// containment test against each entry. Resolving symlinks first is what
// defeats symlink-escape attacks; comparing via filepath.Rel rather than a
// string prefix is what defeats ".."-traversal and near-miss roots like
// /allowed-other matching /allowed.
func IsPathAllowed(candidate string) bool {
	if strings.TrimSpace(candidate) == "" {
		return false
	}
	if strings.ContainsRune(candidate, 0) {
		return false
	}

	if containsReservedName(candidate) {
		return false
	}

	resolved := normalizeForCompare(canonicalizePath(candidate))

	for _, entry := range AllowedPaths() {
		if containsPath(normalizeForCompare(canonicalizePath(entry)), resolved) {
			return true
		}
	}
	return false
}

// containsReservedName reports whether any segment of the path is a
// reserved device name, with or without an extension. A device anywhere in
// the path makes the whole path refer to the device, so checking only the
// final component is not enough.
func containsReservedName(path string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		name := strings.ToUpper(segment)
		if dot := strings.IndexByte(name, '.'); dot > 0 {
			name = name[:dot]
		}
		if windowsReservedNames[name] {
			return true
		}
	}
	return false
}

// canonicalizePath resolves symlinks to the real target. If the path does
// not exist yet, the nearest existing ancestor is resolved and the remainder
// rejoined lexically so still-to-be-created paths remain checkable.
func canonicalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}

	dir := abs
	var rest []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		rest = append(rest, filepath.Base(dir))
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved
		}
	}
}

// normalizeForCompare strips the Windows extended-length prefix and folds
// case on case-insensitive platforms only.
func normalizeForCompare(path string) string {
	path = strings.TrimPrefix(path, `\\?\`)
	if caseInsensitiveFS {
		path = strings.ToLower(path)
	}
	return filepath.Clean(path)
}

// containsPath reports whether candidate equals entry or is a descendant of
// it, using a lexical relative path rather than a string prefix.
func containsPath(entry, candidate string) bool {
	if candidate == entry {
		return true
	}

	rel, err := filepath.Rel(entry, candidate)
	if err != nil {
		// Different roots or drives.
		return false
	}
	if rel == "" || rel == "." || rel == ".." {
		return rel == "."
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	// An absolute relative-path result signals different filesystem roots
	// (drive letters on Windows).
	return !filepath.IsAbs(rel)
}
