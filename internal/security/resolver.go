package security

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// PathResolver resolves an executable basename to the paths the system PATH
// would launch for it. Implementations may block on subprocess I/O; callers
// bound the call with the context. A timeout is reported as a lookup failure.
type PathResolver interface {
	LookupAll(ctx context.Context, name string) ([]string, error)
}

// DefaultLookupTimeout bounds a PATH lookup when the caller's context carries
// no deadline of its own.
const DefaultLookupTimeout = 5 * time.Second

// SystemResolver resolves names by shelling out to `which -a` (`where` on
// Windows). The subprocess is spawned directly, never through a shell.
type SystemResolver struct {
	// Timeout bounds each lookup. Zero means DefaultLookupTimeout.
	Timeout time.Duration
}

// LookupAll returns every PATH entry that resolves the given basename, in
// PATH order. An empty result is reported as an error.
func (r *SystemResolver) LookupAll(ctx context.Context, name string) ([]string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "where", name)
	} else {
		cmd = exec.CommandContext(ctx, "which", "-a", name)
	}

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("path lookup for %q timed out: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("path lookup for %q failed: %w", name, err)
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("path lookup for %q returned no results", name)
	}
	return paths, nil
}
