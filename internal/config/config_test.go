package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilotbot/internal/security"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "copilotbot", cfg.Name)
	assert.Equal(t, "data/copilotbot.db", cfg.Database.Path)
	assert.Equal(t, 30, cfg.Bot.PollTimeout)
	assert.Equal(t, 64*1024, cfg.Session.MaxOutputBytes)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
bot:
  token: "123:abc"
  poll_timeout: 10
database:
  path: /var/lib/copilotbot/bot.db
security:
  allowed_paths:
    - /srv/projects
  allowed_binaries:
    - node
    - deno
session:
  idle_timeout: 5m
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Bot.Token)
	assert.Equal(t, 10, cfg.Bot.PollTimeout)
	assert.Equal(t, "/var/lib/copilotbot/bot.db", cfg.Database.Path)
	assert.Equal(t, []string{"/srv/projects"}, cfg.Security.AllowedPaths)
	assert.Equal(t, []string{"node", "deno"}, cfg.Security.AllowedBinaries)
	assert.Equal(t, 5*time.Minute, cfg.GetIdleTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("bot token", func(t *testing.T) {
		t.Setenv("COPILOT_BOT_TOKEN", "456:xyz")

		cfg := &Config{Bot: BotConfig{Token: "from-yaml"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "456:xyz", cfg.Bot.Token)
	})

	t.Run("database path", func(t *testing.T) {
		t.Setenv("COPILOT_DB", "/tmp/override.db")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	})

	t.Run("security allowlists", func(t *testing.T) {
		t.Setenv(security.AllowedPathsEnv, "/a, /b ,")
		t.Setenv(security.AllowedExecutablesEnv, "node,deno")

		cfg := &Config{Security: SecurityConfig{AllowedPaths: []string{"/yaml"}}}
		cfg.applyEnvOverrides()

		assert.Equal(t, []string{"/a", "/b"}, cfg.Security.AllowedPaths)
		assert.Equal(t, []string{"node", "deno"}, cfg.Security.AllowedBinaries)
	})

	t.Run("unset env leaves yaml values", func(t *testing.T) {
		t.Setenv("COPILOT_BOT_TOKEN", "")

		cfg := &Config{Bot: BotConfig{Token: "from-yaml"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "from-yaml", cfg.Bot.Token)
	})
}

// resetPublished clears the self-published allowlist record after a test
// that calls ApplySecurityEnv, so later tests see a clean slate.
func resetPublished(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		publishedMu.Lock()
		publishedPaths = ""
		publishedBinaries = ""
		publishedMu.Unlock()
	})
}

func TestApplySecurityEnv(t *testing.T) {
	t.Setenv(security.AllowedPathsEnv, "")
	t.Setenv(security.AllowedExecutablesEnv, "")
	resetPublished(t)

	cfg := &Config{
		Security: SecurityConfig{
			AllowedPaths:    []string{"/srv/projects"},
			AllowedBinaries: []string{"node"},
		},
	}
	cfg.ApplySecurityEnv()

	assert.Equal(t, []string{"/srv/projects"}, security.AllowedPaths())
	assert.Equal(t, []string{"node"}, security.AllowedExecutables())
}

func TestReloadAppliesEditedAllowlists(t *testing.T) {
	t.Setenv(security.AllowedPathsEnv, "")
	t.Setenv(security.AllowedExecutablesEnv, "")
	resetPublished(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(root, binary string) {
		content := "security:\n  allowed_paths:\n    - " + root +
			"\n  allowed_binaries:\n    - " + binary + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	write("/srv/old", "node")
	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.ApplySecurityEnv()
	require.Equal(t, []string{"/srv/old"}, security.AllowedPaths())

	// Edit the file and reload exactly the way the watcher does. The
	// values we published ourselves must not shadow the edited YAML.
	write("/srv/new", "deno")
	reloaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/new"}, reloaded.Security.AllowedPaths)
	assert.Equal(t, []string{"deno"}, reloaded.Security.AllowedBinaries)

	reloaded.ApplySecurityEnv()
	assert.Equal(t, []string{"/srv/new"}, security.AllowedPaths())
	assert.Equal(t, []string{"deno"}, security.AllowedExecutables())
}

func TestOperatorEnvStillOverridesAfterPublish(t *testing.T) {
	t.Setenv(security.AllowedPathsEnv, "")
	t.Setenv(security.AllowedExecutablesEnv, "")
	resetPublished(t)

	cfg := &Config{Security: SecurityConfig{AllowedPaths: []string{"/srv/yaml"}}}
	cfg.ApplySecurityEnv()

	// An operator replacing the env var by hand is a real override even
	// though the variable was previously self-published.
	t.Setenv(security.AllowedPathsEnv, "/srv/operator")

	next := &Config{Security: SecurityConfig{AllowedPaths: []string{"/srv/yaml"}}}
	next.applyEnvOverrides()
	assert.Equal(t, []string{"/srv/operator"}, next.Security.AllowedPaths)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Bot.Token = "123:abc"
	cfg.Security.AllowedPaths = []string{"/srv/projects"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", loaded.Bot.Token)
	assert.Equal(t, []string{"/srv/projects"}, loaded.Security.AllowedPaths)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing token must fail")

	cfg.Bot.Token = "123:abc"
	assert.NoError(t, cfg.Validate())

	cfg.Session.MaxOutputBytes = 0
	assert.Error(t, cfg.Validate())
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, security.DefaultLookupTimeout, cfg.GetLookupTimeout())
	assert.Equal(t, 30*time.Minute, cfg.GetIdleTimeout())
	assert.Equal(t, 60*time.Second, cfg.GetExecTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetBusyTimeout())
}
