package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilotbot/internal/security"
	"copilotbot/internal/store"
)

func allowAll(string) security.Verdict {
	return security.Verdict{OK: true}
}

func rejectAll(executable string) security.Verdict {
	err := &security.NotAllowedError{Basename: executable, Allowed: []string{"node"}}
	return security.Verdict{Err: err}
}

func runWizard(t *testing.T, w *serverWizard, verdictFor func(string) security.Verdict, inputs ...string) (string, *store.MCPServer) {
	t.Helper()

	var reply string
	var server *store.MCPServer
	for _, input := range inputs {
		reply, server = w.Next(verdictFor, input)
	}
	return reply, server
}

func TestWizardHappyPath(t *testing.T) {
	w := newServerWizard()

	_, server := runWizard(t, w, allowAll,
		"files",
		`node server.js --port 8080`,
		"-",
	)
	require.NotNil(t, server)
	assert.Equal(t, "files", server.Name)
	assert.Equal(t, "node", server.Command)
	assert.Equal(t, []string{"server.js", "--port", "8080"}, server.Args)
	assert.Empty(t, server.WorkDir)
}

func TestWizardQuotedArguments(t *testing.T) {
	w := newServerWizard()

	_, server := runWizard(t, w, allowAll,
		"files",
		`node server.js --name "My App"`,
		"-",
	)
	require.NotNil(t, server)
	assert.Equal(t, []string{"server.js", "--name", "My App"}, server.Args)
}

func TestWizardRejectsMultiWordName(t *testing.T) {
	w := newServerWizard()

	reply, server := w.Next(allowAll, "my cool server")
	assert.Nil(t, server)
	assert.Contains(t, reply, "single words")
	assert.Equal(t, stepName, w.step)
}

func TestWizardRejectsDisallowedExecutable(t *testing.T) {
	w := newServerWizard()

	reply, server := runWizard(t, w, rejectAll,
		"files",
		"bash run.sh",
	)
	assert.Nil(t, server)
	assert.Contains(t, reply, "rejected")
	assert.Equal(t, stepCommand, w.step, "a rejected command keeps the wizard on the same step")
}

func TestWizardRejectsMetacharacters(t *testing.T) {
	w := newServerWizard()

	reply, server := runWizard(t, w, allowAll,
		"files",
		"node server.js; rm -rf /",
	)
	assert.Nil(t, server)
	assert.Contains(t, reply, "shell control sequence")
}

func TestWizardDangerousFlagConfirmation(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		w := newServerWizard()

		reply, server := runWizard(t, w, allowAll,
			"evalserver",
			`node -e "console.log(1)"`,
		)
		require.Nil(t, server)
		assert.Contains(t, reply, "-e")

		_, server = runWizard(t, w, allowAll, "yes", "-")
		require.NotNil(t, server)
		assert.Equal(t, []string{"-e", "console.log(1)"}, server.Args)
	})

	t.Run("replaced with a safe command", func(t *testing.T) {
		w := newServerWizard()

		runWizard(t, w, allowAll, "evalserver", `node -e "x"`)
		_, server := runWizard(t, w, allowAll, "node server.js", "-")
		require.NotNil(t, server)
		assert.Equal(t, []string{"server.js"}, server.Args)
	})
}

func TestWizardWorkDirContainment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(security.AllowedPathsEnv, dir)

	w := newServerWizard()
	runWizard(t, w, allowAll, "files", "node server.js")

	reply, server := w.Next(allowAll, "/etc")
	assert.Nil(t, server)
	assert.Contains(t, reply, "not inside an allowed root")

	_, server = w.Next(allowAll, dir)
	require.NotNil(t, server)
	assert.Equal(t, dir, server.WorkDir)
}

func TestWizardSurfacesPathWarnings(t *testing.T) {
	warned := func(string) security.Verdict {
		return security.Verdict{OK: true, Warnings: []string{`"node" is allowlisted but was not found on PATH`}}
	}

	w := newServerWizard()
	reply, _ := runWizard(t, w, warned, "files", "node server.js")
	assert.Contains(t, reply, "not found on PATH")
}
