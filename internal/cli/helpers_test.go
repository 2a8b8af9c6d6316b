package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// testEnv is a data directory with a config file pointing every backend into it.
type testEnv struct {
	dir        string
	configPath string
	docsDir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "mnemo.yaml"),
		docsDir:    filepath.Join(dir, "docs"),
	}

	config := strings.Join([]string{
		"data_dir: " + dir,
		"storage:",
		"  backend: file",
		"memory:",
		"  backend: sqlite",
		"knowledge:",
		"  enabled: true",
		"  path: " + env.docsDir,
		"  embedder: none",
		"  watch: false",
		"maintenance:",
		"  session_ttl: 1h",
		"logging:",
		"  level: error",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(env.configPath, []byte(config), 0o600))

	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		t.Setenv(key, "")
	}
	return env
}

// run executes the root command with args against the env's config file.
func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.configPath, "--env-file", ""}, args...))

	err := cmd.Execute()
	return out.String(), err
}

// resetFlags clears flag values left over from earlier executions of the
// shared command tree.
func resetFlags() {
	cfgFile, logLevel, envFile = "", "", ""
	sessionsUser, sessionsAgent, sessionsJSON = "", "", false
	memoriesUser, memoriesLimit, memoriesTopic, memoriesYes = "", 0, "", false
	knowledgeRecreate, knowledgeLimit = false, 0
	chatFlags = agentFlags{markdown: true}
	runFlags = agentFlags{markdown: true}
	runMetrics = false
	metricsAddr = ""
}
