package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/reqflow/internal/config"
	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/testutil"
)

const smokeDefinitions = `
agents:
  - id: reader
    role: notice reader
    goal: Restate the notice
    model:
      name: echo
  - id: scribe
    role: requirements scribe
    goal: Write the requirement
    model:
      name: echo

workflows:
  - id: smoke
    description: Echo a notice through two agents
    trigger:
      source: manual
    tasks:
      - id: read
        agent: reader
        input:
          from: trigger
          field: document
      - id: write
        agent: scribe
        depends_on: [read]
        input:
          from: task
          task: read
        outputs:
          - kind: sink
            sink: file
            target: "{{workflow_id}}/{{run_id}}.txt"
    notification:
      channel: log
`

// smokeConfig returns a configuration that runs offline inside dir.
func smokeConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	t.Chdir(dir)
	cfg, err := config.NewLoaderWithViper(viper.New()).Load()
	require.NoError(t, err)

	defs := testutil.TempFile(t, dir, "definitions.yaml", smokeDefinitions)
	cfg.Definitions.Path = defs
	cfg.Model.Provider = core.ProviderEcho
	cfg.Retrieval.Provider = "none"
	cfg.State.Backend = "json"
	cfg.State.Path = filepath.Join(dir, "runs.json")
	cfg.Sinks.FileDir = filepath.Join(dir, "out")
	cfg.Log.Format = "json"
	cfg.Log.File = filepath.Join(dir, "reqflow.log")
	require.NoError(t, config.ValidateConfig(cfg))
	return cfg
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2024-01-15")
	assert.Equal(t, "v1.2.3", GetVersion())

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)

	out := buf.String()
	assert.Contains(t, out, "reqflow v1.2.3")
	assert.Contains(t, out, "commit: abc123def")
	assert.Contains(t, out, "built:  2024-01-15")
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "serve", "validate", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestBuildPayload(t *testing.T) {
	dir := t.TempDir()
	payloadFile := testutil.TempFile(t, dir, "payload.json", `{"exchange": "CME", "priority": "low"}`)
	doc := testutil.TempFile(t, dir, "notice.txt", "Initial margin rises 10%.")

	t.Run("merges in order", func(t *testing.T) {
		payload, err := buildPayload(nil, payloadFile, doc, []string{"priority=high", " owner = ops"})
		require.NoError(t, err)
		assert.Equal(t, "CME", payload["exchange"])
		assert.Equal(t, "high", payload["priority"])
		assert.Equal(t, " ops", payload["owner"])
		assert.Equal(t, "notice.txt", payload["document_name"])
		assert.Equal(t, "Initial margin rises 10%.", payload["document_text"])
		assert.Equal(t, "txt", payload["ext"])
	})

	t.Run("stdin", func(t *testing.T) {
		payload, err := buildPayload(strings.NewReader(`{"a": 1}`), "-", "", nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, payload["a"])
	})

	t.Run("errors", func(t *testing.T) {
		_, err := buildPayload(nil, "", "", []string{"novalue"})
		assert.ErrorContains(t, err, "expected key=value")

		_, err = buildPayload(nil, filepath.Join(dir, "missing.json"), "", nil)
		assert.ErrorContains(t, err, "reading payload")

		bad := testutil.TempFile(t, dir, "bad.json", `[1, 2]`)
		_, err = buildPayload(nil, bad, "", nil)
		assert.ErrorContains(t, err, "parsing payload")
	})
}

func TestPrintPlans(t *testing.T) {
	noColor = true
	defer func() { noColor = false }()

	good := testutil.NewTestWorkflow("good",
		testutil.Task("a", "alpha"),
		testutil.Task("b", "alpha", "a"),
		testutil.Task("c", "alpha", "a"),
	)
	broken := testutil.NewTestWorkflow("broken",
		testutil.Task("a", "alpha", "ghost"),
	)
	catalog := core.NewCatalog([]*core.AgentDefinition{testutil.NewTestAgent("alpha")},
		[]*core.WorkflowDefinition{good, broken})

	var buf bytes.Buffer
	err := printPlans(&buf, catalog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 workflows are invalid")

	out := buf.String()
	assert.Contains(t, out, "level 1")
	assert.Contains(t, out, "b [alpha], c [alpha]")
	assert.Contains(t, out, "✓ valid")
	assert.Contains(t, out, "ghost")
}

func TestExecuteRun_Offline(t *testing.T) {
	dir := t.TempDir()
	cfg := smokeConfig(t, dir)

	var out bytes.Buffer
	rt, err := newRuntime(cfg, &out)
	require.NoError(t, err)
	defer func() { assert.NoError(t, rt.Close()) }()

	wf, err := rt.Catalog.Workflow("smoke")
	require.NoError(t, err)

	payload := map[string]interface{}{"document": "CME raises initial margin"}
	noColor = true
	defer func() { noColor = false }()
	err = executeRun(context.Background(), rt, wf, "run-smoke", payload, &out, true, true)
	require.NoError(t, err, out.String())

	text := out.String()
	assert.Contains(t, text, "Run run-smoke succeeded")
	assert.Contains(t, text, "✓ read")
	assert.Contains(t, text, "notified log: sent")
	assert.Contains(t, text, "CME raises initial margin")

	written, err := os.ReadFile(filepath.Join(cfg.Sinks.FileDir, "smoke", "run-smoke.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(written), "CME raises initial margin")

	archived, err := rt.Store.Get(context.Background(), "run-smoke")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, archived.Status)
}

func TestExecuteRun_FailureIsAnError(t *testing.T) {
	dir := t.TempDir()
	cfg := smokeConfig(t, dir)

	var out bytes.Buffer
	rt, err := newRuntime(cfg, &out)
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()

	wf, err := rt.Catalog.Workflow("smoke")
	require.NoError(t, err)

	// The trigger payload lacks the document field the first task reads.
	err = executeRun(context.Background(), rt, wf, "run-missing", map[string]interface{}{}, &out, false, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-missing failed")
	assert.Contains(t, out.String(), "failed at read")
}

func TestNewRuntime_Errors(t *testing.T) {
	dir := t.TempDir()

	cfg := smokeConfig(t, dir)
	cfg.Definitions.Path = filepath.Join(dir, "nope.yaml")
	_, err := newRuntime(cfg, &bytes.Buffer{})
	assert.Error(t, err)

	cfg = smokeConfig(t, dir)
	cfg.Model.Provider = core.ProviderOpenAI
	cfg.Model.APIKey = ""
	_, err = newRuntime(cfg, &bytes.Buffer{})
	assert.ErrorContains(t, err, "creating model client")
}
