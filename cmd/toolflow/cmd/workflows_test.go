package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meow-stack/toolflow/internal/testutil"
	"github.com/meow-stack/toolflow/internal/types"
)

const ghostWorkflowYAML = `id: ghost-check
steps:
  - id: sample
    server: ghost
    tool: collect
`

const cyclicWorkflowYAML = `id: loop
steps:
  - id: a
    server: evidence
    tool: collect
    depends_on: [b]
  - id: b
    server: evidence
    tool: score
    depends_on: [a]
`

// newWorkflowProject creates a project with the test server catalog and the
// quick-check workflow.
func newWorkflowProject(t *testing.T) string {
	t.Helper()
	dir := newProject(t, "")
	testutil.WriteFile(t, filepath.Join(dir, ".toolflow"), "servers.yaml", testutil.ServersYAML)
	testutil.WriteFile(t, filepath.Join(dir, ".toolflow", "workflows"), "quick-check.yaml", testutil.WorkflowYAML)
	return dir
}

func TestWorkflowsList(t *testing.T) {
	dir := newWorkflowProject(t)

	out, err := executeCommand(t, "-C", dir, "workflows", "list")
	if err != nil {
		t.Fatalf("workflows list failed: %v", err)
	}

	for _, id := range []string{"compliance-evidence-sweep", "control-assessment", "quick-check"} {
		testutil.AssertContainsString(t, out, id)
	}
	if strings.Index(out, "compliance-evidence-sweep") > strings.Index(out, "quick-check") {
		t.Errorf("workflows not sorted:\n%s", out)
	}
}

func TestWorkflowsList_NoCatalog(t *testing.T) {
	dir := newProject(t, "")

	out, err := executeCommand(t, "-C", dir, "wf", "list")
	if err != nil {
		t.Fatalf("workflows list failed: %v", err)
	}
	// Builtins need the evidence and reporting servers.
	testutil.AssertContainsString(t, out, "No workflows found.")
}

func TestWorkflowsShow(t *testing.T) {
	dir := newWorkflowProject(t)

	out, err := executeCommand(t, "-C", dir, "workflows", "show", "quick-check")
	if err != nil {
		t.Fatalf("workflows show failed: %v", err)
	}
	testutil.AssertContainsString(t, out, "id: quick-check")
	testutil.AssertContainsString(t, out, "server: reporting")
	testutil.AssertContainsString(t, out, "${collect}")

	_, err = executeCommand(t, "-C", dir, "workflows", "show", "missing")
	testutil.AssertErrorContains(t, err, "CONFIG_005")
}

func TestWorkflowsValidate(t *testing.T) {
	dir := newWorkflowProject(t)

	t.Run("registered workflows", func(t *testing.T) {
		out, err := executeCommand(t, "-C", dir, "workflows", "validate")
		if err != nil {
			t.Fatalf("validate failed: %v\n%s", err, out)
		}
		testutil.AssertContainsString(t, out, "✓ quick-check (2 steps)")
		testutil.AssertContainsString(t, out, "✓ compliance-evidence-sweep (3 steps)")
	})

	t.Run("cycle is a warning", func(t *testing.T) {
		path := testutil.WriteFile(t, t.TempDir(), "loop.yaml", cyclicWorkflowYAML)

		out, err := executeCommand(t, "-C", dir, "workflows", "validate", path)
		if err != nil {
			t.Fatalf("warnings should not fail validation: %v", err)
		}
		testutil.AssertContainsString(t, out, "! loop (2 steps)")
		testutil.AssertContainsString(t, out, "dependency cycle blocks steps: [a b]")
	})

	t.Run("unknown server is an error", func(t *testing.T) {
		path := testutil.WriteFile(t, t.TempDir(), "ghost.yaml", ghostWorkflowYAML)

		out, err := executeCommand(t, "-C", dir, "workflows", "validate", path)
		testutil.AssertErrorContains(t, err, "1 of 1 definitions invalid")
		testutil.AssertContainsString(t, out, "✗ "+path)
		testutil.AssertContainsString(t, out, "CONFIG_004")
	})
}

func TestListWorkflowDefs(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		listWorkflowDefs(&buf, nil)
		testutil.AssertContainsString(t, buf.String(), "Add definitions to .toolflow/workflows/")
	})

	t.Run("description column", func(t *testing.T) {
		var buf bytes.Buffer
		listWorkflowDefs(&buf, []*types.WorkflowDefinition{
			{ID: "sweep", Description: "Weekly sweep"},
			{ID: "bare"},
		})
		testutil.AssertContainsString(t, buf.String(), "  sweep                        Weekly sweep\n")
		testutil.AssertContainsString(t, buf.String(), "  bare\n")
	})
}
