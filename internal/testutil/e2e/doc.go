// Package e2e provides end-to-end test infrastructure for toolflow.
//
// Tests drive the real toolflow binary against toolflow-echo tool
// servers. The package provides three main components:
//
// # EchoConfigBuilder
//
// A fluent API for building toolflow-echo configurations, which script how
// each tool responds to calls during a test.
//
//	cfg := e2e.NewEchoConfigBuilder().
//	    WithTool("collect").
//	    WithResult("collect", map[string]any{"count": 42}).
//	    WithFailThenSucceed("score", 2).
//	    Build()
//
// # Harness
//
// Provides test isolation with:
//   - Isolated temporary project and home directories for each test
//   - A project configuration, server catalog and workflow directory
//   - Automatic cleanup via t.Cleanup
//
//	h := e2e.NewHarness(t, bins)
//	h.AddEchoServer("evidence", cfg)
//	h.WriteWorkflow("sweep", workflowYAML)
//
// # RunResult
//
// Helpers for inspecting the execution printed by 'toolflow run --json':
//
//	res, err := h.RunWorkflow("sweep", "--var", "control=AC-2")
//	res.AssertStatus(t, types.ExecutionStatusCompleted)
//	out := res.StepOutput("collect")
//
// # Usage Example
//
//	func TestSweep(t *testing.T) {
//	    h := e2e.NewHarness(t, bins)
//	    h.AddEchoServer("evidence", e2e.NewEchoConfigBuilder().WithTool("collect").Build())
//	    h.WriteWorkflow("sweep", workflowYAML)
//
//	    res, err := h.RunWorkflow("sweep")
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    res.AssertStatus(t, types.ExecutionStatusCompleted)
//	}
package e2e
