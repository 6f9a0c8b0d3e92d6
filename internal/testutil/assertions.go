package testutil

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/types"
)

// AssertEqual asserts that two values are equal.
func AssertEqual(t *testing.T, expected, actual any, msgAndArgs ...any) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		msg := formatMessage("Expected values to be equal", msgAndArgs...)
		t.Errorf("%s\nExpected: %v\nActual: %v", msg, expected, actual)
	}
}

// AssertNoError asserts that an error is nil.
func AssertNoError(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		msg := formatMessage("Expected no error", msgAndArgs...)
		t.Errorf("%s\nError: %v", msg, err)
	}
}

// AssertErrorContains asserts that an error contains a substring.
func AssertErrorContains(t *testing.T, err error, substring string, msgAndArgs ...any) {
	t.Helper()
	if err == nil {
		msg := formatMessage("Expected an error containing "+substring, msgAndArgs...)
		t.Errorf("%s\nGot: nil", msg)
		return
	}
	if !strings.Contains(err.Error(), substring) {
		msg := formatMessage("Expected error to contain substring", msgAndArgs...)
		t.Errorf("%s\nSubstring: %q\nError: %v", msg, substring, err)
	}
}

// AssertContainsString asserts that s contains substring.
func AssertContainsString(t *testing.T, s, substring string, msgAndArgs ...any) {
	t.Helper()
	if !strings.Contains(s, substring) {
		msg := formatMessage("Expected string to contain substring", msgAndArgs...)
		t.Errorf("%s\nString: %q\nSubstring: %q", msg, s, substring)
	}
}

// AssertErrorCode asserts that err carries the given error code anywhere in
// its chain.
func AssertErrorCode(t *testing.T, err error, code string, msgAndArgs ...any) {
	t.Helper()
	if err == nil {
		msg := formatMessage("Expected an error with code "+code, msgAndArgs...)
		t.Errorf("%s\nGot: nil", msg)
		return
	}
	if !flowerrors.HasCode(err, code) {
		msg := formatMessage("Expected error code "+code, msgAndArgs...)
		t.Errorf("%s\nError: %v", msg, err)
	}
}

// AssertStepStatus asserts the status of one step of an execution.
func AssertStepStatus(t *testing.T, exec *types.Execution, stepID string, expected types.StepStatus) {
	t.Helper()
	step, ok := exec.Step(stepID)
	if !ok {
		t.Errorf("Execution %s has no step %s", exec.ID, stepID)
		return
	}
	if step.Status != expected {
		t.Errorf("Step %s status = %s, want %s (error: %q)", stepID, step.Status, expected, step.Error)
	}
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		msg := formatMessage("Condition not met", msgAndArgs...)
		t.Errorf("%s within %v", msg, timeout)
	}
}

func formatMessage(defaultMsg string, msgAndArgs ...any) string {
	if len(msgAndArgs) == 0 {
		return defaultMsg
	}
	if len(msgAndArgs) == 1 {
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
