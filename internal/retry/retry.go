// Package retry wraps a single assistant turn with exactly one additional
// attempt when the subprocess crashed outright, as opposed to failing for
// a reason retrying won't fix (a bad prompt, a cancelled context).
package retry

import (
	"context"
	"strings"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/anatolykoptev/conduit/internal/pipeline"
)

// Turn is the orchestrator call being retried.
type Turn func(ctx context.Context) (pipeline.Output, error)

// crashed reports whether err looks like the assistant subprocess exited
// abnormally rather than returning a normal failure.
func crashed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "exited with status") || strings.Contains(msg, "exited with code")
}

var policy = retrypolicy.Builder[pipeline.Output]().
	HandleIf(func(_ pipeline.Output, err error) bool { return crashed(err) }).
	WithMaxRetries(1).
	Build()

// Run executes turn, retrying exactly once if the subprocess crashed.
func Run(ctx context.Context, turn Turn) (pipeline.Output, error) {
	executor := failsafe.NewExecutor[pipeline.Output](policy).WithContext(ctx)
	return executor.GetWithExecution(func(exec failsafe.Execution[pipeline.Output]) (pipeline.Output, error) {
		return turn(exec.Context())
	})
}
