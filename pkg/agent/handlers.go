package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/cuemby/fleetd/pkg/jobengine"
)

// registerBuiltinHandlers wires the handler directory's built-in action
// types. "shell" is the one handler fleetd ships itself, running the
// job step's command with its input as arguments.
func registerBuiltinHandlers(registry *jobengine.HandlerRegistry) {
	registry.Register("shell", shellHandler)
}

// shellHandler runs input["command"] with input["args"] (a []any of
// strings) and captures stdout/stderr, honoring the handler's own
// timeout-bound context.
func shellHandler(ctx context.Context, input map[string]any) jobengine.StepResult {
	command, _ := input["command"].(string)
	if command == "" {
		return jobengine.StepResult{ActionType: "shell", Err: fmt.Errorf("shell action requires a non-empty \"command\"")}
	}

	var args []string
	if raw, ok := input["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := jobengine.StepResult{
		ActionType: "shell",
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}
	if err != nil {
		result.Reason = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Err = fmt.Errorf("shell command failed: %w", err)
	}
	return result
}
