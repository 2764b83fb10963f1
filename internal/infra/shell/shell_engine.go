// internal/infra/shell/shell_engine.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"easy-content-upgrade/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const waitDelay = 2 * time.Second

// shellEngine implements domain.ScriptEngine for shell scripts.
type shellEngine struct {
	shell  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewShellEngine creates a new engine that feeds scripts to bash on stdin.
func NewShellEngine(logger *slog.Logger) domain.ScriptEngine {
	return &shellEngine{
		shell:  "bash",
		logger: logger.With("engine", "shell"),
		tracer: otel.Tracer("aecu-shell-engine"),
	}
}

// Execute runs the script and returns its combined output.
// The script path is exported as AECU_SCRIPT_PATH.
func (e *shellEngine) Execute(ctx context.Context, script *domain.Script) (domain.ScriptOutput, error) {
	ctx, span := e.tracer.Start(ctx, "engine.shell.Execute",
		trace.WithAttributes(attribute.String("script.path", script.Path)))
	defer span.End()

	e.logger.Debug("executing shell script", "script_path", script.Path)

	cmd := exec.CommandContext(ctx, e.shell, "-s")
	cmd.Stdin = bytes.NewReader(script.Content)
	cmd.Env = append(os.Environ(), "AECU_SCRIPT_PATH="+script.Path)
	// children of a killed shell may keep the output pipes open
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	errOutput := stderr.String()

	if errOutput != "" {
		// Prepend stderr to the main output for visibility
		if output != "" {
			output = fmt.Sprintf("[STDERR]:\n%s\n[STDOUT]:\n%s", errOutput, output)
		} else {
			output = fmt.Sprintf("[STDERR]:\n%s", errOutput)
		}
	}

	result := domain.ScriptOutput{Output: output}
	if cmd.ProcessState != nil {
		result.Result = fmt.Sprintf("exit %d", cmd.ProcessState.ExitCode())
	}

	if err != nil {
		span.SetStatus(codes.Error, "shell script failed")
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("shell script interrupted: %w", ctxErr)
		}
		return result, fmt.Errorf("shell script failed: %w", err)
	}
	return result, nil
}
