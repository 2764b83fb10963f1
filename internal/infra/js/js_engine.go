// internal/infra/js/js_engine.go
package js

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"easy-content-upgrade/internal/domain"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// jsEngine implements domain.ScriptEngine for JavaScript migration scripts.
// Every run gets a fresh runtime; scripts see a console object and an aecu
// object carrying the script path and the active run modes.
type jsEngine struct {
	runModes []string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewJSEngine creates a new JavaScript engine.
func NewJSEngine(runModes []string, logger *slog.Logger) domain.ScriptEngine {
	return &jsEngine{
		runModes: runModes,
		logger:   logger.With("engine", "js"),
		tracer:   otel.Tracer("aecu-js-engine"),
	}
}

func (e *jsEngine) Execute(ctx context.Context, script *domain.Script) (domain.ScriptOutput, error) {
	ctx, span := e.tracer.Start(ctx, "engine.js.Execute",
		trace.WithAttributes(attribute.String("script.path", script.Path)))
	defer span.End()

	vm := goja.New()
	var out strings.Builder

	if err := e.setupGlobals(vm, script, &out); err != nil {
		return domain.ScriptOutput{}, fmt.Errorf("failed to set up js runtime: %w", err)
	}

	// Interrupt JS execution when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunScript(script.Path, string(script.Content))
	result := domain.ScriptOutput{Output: out.String()}
	if err != nil {
		span.SetStatus(codes.Error, "js script failed")
		span.RecordError(err)
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return result, fmt.Errorf("js script interrupted: %w", cause)
			}
			return result, fmt.Errorf("js script interrupted: %v", interrupted.Value())
		}
		return result, fmt.Errorf("js script failed: %w", err)
	}

	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		result.Result = value.String()
	}
	e.logger.Debug("js script executed", "script_path", script.Path)
	return result, nil
}

func (e *jsEngine) setupGlobals(vm *goja.Runtime, script *domain.Script, out *strings.Builder) error {
	printer := func(prefix string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			out.WriteString(prefix)
			out.WriteString(strings.Join(parts, " "))
			out.WriteByte('\n')
			return goja.Undefined()
		}
	}

	console := vm.NewObject()
	if err := console.Set("log", printer("")); err != nil {
		return err
	}
	if err := console.Set("info", printer("")); err != nil {
		return err
	}
	if err := console.Set("warn", printer("[WARN] ")); err != nil {
		return err
	}
	if err := console.Set("error", printer("[ERROR] ")); err != nil {
		return err
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	aecu := vm.NewObject()
	if err := aecu.Set("path", script.Path); err != nil {
		return err
	}
	runModes := make([]interface{}, len(e.runModes))
	for i, m := range e.runModes {
		runModes[i] = m
	}
	if err := aecu.Set("runModes", vm.NewArray(runModes...)); err != nil {
		return err
	}
	return vm.Set("aecu", aecu)
}
