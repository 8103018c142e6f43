// Package synthesis implements test-driven tool creation: specification,
// tests, implementation, sandboxed verification, registration. Tests are
// generated before the implementation and the implementation is never
// trusted until it passes them in the sandbox.
package synthesis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"toolforge/internal/generator"
	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/types"
)

// Pipeline step names, emitted as progress events.
const (
	StepSpecification  = "specification"
	StepTests          = "tests"
	StepImplementation = "implementation"
	StepVerification   = "verification"
	StepRegistration   = "registration"
)

// Engine runs the synthesis pipeline.
type Engine struct {
	gen      generator.CodeGenerator
	sandbox  *sandbox.Sandbox
	registry *registry.Registry
	policies *policy.Store
}

// New creates a synthesis engine.
func New(gen generator.CodeGenerator, sb *sandbox.Sandbox, reg *registry.Registry, policies *policy.Store) *Engine {
	return &Engine{gen: gen, sandbox: sb, registry: reg, policies: policies}
}

// freshName suffixes a colliding function name with a short random tag.
func freshName(base string) string {
	return fmt.Sprintf("%s_%s", base, uuid.NewString()[:8])
}

// Synthesize creates a new tool for a capability request. On verification
// failure the implementation is regenerated once with the failure fed back;
// if that also fails, the tool is registered anyway but marked experimental
// so callers can see it never passed its checks.
func (e *Engine) Synthesize(ctx context.Context, request, sessionContext string, sink types.ProgressSink) (*types.Tool, error) {
	if e.gen == nil {
		return nil, types.ErrGeneratorUnavailable
	}
	timer := logging.StartTimer(logging.CategorySynthesis, "Synthesize")
	defer timer.StopWithInfo()

	logging.Synthesis("Synthesizing tool for request: %s", request)

	// Step 1: specification.
	sink.Emit("synthesis_step", map[string]any{"step": StepSpecification, "status": "started"})
	spec, err := e.gen.GenerateSpec(ctx, request, sessionContext)
	if err != nil {
		sink.Emit("synthesis_step", map[string]any{"step": StepSpecification, "status": "failed"})
		return nil, fmt.Errorf("specification failed: %w", err)
	}
	sink.Emit("synthesis_step", map[string]any{"step": StepSpecification, "status": "completed", "function_name": spec.FunctionName})

	// Step 2: tests, before any implementation exists.
	sink.Emit("synthesis_step", map[string]any{"step": StepTests, "status": "started"})
	tests, err := e.gen.GenerateTests(ctx, spec)
	if err != nil {
		sink.Emit("synthesis_step", map[string]any{"step": StepTests, "status": "failed"})
		return nil, fmt.Errorf("test generation failed: %w", err)
	}
	sink.Emit("synthesis_step", map[string]any{"step": StepTests, "status": "completed"})

	// Step 3: implementation.
	sink.Emit("synthesis_step", map[string]any{"step": StepImplementation, "status": "started"})
	code, err := e.gen.GenerateImplementation(ctx, spec, tests)
	if err != nil {
		sink.Emit("synthesis_step", map[string]any{"step": StepImplementation, "status": "failed"})
		return nil, fmt.Errorf("implementation failed: %w", err)
	}
	sink.Emit("synthesis_step", map[string]any{"step": StepImplementation, "status": "completed"})

	// Step 4: sandboxed verification, with one regenerate-and-retry.
	// Retries re-enter generation, never the sandbox itself.
	sink.Emit("synthesis_step", map[string]any{"step": StepVerification, "status": "started"})
	experimental := false
	result := e.sandbox.Verify(ctx, []string{code, tests}, nil)
	if !result.Passed() {
		maxRetries := int(e.policies.Value(policy.PolicyCostLimits).Float("max_synthesis_retries", 1))
		retried := false
		for attempt := 0; attempt < maxRetries; attempt++ {
			logging.Synthesis("Verification failed (%s), regenerating implementation: %s", result.Verdict, result.Output)
			sink.Emit("synthesis_step", map[string]any{"step": StepVerification, "status": "retrying", "failure": result.Output})

			regenerated, err := e.gen.RegenerateImplementation(ctx, spec, tests, code, result.Output)
			if err != nil {
				break
			}
			code = regenerated
			result = e.sandbox.Verify(ctx, []string{code, tests}, nil)
			retried = true
			if result.Passed() {
				break
			}
		}
		if !result.Passed() {
			// Registered anyway, flagged so nothing treats it as proven.
			experimental = true
			logging.Get(logging.CategorySynthesis).Warn("Verification failed after retry=%v, registering %s as experimental", retried, spec.FunctionName)
		}
	}
	sink.Emit("synthesis_step", map[string]any{
		"step": StepVerification, "status": "completed",
		"passed": !experimental, "verdict": result.Verdict.String(),
	})

	// Step 5: registration.
	sink.Emit("synthesis_step", map[string]any{"step": StepRegistration, "status": "started"})
	tool := &types.Tool{
		Name:         spec.FunctionName,
		Description:  spec.Docstring,
		Parameters:   spec.Parameters,
		ReturnType:   spec.ReturnType,
		Code:         code,
		TestCode:     tests,
		Version:      1,
		Experimental: experimental,
	}
	if err := e.registry.Register(ctx, tool); err != nil {
		if errors.Is(err, types.ErrDuplicateTool) {
			// The generated name collided with an existing tool. Derive a
			// fresh one rather than clobbering what is already there.
			tool.Name = freshName(spec.FunctionName)
			err = e.registry.Register(ctx, tool)
		}
		if err != nil {
			sink.Emit("synthesis_step", map[string]any{"step": StepRegistration, "status": "failed"})
			return nil, fmt.Errorf("registration failed: %w", err)
		}
	}
	sink.Emit("synthesis_step", map[string]any{"step": StepRegistration, "status": "completed", "tool": tool.Name, "experimental": experimental})

	logging.Synthesis("Synthesized tool %s (experimental=%v)", tool.Name, experimental)
	return tool, nil
}
