// Package executor invokes registered tools: cache lookup, argument
// validation against the tool schema, sandboxed execution, and bookkeeping
// (usage statistics and the append-only workflow log).
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"toolforge/internal/logging"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/skillgraph"
	"toolforge/internal/tracker"
	"toolforge/internal/types"
)

// Executor runs single tool invocations.
type Executor struct {
	registry *registry.Registry
	sandbox  *sandbox.Sandbox
	cache    *skillgraph.Cache
	tracker  *tracker.Tracker
}

// New creates an executor. cache and tracker may be nil in tests.
func New(reg *registry.Registry, sb *sandbox.Sandbox, cache *skillgraph.Cache, tr *tracker.Tracker) *Executor {
	return &Executor{registry: reg, sandbox: sb, cache: cache, tracker: tr}
}

// Result is the outcome of one invocation.
type Result struct {
	Output   string
	Cached   bool
	Duration time.Duration
}

// Execute runs one tool with the given arguments. Missing required
// arguments surface as ArgumentMismatchError before anything executes;
// cached results short-circuit the sandbox entirely.
func (e *Executor) Execute(ctx context.Context, sessionID string, tool *types.Tool, inputs map[string]any) (*Result, error) {
	if err := validateArguments(tool, inputs); err != nil {
		return nil, err
	}

	if e.cache != nil {
		if output, ok := e.cache.Check(tool.Name, inputs, tool.Version); ok {
			logging.OrchestratorDebug("Cache hit for %s, skipping execution", tool.Name)
			return &Result{Output: output, Cached: true}, nil
		}
	}

	inputJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inputs: %w", err)
	}

	start := time.Now()
	output, execErr := e.sandbox.Execute(ctx, tool.Code, string(inputJSON))
	duration := time.Since(start)

	e.record(sessionID, tool.Name, inputs, execErr == nil, execErr, duration)

	if execErr != nil {
		if errors.Is(execErr, types.ErrSandboxTimeout) {
			return nil, execErr
		}
		return nil, &types.ExecutionError{ToolName: tool.Name, Detail: execErr.Error(), Err: execErr}
	}

	if e.cache != nil {
		e.cache.Put(tool.Name, inputs, tool.Version, output)
	}
	return &Result{Output: output, Duration: duration}, nil
}

// record updates usage statistics and appends to the workflow log.
func (e *Executor) record(sessionID, toolName string, inputs map[string]any, success bool, execErr error, duration time.Duration) {
	if err := e.registry.RecordExecution(toolName, success); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("Failed to record usage for %s: %v", toolName, err)
	}
	if e.tracker == nil {
		return
	}
	rec := &types.ExecutionRecord{
		SessionID:  sessionID,
		ToolName:   toolName,
		Inputs:     inputs,
		Success:    success,
		DurationMS: duration.Milliseconds(),
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	e.tracker.Log(rec)
}

// validateArguments enforces the tool schema: every required parameter must
// be present and non-nil.
func validateArguments(tool *types.Tool, inputs map[string]any) error {
	var missing []string
	for _, p := range tool.Parameters {
		if !p.Required {
			continue
		}
		v, ok := inputs[p.Name]
		if !ok || v == nil {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return &types.ArgumentMismatchError{ToolName: tool.Name, Missing: missing}
	}
	return nil
}
