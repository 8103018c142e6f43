// Package orchestrator is the top-level request pipeline: it plans a
// strategy for each prompt, dispatches to the right execution path,
// recovers from tool failures, and renders the final response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"toolforge/internal/executor"
	"toolforge/internal/generator"
	"toolforge/internal/logging"
	"toolforge/internal/planner"
	"toolforge/internal/policy"
	"toolforge/internal/reflection"
	"toolforge/internal/registry"
	"toolforge/internal/session"
	"toolforge/internal/synthesis"
	"toolforge/internal/tracker"
	"toolforge/internal/types"
)

// Orchestrator wires the planning, execution, and learning subsystems.
type Orchestrator struct {
	registry    *registry.Registry
	planner     *planner.QueryPlanner
	composition *planner.CompositionPlanner
	exec        *executor.Executor
	synth       *synthesis.Engine
	reflector   *reflection.Engine
	sessions    *session.Manager
	tracker     *tracker.Tracker
	gen         generator.CodeGenerator
	policies    *policy.Store

	mining sync.WaitGroup
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Registry    *registry.Registry
	Planner     *planner.QueryPlanner
	Composition *planner.CompositionPlanner
	Executor    *executor.Executor
	Synthesis   *synthesis.Engine
	Reflector   *reflection.Engine
	Sessions    *session.Manager
	Tracker     *tracker.Tracker
	Generator   generator.CodeGenerator
	Policies    *policy.Store
}

// New assembles an orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		registry:    d.Registry,
		planner:     d.Planner,
		composition: d.Composition,
		exec:        d.Executor,
		synth:       d.Synthesis,
		reflector:   d.Reflector,
		sessions:    d.Sessions,
		tracker:     d.Tracker,
		gen:         d.Generator,
		policies:    d.Policies,
	}
}

// Process handles one user prompt end to end and returns the final
// natural-language response.
func (o *Orchestrator) Process(ctx context.Context, sessionID, prompt string, sink types.ProgressSink) (string, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "process")
	defer timer.Stop()

	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("empty prompt")
	}
	if err := o.sessions.Touch(sessionID); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("Failed to touch session %s: %v", sessionID, err)
	}
	sessionContext := o.sessions.RecentContext(sessionID)

	sink.Emit("searching", map[string]any{"query": prompt})
	plan, err := o.planner.Plan(ctx, sessionID, prompt)
	if err != nil {
		return "", fmt.Errorf("planning failed: %w", err)
	}
	logging.Orchestrator("Plan for session %s: strategy=%s (%s)", sessionID, plan.Strategy, plan.Rationale)

	var raw string
	switch plan.Strategy {
	case types.StrategySingleTool:
		raw, err = o.runSingle(ctx, sessionID, plan.Tool.Tool, prompt, sessionContext, sink)
	case types.StrategyComposite:
		raw, err = o.runComposite(ctx, sessionID, plan.Tool.Tool, prompt, sink)
	case types.StrategyPattern:
		raw, err = o.runPattern(ctx, sessionID, plan.Pattern, prompt, sink)
	case types.StrategySequential:
		raw, err = o.runSequential(ctx, sessionID, plan.Subtasks, sink)
	case types.StrategyForceSynthesis:
		raw, err = o.runSynthesis(ctx, sessionID, prompt, sessionContext, sink)
	default:
		err = fmt.Errorf("unknown strategy %q", plan.Strategy)
	}
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("Strategy %s failed: %v", plan.Strategy, err)
		response := o.renderFailure(ctx, prompt, err)
		o.sessions.AppendTurn(sessionID, prompt, response)
		o.mineSession(sessionID)
		o.recordExperimentOutcome(sessionID, false)
		sink.Emit("complete", map[string]any{"strategy": string(plan.Strategy), "status": "failed"})
		return response, nil
	}

	response := o.renderResponse(ctx, prompt, raw)
	o.sessions.AppendTurn(sessionID, prompt, response)
	o.mineSession(sessionID)
	o.recordExperimentOutcome(sessionID, true)
	sink.Emit("complete", map[string]any{"strategy": string(plan.Strategy)})
	return response, nil
}

// recordExperimentOutcome feeds the request's outcome into every active
// policy experiment, so candidate values accumulate real traffic evidence.
func (o *Orchestrator) recordExperimentOutcome(sessionID string, success bool) {
	experiments, err := o.policies.ActiveExperiments()
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("Failed to list experiments: %v", err)
		return
	}
	value := 0.0
	if success {
		value = 1.0
	}
	for _, exp := range experiments {
		if err := o.policies.RecordExperimentResult(exp.Name, sessionID, value); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("Failed to record experiment %s result: %v", exp.Name, err)
		}
	}
}

// runSingle executes one matched tool. An argument mismatch means the
// stored schema no longer fits the request, so the tool is invalidated and
// replaced; other failures go through reflection before giving up.
func (o *Orchestrator) runSingle(ctx context.Context, sessionID string, tool *types.Tool, prompt, sessionContext string, sink types.ProgressSink) (string, error) {
	sink.Emit("tool_found", map[string]any{"tool": tool.Name})

	inputs, err := o.buildInputs(ctx, tool, prompt)
	if err != nil {
		return "", err
	}

	res, err := o.exec.Execute(ctx, sessionID, tool, inputs)
	if err == nil {
		return res.Output, nil
	}

	var mismatch *types.ArgumentMismatchError
	if errors.As(err, &mismatch) {
		logging.Orchestrator("Schema mismatch on %s (missing %v), re-synthesizing", tool.Name, mismatch.Missing)
		o.registry.Invalidate(tool.Name)
		return o.runSynthesis(ctx, sessionID, prompt, sessionContext, sink)
	}

	if o.reflector != nil && !errors.Is(err, types.ErrSandboxTimeout) {
		report, rerr := o.reflector.Reflect(ctx, tool.Name, err, "")
		if rerr == nil && report.FixSuccessful {
			repaired, gerr := o.registry.GetByName(tool.Name)
			if gerr == nil {
				if res, rexec := o.exec.Execute(ctx, sessionID, repaired, inputs); rexec == nil {
					return res.Output, nil
				}
			}
		}
	}
	return "", err
}

func (o *Orchestrator) runComposite(ctx context.Context, sessionID string, composite *types.Tool, prompt string, sink types.ProgressSink) (string, error) {
	sink.Emit("tool_found", map[string]any{"tool": composite.Name, "composite": true})
	result := o.composition.ExecuteComposite(ctx, sessionID, composite, prompt, sink)
	return workflowOutput(result)
}

func (o *Orchestrator) runPattern(ctx context.Context, sessionID string, pattern *types.WorkflowPattern, prompt string, sink types.ProgressSink) (string, error) {
	result := o.composition.ExecutePattern(ctx, sessionID, pattern, prompt, sink)
	return workflowOutput(result)
}

func (o *Orchestrator) runSequential(ctx context.Context, sessionID string, subtasks []string, sink types.ProgressSink) (string, error) {
	result := o.composition.ExecuteWorkflow(ctx, sessionID, subtasks, sink)
	return workflowOutput(result)
}

func (o *Orchestrator) runSynthesis(ctx context.Context, sessionID, prompt, sessionContext string, sink types.ProgressSink) (string, error) {
	tool, err := o.synth.Synthesize(ctx, prompt, sessionContext, sink)
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}
	inputs, err := o.buildInputs(ctx, tool, prompt)
	if err != nil {
		return "", err
	}
	res, err := o.exec.Execute(ctx, sessionID, tool, inputs)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// buildInputs extracts tool arguments from the prompt, falling back to the
// prompt itself when no generator is reachable.
func (o *Orchestrator) buildInputs(ctx context.Context, tool *types.Tool, prompt string) (map[string]any, error) {
	if o.gen == nil {
		return promptInputs(tool, prompt), nil
	}
	inputs, err := o.gen.ExtractArguments(ctx, tool, prompt)
	if err != nil {
		if errors.Is(err, types.ErrGeneratorUnavailable) {
			return promptInputs(tool, prompt), nil
		}
		return nil, err
	}
	return inputs, nil
}

func promptInputs(tool *types.Tool, prompt string) map[string]any {
	for _, p := range tool.Parameters {
		if p.Required {
			return map[string]any{p.Name: prompt}
		}
	}
	return map[string]any{"input": prompt}
}

// renderResponse asks the generator for a natural-language answer and falls
// back to the raw tool output when it cannot.
func (o *Orchestrator) renderResponse(ctx context.Context, prompt, raw string) string {
	if o.gen == nil {
		return raw
	}
	response, err := o.gen.SynthesizeResponse(ctx, prompt, raw)
	if err != nil || strings.TrimSpace(response) == "" {
		logging.OrchestratorDebug("Response synthesis unavailable, returning raw output")
		return raw
	}
	return response
}

// renderFailure turns an internal failure into something a person can read.
// Without a generator a static sentence carries the classified reason.
func (o *Orchestrator) renderFailure(ctx context.Context, prompt string, failure error) string {
	fallback := "I wasn't able to complete that request. " + describeFailure(failure)
	if o.gen == nil {
		return fallback
	}
	rendered, err := o.gen.SynthesizeResponse(ctx, prompt,
		fmt.Sprintf("The request could not be completed. Internal error: %v. Explain the problem to the user in one or two plain sentences.", failure))
	if err != nil || strings.TrimSpace(rendered) == "" {
		return fallback
	}
	return rendered
}

func describeFailure(err error) string {
	switch {
	case errors.Is(err, types.ErrSandboxTimeout):
		return "The tool ran past its time limit."
	case errors.Is(err, types.ErrGeneratorUnavailable):
		return "Code generation is currently unavailable, so no new tool could be built."
	case errors.Is(err, types.ErrToolNotFound):
		return "No registered tool matched the request."
	default:
		return "The selected tool failed while running."
	}
}

// mineSession flushes pending execution records and mines the session's
// sequence in the background: mining never holds up the response.
func (o *Orchestrator) mineSession(sessionID string) {
	if o.tracker == nil {
		return
	}
	o.mining.Add(1)
	go func() {
		defer o.mining.Done()
		o.tracker.Flush()
		if err := o.tracker.MineSession(sessionID); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("Pattern mining for %s failed: %v", sessionID, err)
		}
	}()
}

// Drain waits for in-flight background mining. Called on shutdown so the
// last session's patterns are not lost.
func (o *Orchestrator) Drain() {
	o.mining.Wait()
}

func workflowOutput(result *types.WorkflowResult) (string, error) {
	if result.Success {
		return result.FinalOutput, nil
	}
	if result.FailedStep >= 0 && result.FailedStep < len(result.Steps) {
		step := result.Steps[result.FailedStep]
		return "", fmt.Errorf("workflow failed at step %d (%s): %s", result.FailedStep+1, step.ToolName, step.Error)
	}
	return "", fmt.Errorf("workflow failed after %d steps", result.CompletedSteps)
}
