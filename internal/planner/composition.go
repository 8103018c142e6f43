package planner

import (
	"context"
	"errors"
	"fmt"

	"toolforge/internal/executor"
	"toolforge/internal/generator"
	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/skillgraph"
	"toolforge/internal/synthesis"
	"toolforge/internal/types"
)

// =============================================================================
// COMPOSITION PLANNER
// =============================================================================

// successorWeightFloor is the minimum edge weight before an observed
// transition is allowed to override retrieval order.
const successorWeightFloor = 0.5

// CompositionPlanner executes multi-step strategies: ad-hoc subtask
// sequences with inline synthesis, mined patterns, and promoted composites.
type CompositionPlanner struct {
	registry *registry.Registry
	exec     *executor.Executor
	synth    *synthesis.Engine
	gen      generator.CodeGenerator
	graph    *skillgraph.Graph
	policies *policy.Store
}

// NewCompositionPlanner creates a composition planner. graph may be nil;
// edge metrics are then skipped.
func NewCompositionPlanner(reg *registry.Registry, exec *executor.Executor, synth *synthesis.Engine, gen generator.CodeGenerator, graph *skillgraph.Graph, policies *policy.Store) *CompositionPlanner {
	return &CompositionPlanner{
		registry: reg, exec: exec, synth: synth, gen: gen, graph: graph, policies: policies,
	}
}

// ExecuteWorkflow runs subtasks in order. A subtask with no matching tool
// triggers inline synthesis; a failed step gets one retry (possibly after
// synthesizing a replacement). On a terminal step failure the result still
// carries every completed step, the failure is never silent and never
// partially hidden.
func (cp *CompositionPlanner) ExecuteWorkflow(ctx context.Context, sessionID string, subtasks []string, sink types.ProgressSink) *types.WorkflowResult {
	timer := logging.StartTimer(logging.CategoryWorkflow, "ExecuteWorkflow")
	defer timer.StopWithInfo()

	result := &types.WorkflowResult{FailedStep: -1}
	var prevTool string
	carry := ""

	for i, subtask := range subtasks {
		sink.Emit("workflow_step", map[string]any{"step": i, "subtask": subtask, "status": "started"})

		step := cp.runSubtask(ctx, sessionID, subtask, carry, prevTool, sink)
		result.Steps = append(result.Steps, *step)

		if cp.graph != nil && prevTool != "" && step.ToolName != "" {
			quality := 0.0
			if step.Success {
				quality = 1.0
			}
			if err := cp.graph.ObserveEdge(prevTool, step.ToolName, quality, quality); err != nil {
				logging.Get(logging.CategoryWorkflow).Warn("Edge observation failed: %v", err)
			}
		}

		if !step.Success {
			result.FailedStep = i
			result.CompletedSteps = i
			sink.Emit("workflow_step", map[string]any{"step": i, "status": "failed", "error": step.Error})
			logging.Workflow("Workflow failed at step %d/%d: %s", i+1, len(subtasks), step.Error)
			return result
		}

		carry = step.Output
		prevTool = step.ToolName
		sink.Emit("workflow_step", map[string]any{"step": i, "status": "completed", "tool": step.ToolName})
	}

	result.Success = true
	result.CompletedSteps = len(subtasks)
	result.FinalOutput = carry
	return result
}

// runSubtask resolves and executes one subtask, synthesizing a tool inline
// when retrieval comes up empty and retrying once on failure.
func (cp *CompositionPlanner) runSubtask(ctx context.Context, sessionID, subtask, carry, prevTool string, sink types.ProgressSink) *types.StepResult {
	step := &types.StepResult{Input: subtask}

	tool, synthesized, err := cp.resolveTool(ctx, sessionID, subtask, prevTool, sink)
	if err != nil {
		step.Error = err.Error()
		return step
	}
	step.ToolName = tool.Name
	step.Synthesized = synthesized

	inputs, err := cp.buildInputs(ctx, tool, subtask, carry)
	if err != nil {
		step.Error = err.Error()
		return step
	}

	res, err := cp.exec.Execute(ctx, sessionID, tool, inputs)
	if err == nil {
		step.Success = true
		step.Output = res.Output
		return step
	}

	// One bounded retry. A timeout is fatal to the attempt; anything else
	// gets a second chance, synthesizing a fresh tool if the failure looks
	// like a stale registration.
	maxRetries := int(cp.policies.Value(policy.PolicyCostLimits).Float("max_workflow_retries", 1))
	if errors.Is(err, types.ErrSandboxTimeout) || maxRetries < 1 {
		step.Error = err.Error()
		return step
	}

	logging.Workflow("Step failed (%v), retrying once", err)
	var argErr *types.ArgumentMismatchError
	if errors.As(err, &argErr) {
		_ = cp.registry.Invalidate(tool.Name)
		tool, err = cp.synth.Synthesize(ctx, subtask, "", sink)
		if err != nil {
			step.Error = err.Error()
			return step
		}
		step.ToolName = tool.Name
		step.Synthesized = true
		inputs, err = cp.buildInputs(ctx, tool, subtask, carry)
		if err != nil {
			step.Error = err.Error()
			return step
		}
	}

	res, err = cp.exec.Execute(ctx, sessionID, tool, inputs)
	if err != nil {
		step.Error = err.Error()
		return step
	}
	step.Success = true
	step.Output = res.Output
	return step
}

// resolveTool finds a tool for a subtask or synthesizes one inline. When
// several candidates clear the threshold, observed transition weights from
// the previous step's tool break the tie.
func (cp *CompositionPlanner) resolveTool(ctx context.Context, sessionID, subtask, prevTool string, sink types.ProgressSink) (*types.Tool, bool, error) {
	singleThreshold := cp.policies.ValueFor(policy.PolicyRetrievalThreshold, sessionID).Float("single_tool_threshold", 0.6)

	matches, err := cp.registry.Search(ctx, subtask, 3)
	if err != nil {
		return nil, false, err
	}
	var qualified []*types.Tool
	for _, m := range matches {
		if !m.Tool.IsComposite() && m.Similarity >= singleThreshold {
			qualified = append(qualified, m.Tool)
		}
	}
	if len(qualified) > 0 {
		return cp.pickSuccessor(prevTool, qualified), false, nil
	}

	sink.Emit("workflow_synthesis", map[string]any{"subtask": subtask})
	tool, err := cp.synth.Synthesize(ctx, subtask, "", sink)
	if err != nil {
		return nil, false, fmt.Errorf("no tool for subtask and synthesis failed: %w", err)
	}
	return tool, true, nil
}

// pickSuccessor chooses among retrieval-qualified candidates using the
// skill graph: the heaviest observed edge from the previous step's tool
// wins, otherwise retrieval order stands.
func (cp *CompositionPlanner) pickSuccessor(prevTool string, candidates []*types.Tool) *types.Tool {
	if cp.graph == nil || prevTool == "" || len(candidates) < 2 {
		return candidates[0]
	}
	edges, err := cp.graph.Neighbors(prevTool, successorWeightFloor)
	if err != nil || len(edges) == 0 {
		return candidates[0]
	}
	for _, e := range edges {
		for _, c := range candidates {
			if c.Name == e.ToTool {
				logging.Workflow("Successor bias: %s -> %s (weight %.2f)", prevTool, c.Name, e.Weight)
				return c
			}
		}
	}
	return candidates[0]
}

// buildInputs derives a tool's arguments from the subtask text, feeding the
// previous step's output through when the schema asks for an input the text
// does not provide.
func (cp *CompositionPlanner) buildInputs(ctx context.Context, tool *types.Tool, subtask, carry string) (map[string]any, error) {
	prompt := subtask
	if carry != "" {
		prompt = fmt.Sprintf("%s\n\nOutput of the previous step:\n%s", subtask, carry)
	}

	if cp.gen == nil || len(tool.Parameters) == 0 {
		return fallbackInputs(tool, prompt), nil
	}

	inputs, err := cp.gen.ExtractArguments(ctx, tool, prompt)
	if err != nil {
		logging.Get(logging.CategoryWorkflow).Warn("Argument extraction failed, using raw input: %v", err)
		return fallbackInputs(tool, prompt), nil
	}

	// A missing required argument may simply be the carried value.
	for _, p := range tool.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := inputs[p.Name]; !ok || v == nil {
			if carry != "" {
				inputs[p.Name] = carry
				carry = "" // only feeds one hole
			}
		}
	}
	return inputs, nil
}

// fallbackInputs maps the whole prompt onto the first required parameter.
func fallbackInputs(tool *types.Tool, prompt string) map[string]any {
	inputs := map[string]any{}
	for _, p := range tool.Parameters {
		if p.Required {
			inputs[p.Name] = prompt
			break
		}
	}
	if len(inputs) == 0 {
		inputs["input"] = prompt
	}
	return inputs
}

// =============================================================================
// PATTERN AND COMPOSITE EXECUTION
// =============================================================================

// ExecutePattern runs a mined pattern's tools strictly in recorded order.
// No reordering, no skipping: the pattern's value is its proven sequence.
func (cp *CompositionPlanner) ExecutePattern(ctx context.Context, sessionID string, pattern *types.WorkflowPattern, request string, sink types.ProgressSink) *types.WorkflowResult {
	result := &types.WorkflowResult{FailedStep: -1}
	carry := request

	for i, toolName := range pattern.ToolSequence {
		sink.Emit("workflow_step", map[string]any{"step": i, "tool": toolName, "status": "started"})

		step := types.StepResult{ToolName: toolName, Input: carry}
		tool, err := cp.registry.GetByName(toolName)
		if err != nil {
			step.Error = fmt.Sprintf("pattern tool %s unavailable: %v", toolName, err)
			result.Steps = append(result.Steps, step)
			result.FailedStep = i
			result.CompletedSteps = i
			return result
		}

		inputs, err := cp.buildInputs(ctx, tool, carry, "")
		if err != nil {
			step.Error = err.Error()
			result.Steps = append(result.Steps, step)
			result.FailedStep = i
			result.CompletedSteps = i
			return result
		}

		res, err := cp.exec.Execute(ctx, sessionID, tool, inputs)
		if err != nil {
			step.Error = err.Error()
			result.Steps = append(result.Steps, step)
			result.FailedStep = i
			result.CompletedSteps = i
			sink.Emit("workflow_step", map[string]any{"step": i, "status": "failed", "error": step.Error})
			return result
		}

		step.Success = true
		step.Output = res.Output
		result.Steps = append(result.Steps, step)
		carry = res.Output
		sink.Emit("workflow_step", map[string]any{"step": i, "status": "completed"})
	}

	result.Success = true
	result.CompletedSteps = len(pattern.ToolSequence)
	result.FinalOutput = carry
	return result
}

// ExecuteComposite runs a promoted composite by chaining its component
// tools, first component gets the request, each subsequent one the previous
// output.
func (cp *CompositionPlanner) ExecuteComposite(ctx context.Context, sessionID string, composite *types.Tool, request string, sink types.ProgressSink) *types.WorkflowResult {
	pattern := &types.WorkflowPattern{ToolSequence: composite.ComponentTools}
	result := cp.ExecutePattern(ctx, sessionID, pattern, request, sink)

	// The composite itself gets credit so its stats reflect real use.
	if err := cp.registry.RecordExecution(composite.Name, result.Success); err != nil {
		logging.Get(logging.CategoryWorkflow).Warn("Failed to record composite usage: %v", err)
	}
	return result
}

// =============================================================================
// PROMOTION PREDICATE
// =============================================================================

// ShouldCreateComposite is the pure promotion predicate: at least two tools,
// observed at least minFrequency times, with at least minSuccessRate. All
// three bounds are inclusive.
func ShouldCreateComposite(p *types.WorkflowPattern, minFrequency int, minSuccessRate float64) bool {
	if p == nil {
		return false
	}
	return len(p.ToolSequence) >= 2 &&
		p.Frequency >= minFrequency &&
		p.SuccessRate >= minSuccessRate
}
