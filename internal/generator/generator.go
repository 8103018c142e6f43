// Package generator defines the code generation collaborator used by
// synthesis, planning, reflection, and response rendering. The backend is a
// black box that turns structured prompts into specs, Go code, tests, and
// natural language.
package generator

import (
	"context"

	"toolforge/internal/types"
)

// QueryAnalysis is the generator's structured assessment of a request.
type QueryAnalysis struct {
	Complexity string   `json:"complexity"` // "simple" or "multi_step"
	Subtasks   []string `json:"subtasks,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// FixProposal is the generator's repair suggestion for a failing tool.
type FixProposal struct {
	RootCause      string `json:"root_cause"`
	Code           string `json:"code"`
	RegressionTest string `json:"regression_test"`
}

// CodeGenerator produces tool specifications, tests, implementations, and
// natural-language text. Implementations must be safe for concurrent use.
type CodeGenerator interface {
	// GenerateSpec turns a capability request into a structured tool spec.
	GenerateSpec(ctx context.Context, request, sessionContext string) (*types.ToolSpec, error)

	// GenerateTests writes check code for a spec before any implementation
	// exists. The result defines func RunChecks() error.
	GenerateTests(ctx context.Context, spec *types.ToolSpec) (string, error)

	// GenerateImplementation writes code satisfying the spec and tests.
	// The result defines func RunTool(input string) (string, error).
	GenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests string) (string, error)

	// RegenerateImplementation retries after a verification failure,
	// feeding back the failing code and the sandbox output.
	RegenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests, previousCode, failure string) (string, error)

	// ExtractArguments maps a request onto a tool's parameter schema.
	// Parameters that cannot be derived from the request come back nil.
	ExtractArguments(ctx context.Context, tool *types.Tool, prompt string) (map[string]any, error)

	// AnalyzeQuery classifies a request as simple or multi-step and, for
	// multi-step requests, decomposes it into ordered subtasks.
	AnalyzeQuery(ctx context.Context, query string, availableTools []string) (*QueryAnalysis, error)

	// SynthesizeResponse renders a tool result as a natural-language answer.
	SynthesizeResponse(ctx context.Context, prompt, result string) (string, error)

	// GenerateFix proposes repaired code and a minimal regression test for a
	// classified failure.
	GenerateFix(ctx context.Context, tool *types.Tool, failureClass, failureDetail string) (*FixProposal, error)
}
