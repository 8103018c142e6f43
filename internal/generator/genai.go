package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"toolforge/internal/logging"
	"toolforge/internal/types"
)

// =============================================================================
// GOOGLE GENAI CODE GENERATOR
// =============================================================================

// Generation temperatures. Code and structured output run cold, test
// generation gets a little room, response synthesis runs warm.
const (
	tempSpec     float32 = 0.2
	tempTests    float32 = 0.3
	tempCode     float32 = 0.2
	tempExtract  float32 = 0.0
	tempAnalyze  float32 = 0.1
	tempResponse float32 = 0.7
)

// GenAIGenerator implements CodeGenerator on the Gemini API.
type GenAIGenerator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIGenerator creates a Gemini-backed code generator.
func NewGenAIGenerator(apiKey, model string, timeout time.Duration) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIGenerator{client: client, model: model, timeout: timeout}, nil
}

// generate runs one prompt with a client-side timeout and a single retry on
// transport failure.
func (g *GenAIGenerator) generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "generate")
	defer timer.StopWithThreshold(10 * time.Second)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			logging.API("Generator retry after transport error: %v", lastErr)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.client.Models.GenerateContent(callCtx,
			g.model,
			genai.Text(prompt),
			&genai.GenerateContentConfig{
				Temperature: genai.Ptr(temperature),
			},
		)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		text := resp.Text()
		if strings.TrimSpace(text) == "" {
			lastErr = fmt.Errorf("empty generation response")
			continue
		}
		logging.APIDebug("Generation succeeded: %d bytes", len(text))
		return text, nil
	}

	logging.APIError("Generator unavailable after retry: %v", lastErr)
	return "", fmt.Errorf("%w: %v", types.ErrGeneratorUnavailable, lastErr)
}

// GenerateSpec turns a capability request into a structured tool spec.
func (g *GenAIGenerator) GenerateSpec(ctx context.Context, request, sessionContext string) (*types.ToolSpec, error) {
	var b strings.Builder
	b.WriteString("You are designing a single reusable Go tool function.\n\n")
	if sessionContext != "" {
		b.WriteString("Conversation context:\n")
		b.WriteString(sessionContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Request: ")
	b.WriteString(request)
	b.WriteString("\n\nRespond with ONLY a JSON object:\n")
	b.WriteString(`{"function_name": "snake_case_name", "parameters": [{"name": "...", "type": "string|number|boolean", "description": "...", "required": true}], "return_type": "string", "docstring": "one-paragraph description of what the tool does"}`)
	b.WriteString("\nThe function name must be a valid identifier and describe the capability, not the request.")

	raw, err := g.generate(ctx, b.String(), tempSpec)
	if err != nil {
		return nil, err
	}

	var spec types.ToolSpec
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse generated spec: %w", err)
	}
	if spec.FunctionName == "" {
		return nil, fmt.Errorf("generated spec has no function name")
	}
	return &spec, nil
}

// GenerateTests writes check code for a spec before the implementation exists.
func (g *GenAIGenerator) GenerateTests(ctx context.Context, spec *types.ToolSpec) (string, error) {
	specJSON, _ := json.MarshalIndent(spec, "", "  ")

	prompt := fmt.Sprintf(`Write Go check code for a tool that does not exist yet.

Tool specification:
%s

The tool will be defined as: func RunTool(input string) (string, error)
The input is a JSON object whose keys are the parameter names.

Write ONLY Go code (no package clause, no explanations) defining:

    func RunChecks() error

RunChecks must call RunTool with representative JSON inputs, compare results
against expected values, and return a descriptive error on the first
mismatch. Cover the normal case and at least one edge case. Use only these
imports if needed: strings, strconv, fmt, math, encoding/json, sort.`, specJSON)

	raw, err := g.generate(ctx, prompt, tempTests)
	if err != nil {
		return "", err
	}
	return ExtractCode(raw), nil
}

// GenerateImplementation writes code satisfying the spec and tests.
func (g *GenAIGenerator) GenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests string) (string, error) {
	specJSON, _ := json.MarshalIndent(spec, "", "  ")

	prompt := fmt.Sprintf(`Implement a Go tool function.

Tool specification:
%s

It must pass these checks:
%s

Write ONLY Go code (no package clause, no explanations) defining:

    func RunTool(input string) (string, error)

The input is a JSON object whose keys are the parameter names. Parse it,
perform the operation, and return the result as a string. Use only these
imports if needed: strings, strconv, fmt, math, regexp, encoding/json,
encoding/base64, time, sort, bytes.`, specJSON, tests)

	raw, err := g.generate(ctx, prompt, tempCode)
	if err != nil {
		return "", err
	}
	return ExtractCode(raw), nil
}

// RegenerateImplementation retries after a verification failure.
func (g *GenAIGenerator) RegenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests, previousCode, failure string) (string, error) {
	specJSON, _ := json.MarshalIndent(spec, "", "  ")

	prompt := fmt.Sprintf(`A generated Go tool failed its checks. Fix it.

Tool specification:
%s

Checks it must pass:
%s

Previous implementation:
%s

Failure output:
%s

Write ONLY the corrected Go code (no package clause, no explanations)
defining func RunTool(input string) (string, error). Keep the same
input/output contract.`, specJSON, tests, previousCode, failure)

	raw, err := g.generate(ctx, prompt, tempCode)
	if err != nil {
		return "", err
	}
	return ExtractCode(raw), nil
}

// ExtractArguments maps a request onto a tool's parameter schema.
func (g *GenAIGenerator) ExtractArguments(ctx context.Context, tool *types.Tool, prompt string) (map[string]any, error) {
	schemaJSON, _ := json.MarshalIndent(tool.Parameters, "", "  ")

	p := fmt.Sprintf(`Extract arguments for the tool %q from the user request.

Tool description: %s
Parameter schema:
%s

User request: %s

Respond with ONLY a JSON object mapping every parameter name to its value.
Use null for any parameter whose value cannot be determined from the
request. Do not invent values.`, tool.Name, tool.Description, schemaJSON, prompt)

	raw, err := g.generate(ctx, p, tempExtract)
	if err != nil {
		return nil, err
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &args); err != nil {
		return nil, fmt.Errorf("failed to parse extracted arguments: %w", err)
	}
	return args, nil
}

// AnalyzeQuery classifies a request as simple or multi-step.
func (g *GenAIGenerator) AnalyzeQuery(ctx context.Context, query string, availableTools []string) (*QueryAnalysis, error) {
	p := fmt.Sprintf(`Classify this request as "simple" (one operation) or
"multi_step" (an ordered sequence of distinct operations).

Available tools: %s
Request: %s

Respond with ONLY a JSON object:
{"complexity": "simple"|"multi_step", "subtasks": ["..."], "reasoning": "..."}
For simple requests, subtasks must be empty. For multi_step requests, each
subtask must be a self-contained instruction in execution order.`,
		strings.Join(availableTools, ", "), query)

	raw, err := g.generate(ctx, p, tempAnalyze)
	if err != nil {
		return nil, err
	}

	var analysis QueryAnalysis
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &analysis); err != nil {
		return nil, fmt.Errorf("failed to parse query analysis: %w", err)
	}
	if analysis.Complexity != "multi_step" {
		analysis.Complexity = "simple"
		analysis.Subtasks = nil
	}
	return &analysis, nil
}

// SynthesizeResponse renders a tool result as a natural-language answer.
func (g *GenAIGenerator) SynthesizeResponse(ctx context.Context, prompt, result string) (string, error) {
	p := fmt.Sprintf(`The user asked: %s

A tool produced this result: %s

Write a concise, direct natural-language answer for the user based on the
result. Do not mention tools or internal mechanics.`, prompt, result)

	return g.generate(ctx, p, tempResponse)
}

// GenerateFix proposes repaired code and a minimal regression test.
func (g *GenAIGenerator) GenerateFix(ctx context.Context, tool *types.Tool, failureClass, failureDetail string) (*FixProposal, error) {
	p := fmt.Sprintf(`A Go tool failed in production and must be repaired.

Tool name: %s
Description: %s
Failure class: %s
Failure detail: %s

Current implementation:
%s

Current checks:
%s

Respond with ONLY a JSON object:
{"root_cause": "...", "code": "...", "regression_test": "..."}

"code" is the full corrected implementation of
func RunTool(input string) (string, error).
"regression_test" is ONE Go function, func RunRegression() error, that
reproduces the original failure and passes against the corrected code.
Keep the tool's input/output contract unchanged.`,
		tool.Name, tool.Description, failureClass, failureDetail, tool.Code, tool.TestCode)

	raw, err := g.generate(ctx, p, tempCode)
	if err != nil {
		return nil, err
	}

	var fix FixProposal
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &fix); err != nil {
		return nil, fmt.Errorf("failed to parse fix proposal: %w", err)
	}
	fix.Code = ExtractCode(fix.Code)
	fix.RegressionTest = ExtractCode(fix.RegressionTest)
	if strings.TrimSpace(fix.Code) == "" {
		return nil, fmt.Errorf("fix proposal contains no code")
	}
	return &fix, nil
}
