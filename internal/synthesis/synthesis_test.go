package synthesis

import (
	"context"
	"strings"
	"testing"
	"time"

	"toolforge/internal/generator"
	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

const workingCode = `
import "strings"

func RunTool(input string) (string, error) {
	return strings.ToUpper(input), nil
}`

const brokenCode = `
import "strings"

func RunTool(input string) (string, error) {
	return strings.ToLower(input), nil
}`

const checkCode = `
import "fmt"

func RunChecks() error {
	out, err := RunTool("abc")
	if err != nil {
		return err
	}
	if out != "ABC" {
		return fmt.Errorf("RunTool(abc) = %q, want ABC", out)
	}
	return nil
}`

// scriptedGenerator returns canned artifacts and counts regeneration calls.
type scriptedGenerator struct {
	implementation  string
	regenerated     string
	regenerateCalls int
}

func (g *scriptedGenerator) GenerateSpec(ctx context.Context, request, sessionContext string) (*types.ToolSpec, error) {
	return &types.ToolSpec{
		FunctionName: "upper_case",
		Parameters:   []types.ToolParameter{{Name: "input", Type: "string", Required: true}},
		ReturnType:   "string",
		Docstring:    "Uppercases the input text",
	}, nil
}

func (g *scriptedGenerator) GenerateTests(ctx context.Context, spec *types.ToolSpec) (string, error) {
	return checkCode, nil
}

func (g *scriptedGenerator) GenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests string) (string, error) {
	return g.implementation, nil
}

func (g *scriptedGenerator) RegenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests, previousCode, failure string) (string, error) {
	g.regenerateCalls++
	return g.regenerated, nil
}

func (g *scriptedGenerator) ExtractArguments(ctx context.Context, tool *types.Tool, prompt string) (map[string]any, error) {
	return map[string]any{"input": prompt}, nil
}

func (g *scriptedGenerator) AnalyzeQuery(ctx context.Context, query string, availableTools []string) (*generator.QueryAnalysis, error) {
	return &generator.QueryAnalysis{Complexity: "simple"}, nil
}

func (g *scriptedGenerator) SynthesizeResponse(ctx context.Context, prompt, result string) (string, error) {
	return result, nil
}

func (g *scriptedGenerator) GenerateFix(ctx context.Context, tool *types.Tool, failureClass, failureDetail string) (*generator.FixProposal, error) {
	return &generator.FixProposal{Code: g.regenerated}, nil
}

func newTestEngine(t *testing.T, gen generator.CodeGenerator) (*Engine, *registry.Registry) {
	t.Helper()
	db, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	policies, err := policy.NewStore(db)
	if err != nil {
		t.Fatalf("Failed to create policy store: %v", err)
	}
	reg := registry.New(db, nil, policies, t.TempDir())
	return New(gen, sandbox.New(10*time.Second), reg, policies), reg
}

func TestSynthesizeFirstTry(t *testing.T) {
	gen := &scriptedGenerator{implementation: workingCode}
	engine, reg := newTestEngine(t, gen)

	var events []string
	sink := func(event string, data map[string]any) {
		if event == "synthesis_step" {
			if status, _ := data["status"].(string); status == "completed" {
				events = append(events, data["step"].(string))
			}
		}
	}

	tool, err := engine.Synthesize(context.Background(), "uppercase some text", "", sink)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if tool.Name != "upper_case" {
		t.Errorf("Tool name = %s", tool.Name)
	}
	if tool.Experimental {
		t.Error("Verified tool must not be experimental")
	}
	if gen.regenerateCalls != 0 {
		t.Errorf("Regenerated %d times on a passing build", gen.regenerateCalls)
	}

	want := []string{StepSpecification, StepTests, StepImplementation, StepVerification, StepRegistration}
	if len(events) != len(want) {
		t.Fatalf("Pipeline events = %v", events)
	}
	for i, step := range want {
		if events[i] != step {
			t.Errorf("events[%d] = %s, want %s", i, events[i], step)
		}
	}

	if _, err := reg.GetByName("upper_case"); err != nil {
		t.Errorf("Synthesized tool not registered: %v", err)
	}
}

func TestSynthesizeRetriesOnceThenPasses(t *testing.T) {
	gen := &scriptedGenerator{implementation: brokenCode, regenerated: workingCode}
	engine, _ := newTestEngine(t, gen)

	tool, err := engine.Synthesize(context.Background(), "uppercase some text", "", nil)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if gen.regenerateCalls != 1 {
		t.Errorf("Regenerate calls = %d, want 1", gen.regenerateCalls)
	}
	if tool.Experimental {
		t.Error("Tool passed on retry; must not be experimental")
	}
	if tool.Code != workingCode {
		t.Error("Registered code is not the regenerated implementation")
	}
}

func TestSynthesizeRegistersExperimentalAfterRetryFails(t *testing.T) {
	gen := &scriptedGenerator{implementation: brokenCode, regenerated: brokenCode}
	engine, reg := newTestEngine(t, gen)

	tool, err := engine.Synthesize(context.Background(), "uppercase some text", "", nil)
	if err != nil {
		t.Fatalf("Synthesize should still register, got error: %v", err)
	}
	if gen.regenerateCalls != 1 {
		t.Errorf("Regenerate calls = %d, want exactly 1", gen.regenerateCalls)
	}
	if !tool.Experimental {
		t.Error("Unverified tool must be experimental")
	}

	stored, err := reg.GetByName("upper_case")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if !stored.Experimental {
		t.Error("Experimental flag not persisted")
	}
}

func TestSynthesizeCollidingNameGetsFreshName(t *testing.T) {
	gen := &scriptedGenerator{implementation: workingCode}
	engine, reg := newTestEngine(t, gen)

	existing := &types.Tool{
		Name:        "upper_case",
		Description: "Already here",
		Code:        "func RunTool(input string) (string, error) { return \"kept\", nil }",
	}
	if err := reg.Register(context.Background(), existing); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tool, err := engine.Synthesize(context.Background(), "uppercase text", "", nil)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if tool.Name == "upper_case" {
		t.Fatal("Colliding synthesis reused the existing name")
	}
	if !strings.HasPrefix(tool.Name, "upper_case_") {
		t.Errorf("Fresh name = %q, want upper_case_ prefix", tool.Name)
	}

	kept, err := reg.GetByName("upper_case")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if kept.Code != existing.Code {
		t.Error("Existing tool was overwritten by colliding synthesis")
	}
}
