package reflection

import (
	"context"
	"errors"
	"testing"
	"time"

	"toolforge/internal/generator"
	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

const brokenReverse = `
func RunTool(input string) (string, error) {
	return input, nil
}`

const fixedReverse = `
func RunTool(input string) (string, error) {
	runes := []rune(input)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}`

const reverseChecks = `
import "fmt"

func RunChecks() error {
	out, err := RunTool("abc")
	if err != nil {
		return err
	}
	if out != "cba" {
		return fmt.Errorf("RunTool(abc) = %q, want cba", out)
	}
	return nil
}`

const reverseRegression = `
import "fmt"

func RunRegression() error {
	out, err := RunTool("ab")
	if err != nil {
		return err
	}
	if out != "ba" {
		return fmt.Errorf("RunTool(ab) = %q, want ba", out)
	}
	return nil
}`

// fixerGenerator only implements GenerateFix meaningfully; the rest of the
// interface is unreachable from the repair loop.
type fixerGenerator struct {
	fix *generator.FixProposal
	err error
}

func (g *fixerGenerator) GenerateFix(ctx context.Context, tool *types.Tool, failureClass, failureDetail string) (*generator.FixProposal, error) {
	return g.fix, g.err
}

func (g *fixerGenerator) GenerateSpec(ctx context.Context, request, sessionContext string) (*types.ToolSpec, error) {
	return nil, errors.New("not implemented")
}

func (g *fixerGenerator) GenerateTests(ctx context.Context, spec *types.ToolSpec) (string, error) {
	return "", errors.New("not implemented")
}

func (g *fixerGenerator) GenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests string) (string, error) {
	return "", errors.New("not implemented")
}

func (g *fixerGenerator) RegenerateImplementation(ctx context.Context, spec *types.ToolSpec, tests, previousCode, failure string) (string, error) {
	return "", errors.New("not implemented")
}

func (g *fixerGenerator) ExtractArguments(ctx context.Context, tool *types.Tool, prompt string) (map[string]any, error) {
	return nil, errors.New("not implemented")
}

func (g *fixerGenerator) AnalyzeQuery(ctx context.Context, query string, availableTools []string) (*generator.QueryAnalysis, error) {
	return nil, errors.New("not implemented")
}

func (g *fixerGenerator) SynthesizeResponse(ctx context.Context, prompt, result string) (string, error) {
	return "", errors.New("not implemented")
}

func newTestReflector(t *testing.T, gen generator.CodeGenerator) (*Engine, *store.LocalStore, *registry.Registry) {
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
	return New(db, reg, gen, sandbox.New(10*time.Second), nil), db, reg
}

func registerBroken(t *testing.T, reg *registry.Registry) {
	t.Helper()
	tool := &types.Tool{
		Name:        "reverse_string",
		Description: "Reverses a string",
		Parameters:  []types.ToolParameter{{Name: "input", Type: "string", Required: true}},
		ReturnType:  "string",
		Code:        brokenReverse,
		TestCode:    reverseChecks,
		Version:     1,
	}
	if err := reg.Register(context.Background(), tool); err != nil {
		t.Fatalf("Failed to register tool: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		detail string
		want   types.FailureClass
	}{
		{"sentinel timeout", types.ErrSandboxTimeout, "", types.FailureTimeout},
		{"wrapped sentinel", &types.ExecutionError{ToolName: "x", Err: types.ErrSandboxTimeout}, "", types.FailureTimeout},
		{"textual timeout", nil, "operation timed out after 30s", types.FailureTimeout},
		{"deadline", nil, "context deadline exceeded", types.FailureTimeout},
		{"syntax", nil, "5:2: expected ';', found 'return'", types.FailureSyntax},
		{"undefined", nil, "undefined: strjoin", types.FailureSyntax},
		{"runtime panic", nil, "panic: runtime error: index out of range [3]", types.FailureRuntime},
		{"nil deref", nil, "invalid memory address or nil pointer dereference", types.FailureRuntime},
		{"blocked import", nil, `import "os/exec" not allowed in sandbox`, types.FailureDependency},
		{"logic fallback", nil, "expected 42, got 41", types.FailureLogic},
		{"empty", nil, "", types.FailureLogic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err, tt.detail); got != tt.want {
				t.Errorf("Classify(%v, %q) = %s, want %s", tt.err, tt.detail, got, tt.want)
			}
		})
	}
}

func TestReflectRepairsTool(t *testing.T) {
	gen := &fixerGenerator{fix: &generator.FixProposal{
		RootCause:      "implementation returned its input unreversed",
		Code:           fixedReverse,
		RegressionTest: reverseRegression,
	}}
	engine, db, reg := newTestReflector(t, gen)
	registerBroken(t, reg)

	report, err := engine.Reflect(context.Background(), "reverse_string", nil, "RunTool(abc) = \"abc\", want cba")
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}
	if !report.FixApplied || !report.FixSuccessful {
		t.Fatalf("FixApplied=%v FixSuccessful=%v, want both true", report.FixApplied, report.FixSuccessful)
	}
	if report.OldVersion != 1 || report.NewVersion != 2 {
		t.Errorf("Versions %d -> %d, want 1 -> 2", report.OldVersion, report.NewVersion)
	}

	updated, err := reg.GetByName("reverse_string")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Current version = %d, want 2", updated.Version)
	}
	if updated.Code != fixedReverse {
		t.Error("Repaired code not installed")
	}

	// The broken version stays retrievable.
	v1, err := db.GetToolVersion("reverse_string", 1)
	if err != nil {
		t.Fatalf("GetToolVersion(1) failed: %v", err)
	}
	if v1.Code != brokenReverse {
		t.Error("Version 1 code was rewritten")
	}

	history, err := db.ListReflections("reverse_string")
	if err != nil {
		t.Fatalf("ListReflections failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Reflection history length = %d, want 1", len(history))
	}
	if history[0].FailureClass != types.FailureLogic {
		t.Errorf("FailureClass = %s, want logic", history[0].FailureClass)
	}
}

func TestReflectRejectsUnverifiedFix(t *testing.T) {
	// The "fix" is the same broken code, so the original checks fail again.
	gen := &fixerGenerator{fix: &generator.FixProposal{
		RootCause: "misdiagnosis",
		Code:      brokenReverse,
	}}
	engine, db, reg := newTestReflector(t, gen)
	registerBroken(t, reg)

	report, err := engine.Reflect(context.Background(), "reverse_string", nil, "RunTool(abc) = \"abc\", want cba")
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}
	if !report.FixApplied {
		t.Error("FixApplied should be true when a fix was attempted")
	}
	if report.FixSuccessful {
		t.Error("A fix that fails verification must not be marked successful")
	}

	// Tool stays on v1 with the original code.
	tool, err := reg.GetByName("reverse_string")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if tool.Version != 1 || tool.Code != brokenReverse {
		t.Errorf("Tool was modified despite failed verification (v%d)", tool.Version)
	}

	history, _ := db.ListReflections("reverse_string")
	if len(history) != 1 {
		t.Errorf("Failed repairs must still be recorded, got %d reports", len(history))
	}
}

func TestReflectWithoutGenerator(t *testing.T) {
	engine, db, reg := newTestReflector(t, nil)
	registerBroken(t, reg)

	report, err := engine.Reflect(context.Background(), "reverse_string", nil, "some failure")
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}
	if report.FixApplied {
		t.Error("No fix can be applied without a generator")
	}

	history, _ := db.ListReflections("reverse_string")
	if len(history) != 1 {
		t.Errorf("Report not persisted, got %d", len(history))
	}
}

func TestReflectUnknownTool(t *testing.T) {
	engine, _, _ := newTestReflector(t, nil)

	report, err := engine.Reflect(context.Background(), "ghost", nil, "whatever")
	if err == nil {
		t.Fatal("Expected an error for an unregistered tool")
	}
	if report == nil || report.ToolName != "ghost" {
		t.Error("Report should still describe the failure")
	}
}
