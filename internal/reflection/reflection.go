// Package reflection diagnoses tool failures and attempts verified
// self-repair. A fix only ships when it passes both the tool's original
// checks and a fresh regression check in the sandbox; otherwise the
// current version stays untouched.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/generator"
	"toolforge/internal/logging"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/skillgraph"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

// Engine classifies failures and drives the repair loop.
type Engine struct {
	db       *store.LocalStore
	registry *registry.Registry
	gen      generator.CodeGenerator
	sandbox  *sandbox.Sandbox
	cache    *skillgraph.Cache
}

// New creates a reflection engine. The cache may be nil.
func New(db *store.LocalStore, reg *registry.Registry, gen generator.CodeGenerator, sb *sandbox.Sandbox, cache *skillgraph.Cache) *Engine {
	return &Engine{db: db, registry: reg, gen: gen, sandbox: sb, cache: cache}
}

var (
	syntaxPat     = regexp.MustCompile(`(?i)(syntax error|expected .+, found|unexpected token|undefined:|undeclared name|cannot use .+ as|missing return)`)
	runtimePat    = regexp.MustCompile(`(?i)(panic|nil pointer|index out of range|slice bounds|division by zero|runtime error|invalid memory address)`)
	dependencyPat = regexp.MustCompile(`(?i)(import .+ (not allowed|blocked|denied)|unknown import|cannot find package|package .+ is not)`)
)

// Classify maps raw failure text to a failure class. Timeouts are detected
// from the sentinel first so wrapped messages cannot shadow them.
func Classify(err error, detail string) types.FailureClass {
	if errors.Is(err, types.ErrSandboxTimeout) {
		return types.FailureTimeout
	}
	text := detail
	if err != nil {
		text = err.Error() + " " + detail
	}
	switch {
	case strings.Contains(strings.ToLower(text), "timed out") || strings.Contains(strings.ToLower(text), "deadline exceeded"):
		return types.FailureTimeout
	case dependencyPat.MatchString(text):
		return types.FailureDependency
	case syntaxPat.MatchString(text):
		return types.FailureSyntax
	case runtimePat.MatchString(text):
		return types.FailureRuntime
	default:
		return types.FailureLogic
	}
}

// Reflect analyzes one failure and, when a generator is available, attempts
// a verified fix. The returned report is always persisted.
func (e *Engine) Reflect(ctx context.Context, toolName string, failure error, detail string) (*types.ReflectionReport, error) {
	class := Classify(failure, detail)
	report := &types.ReflectionReport{
		ID:            uuid.NewString(),
		ToolName:      toolName,
		FailureClass:  class,
		FailureDetail: detail,
		CreatedAt:     time.Now().UTC(),
	}
	if failure != nil && report.FailureDetail == "" {
		report.FailureDetail = failure.Error()
	}

	logging.Reflection("Reflecting on %s failure: class=%s", toolName, class)

	tool, err := e.registry.GetByName(toolName)
	if err != nil {
		report.RootCause = "tool no longer registered"
		e.save(report)
		return report, err
	}
	report.OldVersion = tool.Version

	if e.gen == nil {
		report.RootCause = "no generator available for repair"
		e.save(report)
		return report, nil
	}

	fix, err := e.gen.GenerateFix(ctx, tool, string(class), report.FailureDetail)
	if err != nil {
		report.RootCause = fmt.Sprintf("fix generation failed: %v", err)
		e.save(report)
		return report, err
	}
	report.RootCause = fix.RootCause
	report.FixApplied = true

	if verr := e.verifyFix(ctx, tool, fix); verr != nil {
		logging.Reflection("Fix for %s rejected: %v", toolName, verr)
		report.FixSuccessful = false
		e.save(report)
		return report, nil
	}

	updated, err := e.registry.BumpVersion(ctx, tool, fix.Code, mergeChecks(tool.TestCode, fix.RegressionTest),
		fmt.Sprintf("self-repair after %s failure", class))
	if err != nil {
		report.FixSuccessful = false
		e.save(report)
		return report, err
	}
	if e.cache != nil {
		e.cache.InvalidateTool(toolName)
	}

	report.FixSuccessful = true
	report.NewVersion = updated.Version
	logging.Reflection("Repaired %s: v%d -> v%d", toolName, report.OldVersion, report.NewVersion)
	e.save(report)
	return report, nil
}

// verifyFix runs the proposed code against the original checks plus the new
// regression check in one sandbox pass.
func (e *Engine) verifyFix(ctx context.Context, tool *types.Tool, fix *generator.FixProposal) error {
	if fix.Code == "" {
		return fmt.Errorf("empty fix")
	}
	sources := []string{fix.Code}
	checks := []string{}
	if tool.TestCode != "" {
		sources = append(sources, tool.TestCode)
		checks = append(checks, "RunChecks")
	}
	if fix.RegressionTest != "" {
		sources = append(sources, fix.RegressionTest)
		checks = append(checks, "RunRegression")
	}
	if len(checks) == 0 {
		return fmt.Errorf("no checks to verify fix against")
	}

	result := e.sandbox.Verify(ctx, sources, checks)
	if !result.Passed() {
		return fmt.Errorf("verification verdict %s: %s", result.Verdict, firstLine(result.Output))
	}
	return nil
}

func (e *Engine) save(report *types.ReflectionReport) {
	if err := e.db.SaveReflection(report); err != nil {
		logging.Get(logging.CategoryReflection).Warn("Failed to save reflection: %v", err)
	}
}

func mergeChecks(existing, regression string) string {
	if regression == "" {
		return existing
	}
	if existing == "" {
		return regression
	}
	return existing + "\n\n" + regression
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
