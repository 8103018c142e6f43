// Package composite promotes proven workflow patterns into first-class
// composite tools. Promotion is deterministic and idempotent: the same
// pattern always yields the same tool name, and promoting twice is a no-op.
package composite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"toolforge/internal/logging"
	"toolforge/internal/planner"
	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

// Synthesizer scans mined patterns and promotes qualifying ones.
type Synthesizer struct {
	db       *store.LocalStore
	registry *registry.Registry
	policies *policy.Store
	sandbox  *sandbox.Sandbox
}

// New creates a composite synthesizer.
func New(db *store.LocalStore, reg *registry.Registry, policies *policy.Store, sb *sandbox.Sandbox) *Synthesizer {
	return &Synthesizer{db: db, registry: reg, policies: policies, sandbox: sb}
}

// CompositeName derives the deterministic tool name for a sequence. A short
// hash suffix keeps distinct sequences with shared prefixes apart without
// unbounded name growth.
func CompositeName(sequence []string) string {
	h := sha256.Sum256([]byte(strings.Join(sequence, ">")))
	base := strings.Join(sequence, "_then_")
	if len(base) > 48 {
		base = base[:48]
	}
	return "composite_" + base + "_" + hex.EncodeToString(h[:4])
}

// ScanForCandidates returns unpromoted patterns meeting the policy criteria.
func (s *Synthesizer) ScanForCandidates() ([]*types.WorkflowPattern, error) {
	criteria := s.policies.Value(policy.PolicyCompositeCriteria)
	minFreq := int(criteria.Float("min_frequency", 3))
	minSuccess := criteria.Float("min_success_rate", 0.8)
	minConfidence := criteria.Float("min_confidence", 0.7)

	patterns, err := s.db.ListPatterns(minConfidence)
	if err != nil {
		return nil, err
	}

	var candidates []*types.WorkflowPattern
	for _, p := range patterns {
		if p.Promoted {
			continue
		}
		if planner.ShouldCreateComposite(p, minFreq, minSuccess) {
			candidates = append(candidates, p)
		}
	}
	logging.Composite("Promotion scan: %d candidates of %d patterns", len(candidates), len(patterns))
	return candidates, nil
}

// Promote turns one pattern into a composite tool. If the tool already
// exists the pattern is simply marked promoted and the existing tool is
// returned; re-promotion never duplicates.
func (s *Synthesizer) Promote(ctx context.Context, pattern *types.WorkflowPattern) (*types.Tool, error) {
	if len(pattern.ToolSequence) < 2 {
		return nil, fmt.Errorf("pattern %v too short to promote", pattern.ToolSequence)
	}

	name := CompositeName(pattern.ToolSequence)

	if existing, err := s.registry.GetByName(name); err == nil {
		if err := s.db.MarkPatternPromoted(pattern.ID); err != nil {
			logging.Get(logging.CategoryComposite).Warn("Failed to mark pattern promoted: %v", err)
		}
		logging.Composite("Pattern already promoted as %s", name)
		return existing, nil
	} else if !errors.Is(err, types.ErrToolNotFound) {
		return nil, err
	}

	// The composite's schema and description come from its components; its
	// implementation chains their code into one program.
	components := make([]*types.Tool, 0, len(pattern.ToolSequence))
	descriptions := make([]string, 0, len(pattern.ToolSequence))
	for _, componentName := range pattern.ToolSequence {
		component, err := s.registry.GetByName(componentName)
		if err != nil {
			return nil, fmt.Errorf("component %s unavailable: %w", componentName, err)
		}
		components = append(components, component)
		descriptions = append(descriptions, component.Description)
	}

	code := buildCompositeCode(components)
	tests := buildCompositeChecks(firstRequiredParam(components[0]))

	// The composed program goes through the same sandbox gate as any
	// synthesized tool. A failing check does not block promotion but the
	// result is flagged until it proves itself.
	experimental := false
	if s.sandbox != nil {
		result := s.sandbox.Verify(ctx, []string{code, tests}, nil)
		if !result.Passed() {
			experimental = true
			logging.Get(logging.CategoryComposite).Warn("Composite %s failed verification (%s), registering as experimental", name, result.Verdict)
		}
	}

	templateJSON, _ := json.Marshal(pattern.ToolSequence)
	tool := &types.Tool{
		Name:             name,
		Description:      "Composite workflow: " + strings.Join(descriptions, " Then: "),
		Parameters:       components[0].Parameters,
		ReturnType:       "string",
		Code:             code,
		TestCode:         tests,
		Version:          1,
		Experimental:     experimental,
		ComponentTools:   pattern.ToolSequence,
		WorkflowTemplate: string(templateJSON),
	}

	if err := s.registry.Register(ctx, tool); err != nil {
		return nil, fmt.Errorf("failed to register composite: %w", err)
	}
	if err := s.db.MarkPatternPromoted(pattern.ID); err != nil {
		logging.Get(logging.CategoryComposite).Warn("Failed to mark pattern promoted: %v", err)
	}

	logging.Composite("Promoted pattern %v as %s (experimental=%v)", pattern.ToolSequence, name, experimental)
	return tool, nil
}

// RunBatch scans and promotes up to limit candidates, returning the tools
// created or found.
func (s *Synthesizer) RunBatch(ctx context.Context, limit int) ([]*types.Tool, error) {
	if limit <= 0 {
		limit = 5
	}
	candidates, err := s.ScanForCandidates()
	if err != nil {
		return nil, err
	}

	var promoted []*types.Tool
	for _, pattern := range candidates {
		if len(promoted) >= limit {
			break
		}
		tool, err := s.Promote(ctx, pattern)
		if err != nil {
			logging.Get(logging.CategoryComposite).Warn("Promotion of %v failed: %v", pattern.ToolSequence, err)
			continue
		}
		promoted = append(promoted, tool)
	}
	logging.Composite("Batch promotion complete: %d tools", len(promoted))
	return promoted, nil
}

// buildCompositeCode chains the component implementations into one program.
// Each component keeps its own code with RunTool renamed to a step function;
// the wrapper feeds every step's output into the next step's first required
// parameter. Helper name collisions between components surface as a
// verification failure, which flags the composite experimental.
func buildCompositeCode(components []*types.Tool) string {
	var b strings.Builder
	for i, c := range components {
		renamed := strings.Replace(c.Code, "func RunTool(", fmt.Sprintf("func runStep%d(", i), 1)
		fmt.Fprintf(&b, "// Step %d: %s\n%s\n\n", i+1, c.Name, strings.TrimSpace(renamed))
	}

	b.WriteString("import (\n\t\"encoding/json\"\n\t\"fmt\"\n)\n\n")
	b.WriteString("func RunTool(input string) (string, error) {\n")
	b.WriteString("\tout, err := runStep0(input)\n")
	fmt.Fprintf(&b, "\tif err != nil {\n\t\treturn \"\", fmt.Errorf(\"step 1 (%s): %%w\", err)\n\t}\n", components[0].Name)
	for i := 1; i < len(components); i++ {
		fmt.Fprintf(&b, "\tin%d, err := json.Marshal(map[string]any{%q: out})\n", i, firstRequiredParam(components[i]))
		b.WriteString("\tif err != nil {\n\t\treturn \"\", err\n\t}\n")
		fmt.Fprintf(&b, "\tout, err = runStep%d(string(in%d))\n", i, i)
		fmt.Fprintf(&b, "\tif err != nil {\n\t\treturn \"\", fmt.Errorf(\"step %d (%s): %%w\", err)\n\t}\n", i+1, components[i].Name)
	}
	b.WriteString("\treturn out, nil\n}\n")
	return b.String()
}

// buildCompositeChecks generates the smoke check verified in the sandbox: the
// full chain must run end to end on a sample input.
func buildCompositeChecks(firstParam string) string {
	sample, _ := json.Marshal(map[string]any{firstParam: "example input"})
	return fmt.Sprintf(`func RunChecks() error {
	if _, err := RunTool(%q); err != nil {
		return err
	}
	return nil
}
`, string(sample))
}

// firstRequiredParam names the parameter a chained value feeds into.
func firstRequiredParam(tool *types.Tool) string {
	for _, p := range tool.Parameters {
		if p.Required {
			return p.Name
		}
	}
	return "input"
}
