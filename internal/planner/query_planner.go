// Package planner decides how a request gets served. The query planner runs
// a fixed-priority cascade so identical registry and pattern state always
// produces the same plan; the composition planner executes the multi-step
// strategies it emits.
package planner

import (
	"context"
	"regexp"
	"strings"

	"toolforge/internal/generator"
	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/tracker"
	"toolforge/internal/types"
)

// QueryPlanner maps requests to execution strategies.
type QueryPlanner struct {
	registry *registry.Registry
	tracker  *tracker.Tracker
	gen      generator.CodeGenerator
	policies *policy.Store
}

// NewQueryPlanner creates a query planner. gen may be nil; complexity
// analysis then relies on the deterministic cue fallback only.
func NewQueryPlanner(reg *registry.Registry, tr *tracker.Tracker, gen generator.CodeGenerator, policies *policy.Store) *QueryPlanner {
	return &QueryPlanner{registry: reg, tracker: tr, gen: gen, policies: policies}
}

// Plan runs the cascade:
//
//  1. explicit synthesis intent
//  2. composite tool match
//  3. workflow pattern match
//  4. multi-step decomposition
//  5. single tool match
//  6. forced synthesis
//
// Each tier either decides or falls through; the first hit wins. Threshold
// reads are session-scoped so sessions bucketed into a policy experiment's
// candidate arm plan with the candidate value.
func (p *QueryPlanner) Plan(ctx context.Context, sessionID, query string) (*types.ExecutionPlan, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "Plan")
	defer timer.Stop()

	// Tier 1: the user asked for a new tool in so many words.
	if p.hasSynthesisIntent(query) {
		logging.Planner("Plan: explicit synthesis intent")
		return &types.ExecutionPlan{
			Strategy:  types.StrategyForceSynthesis,
			Rationale: "request contains explicit synthesis intent",
		}, nil
	}

	matches, err := p.registry.Search(ctx, query, 5)
	if err != nil {
		return nil, err
	}

	criteria := p.policies.ValueFor(policy.PolicyCompositeCriteria, sessionID)
	compositeThreshold := criteria.Float("composite_threshold", 0.7)
	patternThreshold := criteria.Float("pattern_threshold", 0.7)
	singleThreshold := p.policies.ValueFor(policy.PolicyRetrievalThreshold, sessionID).Float("single_tool_threshold", 0.6)

	// Tier 2: a promoted composite covering the whole request.
	for _, m := range matches {
		if m.Tool.IsComposite() && m.Similarity >= compositeThreshold {
			logging.Planner("Plan: composite %s (similarity %.2f)", m.Tool.Name, m.Similarity)
			return &types.ExecutionPlan{
				Strategy:  types.StrategyComposite,
				Tool:      m,
				Rationale: "composite tool matches the whole request",
			}, nil
		}
	}

	// Tier 3: a proven pattern anchored at the best-matching tool.
	if pattern := p.findPatternMatch(matches, patternThreshold); pattern != nil {
		logging.Planner("Plan: pattern %v (confidence %.2f)", pattern.ToolSequence, pattern.Confidence)
		return &types.ExecutionPlan{
			Strategy:  types.StrategyPattern,
			Pattern:   pattern,
			Rationale: "a high-confidence mined pattern starts at the matched tool",
		}, nil
	}

	// Tier 4: decompose multi-step requests.
	if subtasks := p.decompose(ctx, query); len(subtasks) > 1 {
		logging.Planner("Plan: sequential with %d subtasks", len(subtasks))
		return &types.ExecutionPlan{
			Strategy:  types.StrategySequential,
			Subtasks:  subtasks,
			Rationale: "request decomposes into ordered subtasks",
		}, nil
	}

	// Tier 5: a single leaf tool that clears the bar.
	for _, m := range matches {
		if m.Tool.IsComposite() {
			continue
		}
		if m.Similarity >= singleThreshold {
			logging.Planner("Plan: single tool %s (similarity %.2f)", m.Tool.Name, m.Similarity)
			return &types.ExecutionPlan{
				Strategy:  types.StrategySingleTool,
				Tool:      m,
				Rationale: "existing tool matches the request",
			}, nil
		}
	}

	// Tier 6: nothing fits, forge a new capability.
	logging.Planner("Plan: no match, forcing synthesis")
	return &types.ExecutionPlan{
		Strategy:  types.StrategyForceSynthesis,
		Rationale: "no registered capability covers the request",
	}, nil
}

// hasSynthesisIntent checks the policy keyword list against the query.
func (p *QueryPlanner) hasSynthesisIntent(query string) bool {
	lowered := strings.ToLower(query)
	raw, ok := p.policies.Value(policy.PolicySynthesisKeywords)["keywords"].([]any)
	if !ok {
		return false
	}
	for _, kw := range raw {
		if s, ok := kw.(string); ok && strings.Contains(lowered, s) {
			return true
		}
	}
	return false
}

// findPatternMatch looks for a mined pattern whose first tool is the query's
// best tool match, with both the match similarity and the pattern confidence
// above the threshold. Patterns already promoted to composites are skipped;
// the composite tier owns those.
func (p *QueryPlanner) findPatternMatch(matches []*types.ToolMatch, threshold float64) *types.WorkflowPattern {
	if p.tracker == nil || len(matches) == 0 {
		return nil
	}
	patterns, err := p.tracker.Patterns(threshold)
	if err != nil {
		logging.Get(logging.CategoryPlanner).Warn("Pattern lookup failed: %v", err)
		return nil
	}

	for _, m := range matches {
		if m.Similarity < threshold {
			continue
		}
		for _, pattern := range patterns {
			if pattern.Promoted || len(pattern.ToolSequence) < 2 {
				continue
			}
			if pattern.ToolSequence[0] == m.Tool.Name {
				return pattern
			}
		}
	}
	return nil
}

// Sequencing cues that signal an ordered multi-step request.
var sequenceCues = regexp.MustCompile(`(?i)\b(and then|then|after that|followed by|finally)\b`)

// decompose asks the generator to classify the query, falling back to cue
// counting when the generator is unavailable. The fallback splits on the
// cues themselves so the plan stays usable offline.
func (p *QueryPlanner) decompose(ctx context.Context, query string) []string {
	maxSubtasks := int(p.policies.Value(policy.PolicyComplexity).Float("max_subtasks", 8))

	if p.gen != nil {
		names, _ := p.registry.ListNames()
		analysis, err := p.gen.AnalyzeQuery(ctx, query, names)
		if err == nil {
			if analysis.Complexity != "multi_step" || len(analysis.Subtasks) < 2 {
				return nil
			}
			subtasks := analysis.Subtasks
			if len(subtasks) > maxSubtasks {
				subtasks = subtasks[:maxSubtasks]
			}
			return subtasks
		}
		logging.Get(logging.CategoryPlanner).Warn("Query analysis failed, using cue fallback: %v", err)
	}

	cueThreshold := int(p.policies.Value(policy.PolicyComplexity).Float("multi_step_cue_threshold", 1))
	cues := sequenceCues.FindAllStringIndex(query, -1)
	if len(cues) < cueThreshold {
		return nil
	}

	parts := sequenceCues.Split(query, -1)
	var subtasks []string
	for _, part := range parts {
		part = strings.TrimSpace(strings.Trim(part, ",.;"))
		if part != "" {
			subtasks = append(subtasks, part)
		}
	}
	if len(subtasks) < 2 {
		return nil
	}
	if len(subtasks) > maxSubtasks {
		subtasks = subtasks[:maxSubtasks]
	}
	return subtasks
}
