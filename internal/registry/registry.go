// Package registry implements semantic tool retrieval. Tools are embedded at
// registration; search embeds the request, scans the corpus with cosine
// similarity, and reranks by a policy-weighted blend of similarity, success
// rate, and usage frequency. When the embedding engine is down, retrieval
// degrades to exact-name lookup instead of failing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"toolforge/internal/embedding"
	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

// Registry is the capability catalog.
type Registry struct {
	store    *store.LocalStore
	embedder embedding.Engine
	policies *policy.Store
	toolsDir string
}

// New creates a registry. The embedder may be nil; retrieval then always
// runs in degraded exact-name mode.
func New(st *store.LocalStore, embedder embedding.Engine, policies *policy.Store, toolsDir string) *Registry {
	return &Registry{store: st, embedder: embedder, policies: policies, toolsDir: toolsDir}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register stores a tool: code and checks on disk, row plus embedding in the
// database, and an initial entry in the version history.
func (r *Registry) Register(ctx context.Context, tool *types.Tool) error {
	timer := logging.StartTimer(logging.CategoryRegistry, "Register")
	defer timer.Stop()

	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Version == 0 {
		tool.Version = 1
	}

	// Registration never overwrites. An existing tool evolves through
	// BumpVersion, which keeps its version history intact.
	if _, err := r.store.GetTool(tool.Name); err == nil {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTool, tool.Name)
	} else if !errors.Is(err, types.ErrToolNotFound) {
		return err
	}

	if err := r.writeToolFiles(tool); err != nil {
		return err
	}

	var vec []float32
	if r.embedder != nil {
		var err error
		vec, err = r.embedder.Embed(ctx, embeddingText(tool))
		if err != nil {
			// Tool is still registered; it becomes searchable once an
			// embedding backfill runs.
			logging.Get(logging.CategoryRegistry).Warn("Embedding failed for %s, registering without vector: %v", tool.Name, err)
			vec = nil
		}
	}

	if err := r.store.UpsertTool(tool, vec); err != nil {
		return err
	}
	if err := r.store.SaveToolVersion(&types.ToolVersion{
		ToolName:  tool.Name,
		Version:   tool.Version,
		Code:      tool.Code,
		TestCode:  tool.TestCode,
		ChangeLog: "registered",
	}); err != nil {
		return err
	}

	logging.Registry("Registered tool %s v%d (experimental=%v, composite=%v)",
		tool.Name, tool.Version, tool.Experimental, tool.IsComposite())
	return nil
}

// writeToolFiles persists the tool's code and checks under the tools dir.
func (r *Registry) writeToolFiles(tool *types.Tool) error {
	if r.toolsDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.toolsDir, 0755); err != nil {
		return fmt.Errorf("failed to create tools directory: %w", err)
	}
	codePath := filepath.Join(r.toolsDir, tool.Name+".go")
	if err := os.WriteFile(codePath, []byte(tool.Code), 0644); err != nil {
		return fmt.Errorf("failed to write tool code: %w", err)
	}
	if tool.TestCode != "" {
		checkPath := filepath.Join(r.toolsDir, tool.Name+"_checks.go")
		if err := os.WriteFile(checkPath, []byte(tool.TestCode), 0644); err != nil {
			logging.Get(logging.CategoryRegistry).Warn("Failed to write checks for %s: %v", tool.Name, err)
		}
	}
	return nil
}

// embeddingText is what gets embedded for a tool: its name plus docstring.
func embeddingText(tool *types.Tool) string {
	return tool.Name + ": " + tool.Description
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Search returns the top-k tools for a request, reranked and filtered by the
// policy similarity threshold. An embedding outage degrades to exact-name
// lookup rather than an error.
func (r *Registry) Search(ctx context.Context, query string, topK int) ([]*types.ToolMatch, error) {
	timer := logging.StartTimer(logging.CategoryRegistry, "Search")
	defer timer.Stop()

	if topK <= 0 {
		topK = 5
	}

	if r.embedder == nil {
		return r.searchDegraded(query)
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("Embedding outage, degrading to exact-name lookup: %v", err)
		return r.searchDegraded(query)
	}

	corpus, err := r.store.ListToolEmbeddings()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding corpus: %w", err)
	}
	if len(corpus) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(corpus))
	for i, entry := range corpus {
		vectors[i] = entry.Embedding
	}

	// Over-fetch so the rerank has room to reorder before the cut.
	results, err := embedding.FindTopK(queryVec, vectors, topK*3)
	if err != nil {
		return nil, err
	}

	retrievalPolicy := r.policies.Value(policy.PolicyRetrievalThreshold)
	threshold := retrievalPolicy.Float("threshold", 0.4)

	var matches []*types.ToolMatch
	for _, res := range results {
		if res.Similarity < threshold {
			continue
		}
		tool, err := r.store.GetTool(corpus[res.Index].Name)
		if err != nil {
			continue
		}
		matches = append(matches, &types.ToolMatch{Tool: tool, Similarity: res.Similarity})
	}

	if retrievalPolicy.Bool("rerank_enabled", true) {
		r.rerank(matches)
	} else {
		for _, m := range matches {
			m.Score = m.Similarity
		}
		sortMatches(matches)
	}

	if len(matches) > topK {
		matches = matches[:topK]
	}
	logging.RegistryDebug("Search %q: %d matches above threshold %.2f", query, len(matches), threshold)
	return matches, nil
}

// rerank blends similarity with observed reliability and adoption. Usage
// frequency is normalized against the best candidate so the weight acts on
// [0,1] regardless of absolute traffic.
func (r *Registry) rerank(matches []*types.ToolMatch) {
	weights := r.policies.Value(policy.PolicyRerankingWeights)
	wSim := weights.Float("similarity", 0.7)
	wSucc := weights.Float("success", 0.2)
	wFreq := weights.Float("frequency", 0.1)

	maxUsage := 0
	for _, m := range matches {
		if m.Tool.UsageCount > maxUsage {
			maxUsage = m.Tool.UsageCount
		}
	}

	for _, m := range matches {
		freq := 0.0
		if maxUsage > 0 {
			freq = float64(m.Tool.UsageCount) / float64(maxUsage)
		}
		m.Score = wSim*m.Similarity + wSucc*m.Tool.SuccessRate + wFreq*freq
	}
	sortMatches(matches)
}

// sortMatches orders by score, breaking ties by similarity, then usage
// frequency, then lexical name. The full ordering keeps planning
// deterministic.
func sortMatches(matches []*types.ToolMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Tool.UsageCount != b.Tool.UsageCount {
			return a.Tool.UsageCount > b.Tool.UsageCount
		}
		return a.Tool.Name < b.Tool.Name
	})
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// searchDegraded is exact-name retrieval for embedding outages: the query is
// normalized to a tool-name shape and looked up directly.
func (r *Registry) searchDegraded(query string) ([]*types.ToolMatch, error) {
	name := nameSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(query)), "_")
	name = strings.Trim(name, "_")

	tool, err := r.store.GetTool(name)
	if err != nil {
		if errors.Is(err, types.ErrToolNotFound) {
			return nil, nil
		}
		return nil, err
	}
	logging.Registry("Degraded lookup hit: %s", tool.Name)
	return []*types.ToolMatch{{Tool: tool, Similarity: 1.0, Score: 1.0}}, nil
}

// =============================================================================
// LOOKUP AND MAINTENANCE
// =============================================================================

// GetByName loads a tool by exact name. A tool whose code file has vanished
// from disk is treated as corrupt: the row is removed and not-found returned.
func (r *Registry) GetByName(name string) (*types.Tool, error) {
	tool, err := r.store.GetTool(name)
	if err != nil {
		return nil, err
	}

	if r.toolsDir != "" {
		codePath := filepath.Join(r.toolsDir, tool.Name+".go")
		if _, err := os.Stat(codePath); os.IsNotExist(err) {
			logging.Get(logging.CategoryRegistry).Warn("Tool %s has no code file, removing stale row", name)
			_ = r.store.DeleteTool(name)
			return nil, types.ErrToolNotFound
		}
	}
	return tool, nil
}

// Invalidate removes a tool whose registration proved unusable (stale schema,
// missing file). Version history is retained.
func (r *Registry) Invalidate(name string) error {
	logging.Registry("Invalidating tool %s", name)
	return r.store.DeleteTool(name)
}

// RecordExecution updates a tool's usage statistics after an invocation.
func (r *Registry) RecordExecution(name string, success bool) error {
	return r.store.RecordToolUsage(name, success)
}

// CleanupOrphans removes rows whose code files are gone and returns how many
// were removed.
func (r *Registry) CleanupOrphans() (int, error) {
	if r.toolsDir == "" {
		return 0, nil
	}
	tools, err := r.store.ListTools()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, tool := range tools {
		codePath := filepath.Join(r.toolsDir, tool.Name+".go")
		if _, err := os.Stat(codePath); os.IsNotExist(err) {
			if err := r.store.DeleteTool(tool.Name); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logging.Registry("Cleanup removed %d orphaned tools", removed)
	}
	return removed, nil
}

// Count returns the number of registered tools.
func (r *Registry) Count() (int, error) {
	return r.store.CountTools()
}

// List returns all registered tools.
func (r *Registry) List() ([]*types.Tool, error) {
	return r.store.ListTools()
}

// ListNames returns registered tool names, for planner prompts.
func (r *Registry) ListNames() ([]string, error) {
	tools, err := r.store.ListTools()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names, nil
}

// BumpVersion publishes a repaired tool: new version row flips current, tool
// row gets the new code, and the embedding is refreshed if the description
// changed. Used by the reflection engine after a verified fix.
func (r *Registry) BumpVersion(ctx context.Context, tool *types.Tool, newCode, newTests, changeLog string) (*types.Tool, error) {
	updated := *tool
	updated.Code = newCode
	if newTests != "" {
		updated.TestCode = newTests
	}
	updated.Version = tool.Version + 1
	updated.UpdatedAt = time.Now().UTC()

	if err := r.store.SaveToolVersion(&types.ToolVersion{
		ToolName:  updated.Name,
		Version:   updated.Version,
		Code:      updated.Code,
		TestCode:  updated.TestCode,
		ChangeLog: changeLog,
	}); err != nil {
		return nil, err
	}
	if err := r.writeToolFiles(&updated); err != nil {
		return nil, err
	}
	if err := r.store.UpsertTool(&updated, nil); err != nil {
		return nil, err
	}

	logging.Registry("Tool %s bumped to v%d (%s)", updated.Name, updated.Version, changeLog)
	return &updated, nil
}
