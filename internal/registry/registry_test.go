package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"toolforge/internal/embedding"
	"toolforge/internal/policy"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

// stubEmbedder maps known phrases to fixed vectors so retrieval quality is
// deterministic in tests. Unknown text gets a far-away vector.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Name() string    { return "stub" }

// failingEmbedder simulates an embedding outage.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, types.ErrEmbeddingUnavailable
}
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, types.ErrEmbeddingUnavailable
}
func (failingEmbedder) Dimensions() int { return 3 }
func (failingEmbedder) Name() string    { return "failing" }

func newTestRegistry(t *testing.T, embedder embedding.Engine) (*Registry, *store.LocalStore) {
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
	return New(db, embedder, policies, t.TempDir()), db
}

func registerTool(t *testing.T, r *Registry, name, description string) *types.Tool {
	t.Helper()
	tool := &types.Tool{
		Name:        name,
		Description: description,
		Parameters:  []types.ToolParameter{{Name: "input", Type: "string", Required: true}},
		ReturnType:  "string",
		Code:        fmt.Sprintf("func RunTool(input string) (string, error) { return %q, nil }", name),
	}
	if err := r.Register(context.Background(), tool); err != nil {
		t.Fatalf("Register %s failed: %v", name, err)
	}
	return tool
}

func TestSearchRanksOwnDescriptionFirst(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"parse_csv: Parses CSV text into records":  {1, 0, 0},
		"fetch_url: Downloads the body of a URL":   {0, 1, 0},
		"parse CSV data":                           {0.95, 0.05, 0},
	}}
	r, _ := newTestRegistry(t, emb)

	registerTool(t, r, "parse_csv", "Parses CSV text into records")
	registerTool(t, r, "fetch_url", "Downloads the body of a URL")

	matches, err := r.Search(context.Background(), "parse CSV data", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("Expected at least one match")
	}
	if matches[0].Tool.Name != "parse_csv" {
		t.Errorf("Top match = %s, want parse_csv", matches[0].Tool.Name)
	}
}

func TestSearchFiltersBelowThreshold(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"fetch_url: Downloads the body of a URL": {0, 1, 0},
		"unrelated query":                        {1, 0, 0},
	}}
	r, _ := newTestRegistry(t, emb)
	registerTool(t, r, "fetch_url", "Downloads the body of a URL")

	matches, err := r.Search(context.Background(), "unrelated query", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Orthogonal match should fall below threshold, got %d matches", len(matches))
	}
}

func TestRerankPrefersReliableTool(t *testing.T) {
	// Two tools equally similar to the query; the one with a success
	// history must outrank the unproven one.
	emb := &stubEmbedder{vectors: map[string][]float32{
		"sum_a: Adds numbers in a list": {1, 0, 0},
		"sum_b: Adds numbers in a list": {1, 0, 0},
		"add up these numbers":          {1, 0, 0},
	}}
	r, db := newTestRegistry(t, emb)
	registerTool(t, r, "sum_a", "Adds numbers in a list")
	registerTool(t, r, "sum_b", "Adds numbers in a list")

	for i := 0; i < 5; i++ {
		if err := db.RecordToolUsage("sum_b", true); err != nil {
			t.Fatalf("RecordToolUsage failed: %v", err)
		}
	}

	matches, err := r.Search(context.Background(), "add up these numbers", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].Tool.Name != "sum_b" {
		t.Errorf("Top match = %s, want sum_b (higher success and usage)", matches[0].Tool.Name)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("Scores not ordered: %.3f vs %.3f", matches[0].Score, matches[1].Score)
	}
}

func TestSearchDegradedExactName(t *testing.T) {
	r, _ := newTestRegistry(t, failingEmbedder{})
	registerTool(t, r, "word_count", "Counts words in text")

	// The query normalizes to the exact tool name.
	matches, err := r.Search(context.Background(), "Word Count", 5)
	if err != nil {
		t.Fatalf("Degraded search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Tool.Name != "word_count" {
		t.Fatalf("Degraded lookup missed: %+v", matches)
	}

	// A non-name query finds nothing but does not error.
	matches, err = r.Search(context.Background(), "count the words in this file", 5)
	if err != nil {
		t.Fatalf("Degraded search errored: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no degraded matches, got %d", len(matches))
	}
}

func TestGetByNameRemovesStaleRow(t *testing.T) {
	r, db := newTestRegistry(t, nil)

	// Row exists but no code file was ever written to the tools dir.
	if err := db.UpsertTool(&types.Tool{Name: "ghost", Description: "gone", Code: "x", Version: 1}, nil); err != nil {
		t.Fatalf("UpsertTool failed: %v", err)
	}

	_, err := r.GetByName("ghost")
	if !errors.Is(err, types.ErrToolNotFound) {
		t.Fatalf("Expected ErrToolNotFound for stale row, got %v", err)
	}
	if _, err := db.GetTool("ghost"); !errors.Is(err, types.ErrToolNotFound) {
		t.Error("Stale row should have been deleted")
	}
}

func TestBumpVersionKeepsHistory(t *testing.T) {
	r, db := newTestRegistry(t, nil)
	tool := registerTool(t, r, "fixable", "A tool that gets repaired")

	updated, err := r.BumpVersion(context.Background(), tool, "func RunTool(input string) (string, error) { return \"v2\", nil }", "", "repair")
	if err != nil {
		t.Fatalf("BumpVersion failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	v1, err := db.GetToolVersion("fixable", 1)
	if err != nil {
		t.Fatalf("GetToolVersion(1) failed: %v", err)
	}
	if v1.IsCurrent {
		t.Error("v1 should not be current after bump")
	}
	v2, err := db.GetToolVersion("fixable", 2)
	if err != nil {
		t.Fatalf("GetToolVersion(2) failed: %v", err)
	}
	if !v2.IsCurrent {
		t.Error("v2 should be current")
	}

	live, err := r.GetByName("fixable")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if live.Version != 2 {
		t.Errorf("Live version = %d, want 2", live.Version)
	}
}

func TestCleanupOrphans(t *testing.T) {
	r, db := newTestRegistry(t, nil)
	registerTool(t, r, "kept", "Survives cleanup")
	if err := db.UpsertTool(&types.Tool{Name: "orphan", Description: "no file", Code: "x", Version: 1}, nil); err != nil {
		t.Fatalf("UpsertTool failed: %v", err)
	}

	removed, err := r.CleanupOrphans()
	if err != nil {
		t.Fatalf("CleanupOrphans failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Removed = %d, want 1", removed)
	}
	if _, err := r.GetByName("kept"); err != nil {
		t.Errorf("Surviving tool lost: %v", err)
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	tool := registerTool(t, r, "dedupe", "Removes duplicate lines")

	updated, err := r.BumpVersion(context.Background(), tool, "func RunTool(input string) (string, error) { return \"v2\", nil }", "", "repair")
	if err != nil {
		t.Fatalf("BumpVersion failed: %v", err)
	}

	clash := &types.Tool{
		Name:        "dedupe",
		Description: "Something unrelated",
		Code:        "func RunTool(input string) (string, error) { return \"other\", nil }",
	}
	err = r.Register(context.Background(), clash)
	if !errors.Is(err, types.ErrDuplicateTool) {
		t.Fatalf("Expected ErrDuplicateTool, got %v", err)
	}

	// The rejected registration must not have touched the live tool or its
	// version history.
	live, err := r.GetByName("dedupe")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if live.Version != updated.Version {
		t.Errorf("Live version = %d, want %d", live.Version, updated.Version)
	}
	if live.Code != updated.Code {
		t.Errorf("Live code overwritten by rejected registration")
	}
}
