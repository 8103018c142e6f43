package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"toolforge/internal/executor"
	"toolforge/internal/planner"
	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/session"
	"toolforge/internal/skillgraph"
	"toolforge/internal/store"
	"toolforge/internal/synthesis"
	"toolforge/internal/tracker"
	"toolforge/internal/types"
)

const wordCountCode = `
import (
	"encoding/json"
	"strconv"
	"strings"
)

func RunTool(input string) (string, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(input), &params); err != nil {
		return "", err
	}
	text, _ := params["input"].(string)
	return strconv.Itoa(len(strings.Fields(text))), nil
}`

// newTestOrchestrator wires the full pipeline with no generator and no
// embedder, exercising the degraded path end to end.
func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.LocalStore, *registry.Registry) {
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
	sb := sandbox.New(10 * time.Second)
	tr := tracker.New(db)
	t.Cleanup(tr.Close)
	exec := executor.New(reg, sb, nil, tr)
	synth := synthesis.New(nil, sb, reg, policies)
	graph := skillgraph.NewGraph(db)

	o := New(Deps{
		Registry:    reg,
		Planner:     planner.NewQueryPlanner(reg, tr, nil, policies),
		Composition: planner.NewCompositionPlanner(reg, exec, synth, nil, graph, policies),
		Executor:    exec,
		Synthesis:   synth,
		Sessions:    session.NewManager(db),
		Tracker:     tr,
		Policies:    policies,
	})
	return o, db, reg
}

func registerWordCount(t *testing.T, reg *registry.Registry) {
	t.Helper()
	tool := &types.Tool{
		Name:        "word_count",
		Description: "Counts the words in a piece of text",
		Parameters:  []types.ToolParameter{{Name: "input", Type: "string", Required: true}},
		ReturnType:  "string",
		Code:        wordCountCode,
	}
	if err := reg.Register(context.Background(), tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestProcessEmptyPrompt(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if _, err := o.Process(context.Background(), "s1", "   ", nil); err == nil {
		t.Fatal("Expected an error for an empty prompt")
	}
}

func TestProcessSingleToolDegraded(t *testing.T) {
	o, db, reg := newTestOrchestrator(t)
	registerWordCount(t, reg)

	var events []string
	sink := func(event string, data map[string]any) {
		events = append(events, event)
	}

	// With no embedder, only an exact normalized name matches.
	response, err := o.Process(context.Background(), "s1", "word count", sink)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	// The prompt itself is the tool input: "word count" has two words.
	if response != "2" {
		t.Errorf("Response = %q, want 2", response)
	}

	var sawSearch, sawTool, sawComplete bool
	for _, e := range events {
		switch e {
		case "searching":
			sawSearch = true
		case "tool_found":
			sawTool = true
		case "complete":
			sawComplete = true
		}
	}
	if !sawSearch || !sawTool || !sawComplete {
		t.Errorf("Progress events = %v", events)
	}

	// The turn lands in session history.
	messages, err := db.RecentMessages("s1", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Messages = %d, want 2", len(messages))
	}
	if messages[0].Role != types.RoleUser || messages[1].Role != types.RoleAssistant {
		t.Errorf("Roles = %s/%s", messages[0].Role, messages[1].Role)
	}

	// The execution is in the append-only log for the miners. Mining runs
	// in the background, so wait for it before inspecting the store.
	o.Drain()
	executions, err := db.ListSessionExecutions("s1")
	if err != nil {
		t.Fatalf("ListSessionExecutions failed: %v", err)
	}
	if len(executions) != 1 || executions[0].ToolName != "word_count" {
		t.Errorf("Executions = %+v", executions)
	}
}

func TestProcessSynthesisUnavailableWithoutGenerator(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	// Nothing registered, so planning falls through to synthesis, which
	// cannot run without a generator. The user still gets a sentence, not
	// an error chain.
	response, err := o.Process(context.Background(), "s1", "do something novel", nil)
	if err != nil {
		t.Fatalf("Process returned an error instead of a rendered failure: %v", err)
	}
	if !strings.Contains(response, "Code generation is currently unavailable") {
		t.Errorf("Response = %q", response)
	}
	if strings.Contains(response, "%!") || strings.Contains(response, "synthesis failed:") {
		t.Errorf("Internal error text leaked into the response: %q", response)
	}
}

const alwaysFailsCode = `
import "errors"

func RunTool(input string) (string, error) {
	return "", errors.New("boom")
}`

func TestProcessRendersRuntimeFailureAsPlainLanguage(t *testing.T) {
	o, db, reg := newTestOrchestrator(t)

	tool := &types.Tool{
		Name:        "always_fails",
		Description: "A tool that always fails",
		Parameters:  []types.ToolParameter{{Name: "input", Type: "string", Required: true}},
		ReturnType:  "string",
		Code:        alwaysFailsCode,
	}
	if err := reg.Register(context.Background(), tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	response, err := o.Process(context.Background(), "s1", "always fails", nil)
	if err != nil {
		t.Fatalf("Process returned an error instead of a rendered failure: %v", err)
	}
	if !strings.HasPrefix(response, "I wasn't able to complete that request.") {
		t.Errorf("Response = %q", response)
	}
	if strings.Contains(response, "boom") {
		t.Errorf("Raw tool error leaked into the response: %q", response)
	}

	// The failed turn still lands in session history.
	messages, merr := db.RecentMessages("s1", 10)
	if merr != nil {
		t.Fatalf("RecentMessages failed: %v", merr)
	}
	if len(messages) != 2 {
		t.Errorf("Messages = %d, want 2", len(messages))
	}
}

func TestProcessFeedsActiveExperiments(t *testing.T) {
	o, db, reg := newTestOrchestrator(t)
	registerWordCount(t, reg)

	policies, err := policy.NewStore(db)
	if err != nil {
		t.Fatalf("Failed to create policy store: %v", err)
	}
	exp, err := policies.CreateExperiment("cache_ttl_trial", policy.PolicyCacheTTL,
		types.PolicyValue{"ttl_seconds": 120.0, "enabled": true}, "success_rate", 0.5, 10)
	if err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}

	if _, err := o.Process(context.Background(), "s1", "word count", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	got, err := db.GetExperiment(exp.Name)
	if err != nil {
		t.Fatalf("GetExperiment failed: %v", err)
	}
	if got.ACount+got.BCount != 1 {
		t.Fatalf("Samples = %d, want 1", got.ACount+got.BCount)
	}
	if got.ASum+got.BSum != 1.0 {
		t.Errorf("Sample value = %.1f, want 1.0 for a successful request", got.ASum+got.BSum)
	}
}
