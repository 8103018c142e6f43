package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"toolforge/internal/policy"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/skillgraph"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

const echoCode = `
import "encoding/json"

func RunTool(input string) (string, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(input), &params); err != nil {
		return "", err
	}
	text, _ := params["text"].(string)
	return "echo:" + text, nil
}`

const failingCode = `
import "errors"

func RunTool(input string) (string, error) {
	return "", errors.New("boom")
}`

const slowCode = `
import "time"

func RunTool(input string) (string, error) {
	time.Sleep(10 * time.Second)
	return "never", nil
}`

type testEnv struct {
	db       *store.LocalStore
	registry *registry.Registry
	cache    *skillgraph.Cache
}

func newTestExecutor(t *testing.T, timeout time.Duration, withCache bool) (*Executor, *testEnv) {
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

	env := &testEnv{db: db, registry: reg}
	if withCache {
		env.cache = skillgraph.NewCache(policies, db)
		t.Cleanup(env.cache.Close)
	}
	return New(reg, sandbox.New(timeout), env.cache, nil), env
}

func registerEcho(t *testing.T, reg *registry.Registry, name, code string) *types.Tool {
	t.Helper()
	tool := &types.Tool{
		Name:        name,
		Description: "Echoes the text argument",
		Parameters:  []types.ToolParameter{{Name: "text", Type: "string", Required: true}},
		ReturnType:  "string",
		Code:        code,
		Version:     1,
	}
	if err := reg.Register(context.Background(), tool); err != nil {
		t.Fatalf("Failed to register %s: %v", name, err)
	}
	return tool
}

func TestExecuteRunsTool(t *testing.T) {
	exec, env := newTestExecutor(t, 10*time.Second, false)
	tool := registerEcho(t, env.registry, "echo", echoCode)

	result, err := exec.Execute(context.Background(), "s1", tool, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Output != "echo:hi" {
		t.Errorf("Output = %q, want echo:hi", result.Output)
	}
	if result.Cached {
		t.Error("First execution must not be cached")
	}

	// Success recorded against the tool's usage stats.
	stored, err := env.registry.GetByName("echo")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if stored.UsageCount != 1 || stored.SuccessRate != 1.0 {
		t.Errorf("Usage = %d/%.2f, want 1/1.00", stored.UsageCount, stored.SuccessRate)
	}
}

func TestExecuteMissingRequiredArgument(t *testing.T) {
	exec, env := newTestExecutor(t, 10*time.Second, false)
	tool := registerEcho(t, env.registry, "echo", echoCode)

	_, err := exec.Execute(context.Background(), "s1", tool, map[string]any{})
	var mismatch *types.ArgumentMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected ArgumentMismatchError, got %v", err)
	}
	if len(mismatch.Missing) != 1 || mismatch.Missing[0] != "text" {
		t.Errorf("Missing = %v, want [text]", mismatch.Missing)
	}

	// Validation failures never touch the sandbox or usage stats.
	stored, _ := env.registry.GetByName("echo")
	if stored.UsageCount != 0 {
		t.Errorf("UsageCount = %d after validation failure", stored.UsageCount)
	}
}

func TestExecuteNilArgumentCountsAsMissing(t *testing.T) {
	exec, env := newTestExecutor(t, 10*time.Second, false)
	tool := registerEcho(t, env.registry, "echo", echoCode)

	_, err := exec.Execute(context.Background(), "s1", tool, map[string]any{"text": nil})
	var mismatch *types.ArgumentMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected ArgumentMismatchError for nil value, got %v", err)
	}
}

func TestExecuteCacheHitSkipsSandbox(t *testing.T) {
	exec, env := newTestExecutor(t, 10*time.Second, true)
	tool := registerEcho(t, env.registry, "echo", echoCode)
	inputs := map[string]any{"text": "hi"}

	first, err := exec.Execute(context.Background(), "s1", tool, inputs)
	if err != nil {
		t.Fatalf("First execution failed: %v", err)
	}
	second, err := exec.Execute(context.Background(), "s1", tool, inputs)
	if err != nil {
		t.Fatalf("Second execution failed: %v", err)
	}
	if !second.Cached {
		t.Error("Second execution should come from cache")
	}
	if second.Output != first.Output {
		t.Errorf("Cached output %q != original %q", second.Output, first.Output)
	}

	// Cached results do not inflate usage counts.
	stored, _ := env.registry.GetByName("echo")
	if stored.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", stored.UsageCount)
	}
}

func TestExecuteWrapsRuntimeFailure(t *testing.T) {
	exec, env := newTestExecutor(t, 10*time.Second, false)
	tool := registerEcho(t, env.registry, "broken", failingCode)

	_, err := exec.Execute(context.Background(), "s1", tool, map[string]any{"text": "hi"})
	var execErr *types.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected ExecutionError, got %v", err)
	}
	if execErr.ToolName != "broken" {
		t.Errorf("ToolName = %s", execErr.ToolName)
	}

	stored, _ := env.registry.GetByName("broken")
	if stored.UsageCount != 1 || stored.SuccessRate != 0 {
		t.Errorf("Usage = %d/%.2f, want 1/0.00", stored.UsageCount, stored.SuccessRate)
	}
}

func TestExecuteTimeoutPassesThrough(t *testing.T) {
	exec, env := newTestExecutor(t, 200*time.Millisecond, false)
	tool := registerEcho(t, env.registry, "slow", slowCode)

	_, err := exec.Execute(context.Background(), "s1", tool, map[string]any{"text": "hi"})
	if !errors.Is(err, types.ErrSandboxTimeout) {
		t.Fatalf("Expected ErrSandboxTimeout, got %v", err)
	}
	var execErr *types.ExecutionError
	if errors.As(err, &execErr) {
		t.Error("Timeouts must not be wrapped as ExecutionError")
	}
}
