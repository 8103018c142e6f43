package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Callers branch on these with
// errors.Is; user-facing surfaces translate them to natural language.
var (
	// ErrToolNotFound means retrieval produced no usable match.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool means a registration would overwrite an existing
	// tool. Updates go through version bumps, never through Register.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrVerificationFailed means sandboxed tests failed after the allowed
	// regeneration retry. The tool may still be registered as experimental.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrSandboxTimeout means the sandbox wall clock expired.
	ErrSandboxTimeout = errors.New("sandbox execution timed out")

	// ErrGeneratorUnavailable means the code generator could not be reached
	// after the bounded retry.
	ErrGeneratorUnavailable = errors.New("generator unavailable")

	// ErrEmbeddingUnavailable means embeddings could not be produced;
	// retrieval degrades to exact-name lookup.
	ErrEmbeddingUnavailable = errors.New("embedding engine unavailable")

	// ErrPolicyNotFound means no policy version exists under that name.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrExperimentNotFound means no experiment exists under that name.
	ErrExperimentNotFound = errors.New("experiment not found")
)

// ArgumentMismatchError reports that a matched tool could not be invoked
// because required arguments were missing from the request. The orchestrator
// treats this as a stale match: invalidate and fall through to synthesis.
type ArgumentMismatchError struct {
	ToolName string
	Missing  []string
}

func (e *ArgumentMismatchError) Error() string {
	return fmt.Sprintf("tool %s: missing required arguments %v", e.ToolName, e.Missing)
}

// ExecutionError wraps a tool runtime failure with enough detail for the
// reflection engine to classify it.
type ExecutionError struct {
	ToolName string
	Detail   string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %s", e.ToolName, e.Detail)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
