// Package sandbox executes generated tool code in an isolated interpreter.
//
// Tools never run compiled into the host process. Each invocation gets a
// fresh Yaegi interpreter with only whitelisted stdlib packages visible: no
// os, no exec, no network, no syscalls. A context deadline enforces the wall
// clock. The interpreter is discarded after every run, so nothing leaks
// between invocations.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"toolforge/internal/logging"
	"toolforge/internal/types"
)

// State is a sandbox lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePassed
	StateFailed
	StateTimedOut
	StateDestroyed
)

// String returns the lifecycle state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePassed:
		return "passed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one sandbox run. Verdict is the terminal test
// state; States is the full lifecycle trace and always ends in destroyed.
type Result struct {
	Verdict  State
	Output   string
	Duration time.Duration
	States   []State
}

// Passed reports whether the run's verdict was a pass.
func (r *Result) Passed() bool {
	return r.Verdict == StatePassed
}

// defaultMaxOutputBytes caps what a single run may return when no explicit
// limit is configured.
const defaultMaxOutputBytes = 1 << 20

// Sandbox runs tool code and checks under a wall-clock limit.
type Sandbox struct {
	timeout         time.Duration
	maxOutputBytes  int
	allowedPackages map[string]bool
}

// New creates a sandbox with the given wall clock per invocation.
// A non-positive timeout falls back to 30 seconds.
func New(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sandbox{
		timeout:         timeout,
		maxOutputBytes:  defaultMaxOutputBytes,
		allowedPackages: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
			"errors":          true,

			// EXPLICITLY BLOCKED (unsafe packages):
			// "os" - filesystem access
			// "os/exec" - command execution
			// "net", "net/http" - network access
			// "syscall" - system calls
			// "unsafe" - unsafe operations
		},
	}
}

// Timeout returns the configured wall clock.
func (sb *Sandbox) Timeout() time.Duration {
	return sb.timeout
}

// SetMaxOutputBytes caps the bytes a single run may return. Oversized output
// is truncated, not rejected. Non-positive values keep the current limit.
func (sb *Sandbox) SetMaxOutputBytes(n int) {
	if n > 0 {
		sb.maxOutputBytes = n
	}
}

func (sb *Sandbox) capOutput(s string) string {
	if len(s) <= sb.maxOutputBytes {
		return s
	}
	logging.Sandbox("Output truncated from %d to %d bytes", len(s), sb.maxOutputBytes)
	return s[:sb.maxOutputBytes] + "\n[output truncated]"
}

// run is one sandbox instance. It exists for a single invocation.
type run struct {
	states []State
}

func (r *run) transition(s State) {
	r.states = append(r.states, s)
	logging.SandboxDebug("Sandbox state -> %s", s)
}

// Execute runs a tool's RunTool(input) inside a fresh interpreter.
func (sb *Sandbox) Execute(ctx context.Context, code, input string) (string, error) {
	res := sb.invoke(ctx, []string{code}, func(i *interp.Interpreter) (string, error) {
		v, err := i.Eval("main.RunTool")
		if err != nil {
			return "", fmt.Errorf("RunTool function not found: %w", err)
		}
		runTool, ok := v.Interface().(func(string) (string, error))
		if !ok {
			return "", fmt.Errorf("RunTool has incorrect signature (expected: func(string) (string, error))")
		}
		return runTool(input)
	})

	switch res.Verdict {
	case StatePassed:
		return res.Output, nil
	case StateTimedOut:
		return "", fmt.Errorf("%w after %v", types.ErrSandboxTimeout, sb.timeout)
	default:
		return "", fmt.Errorf("sandboxed execution failed: %s", res.Output)
	}
}

// Verify runs a tool's checks inside a fresh interpreter. The sources are
// combined into one program; every check function named in checkFuncs
// (RunChecks, RunRegression, ...) must exist and return a nil error.
func (sb *Sandbox) Verify(ctx context.Context, sources []string, checkFuncs []string) *Result {
	if len(checkFuncs) == 0 {
		checkFuncs = []string{"RunChecks"}
	}

	return sb.invoke(ctx, sources, func(i *interp.Interpreter) (string, error) {
		for _, fn := range checkFuncs {
			v, err := i.Eval("main." + fn)
			if err != nil {
				return "", fmt.Errorf("%s function not found: %w", fn, err)
			}
			check, ok := v.Interface().(func() error)
			if !ok {
				return "", fmt.Errorf("%s has incorrect signature (expected: func() error)", fn)
			}
			if err := check(); err != nil {
				return "", fmt.Errorf("%s failed: %w", fn, err)
			}
		}
		return "all checks passed", nil
	})
}

// invoke is the shared lifecycle: merge sources into one program, validate
// imports, eval under the wall clock, destroy unconditionally.
func (sb *Sandbox) invoke(ctx context.Context, sources []string, body func(*interp.Interpreter) (string, error)) *Result {
	timer := logging.StartTimer(logging.CategorySandbox, "invoke")
	start := time.Now()

	r := &run{}
	r.transition(StateCreated)

	res := &Result{}
	defer func() {
		r.transition(StateDestroyed)
		res.States = r.states
		res.Duration = time.Since(start)
		timer.StopWithThreshold(sb.timeout)
	}()

	fail := func(msg string) *Result {
		r.transition(StateFailed)
		res.Verdict = StateFailed
		res.Output = msg
		return res
	}

	program, imports := buildProgram(sources)
	if err := sb.validateImports(imports); err != nil {
		return fail(fmt.Sprintf("invalid imports: %v", err))
	}

	// Fresh interpreter per invocation; nothing survives between runs.
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fail(fmt.Sprintf("failed to load stdlib: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, sb.timeout)
	defer cancel()

	r.transition(StateRunning)

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		if _, err := i.Eval(program); err != nil {
			done <- outcome{err: fmt.Errorf("code evaluation failed: %w", err)}
			return
		}
		output, err := body(i)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.transition(StateFailed)
			res.Verdict = StateFailed
			res.Output = out.err.Error()
			logging.Sandbox("Run failed: %v", out.err)
		} else {
			r.transition(StatePassed)
			res.Verdict = StatePassed
			res.Output = sb.capOutput(out.output)
		}
	case <-runCtx.Done():
		// The interpreter goroutine cannot be killed; it is abandoned with
		// its interpreter and collected when it returns.
		r.transition(StateTimedOut)
		res.Verdict = StateTimedOut
		res.Output = fmt.Sprintf("execution exceeded %v wall clock", sb.timeout)
		logging.Sandbox("Run timed out after %v", sb.timeout)
	}

	return res
}

// validateImports checks that only allowed packages are imported.
func (sb *Sandbox) validateImports(imports []string) error {
	var forbidden []string
	for _, pkg := range imports {
		if !sb.allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports detected: %v", forbidden)
	}
	return nil
}

// buildProgram merges source snippets into one package main program. Each
// snippet may carry its own import statements; they are extracted, deduped,
// and emitted as a single import block so the combined file stays valid.
func buildProgram(sources []string) (string, []string) {
	seen := make(map[string]bool)
	var imports []string
	var bodies []string

	for _, src := range sources {
		body, pkgs := stripImports(src)
		bodies = append(bodies, body)
		for _, pkg := range pkgs {
			if !seen[pkg] {
				seen[pkg] = true
				imports = append(imports, pkg)
			}
		}
	}

	var b strings.Builder
	b.WriteString("package main\n\n")
	if len(imports) > 0 {
		b.WriteString("import (\n")
		for _, pkg := range imports {
			fmt.Fprintf(&b, "\t%q\n", pkg)
		}
		b.WriteString(")\n\n")
	}
	b.WriteString(strings.Join(bodies, "\n\n"))
	b.WriteString("\n")
	return b.String(), imports
}

// stripImports removes package and import declarations from a snippet and
// returns the remaining body plus the imported package paths.
func stripImports(code string) (string, []string) {
	var imports []string
	var body []string

	inImportBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "package "):
			continue
		case strings.HasPrefix(trimmed, "import ("):
			inImportBlock = true
			continue
		case inImportBlock && strings.HasPrefix(trimmed, ")"):
			inImportBlock = false
			continue
		case inImportBlock:
			pkg := strings.Trim(trimmed, `"`)
			if pkg != "" {
				imports = append(imports, pkg)
			}
			continue
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.TrimPrefix(trimmed, "import ")
			pkg = strings.Trim(pkg, `"`)
			if pkg != "" {
				imports = append(imports, pkg)
			}
			continue
		}
		body = append(body, line)
	}

	return strings.TrimSpace(strings.Join(body, "\n")), imports
}
