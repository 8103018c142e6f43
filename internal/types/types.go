// Package types holds the shared data model for the toolforge capability
// system: tools, their versions, execution records, mined workflow patterns,
// policy values, and the progress event protocol.
package types

import "time"

// =============================================================================
// TOOLS
// =============================================================================

// ToolParameter describes a single parameter of a tool's calling schema.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, object, array
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// ToolSpec is the structured specification the generator produces before any
// code is written. Tests and implementation are generated against it.
type ToolSpec struct {
	FunctionName string          `json:"function_name"`
	Parameters   []ToolParameter `json:"parameters"`
	ReturnType   string          `json:"return_type"`
	Docstring    string          `json:"docstring"`
}

// Tool is a registered capability. Code defines
// func RunTool(input string) (string, error); TestCode defines
// func RunChecks() error which exercises RunTool.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   []ToolParameter `json:"parameters"`
	ReturnType   string          `json:"return_type"`
	Code         string          `json:"-"`
	TestCode     string          `json:"-"`
	Version      int             `json:"version"`
	Experimental bool            `json:"experimental"`

	// Composite fields. Empty ComponentTools means a leaf tool.
	ComponentTools   []string `json:"component_tools,omitempty"`
	WorkflowTemplate string   `json:"workflow_template,omitempty"`

	// Usage statistics maintained by the registry.
	UsageCount   int     `json:"usage_count"`
	SuccessCount int     `json:"success_count"`
	SuccessRate  float64 `json:"success_rate"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsComposite reports whether the tool was promoted from a workflow pattern.
func (t *Tool) IsComposite() bool {
	return len(t.ComponentTools) > 0
}

// ToolVersion is one immutable revision of a tool's code and tests. Exactly
// one version per tool name is current at any time.
type ToolVersion struct {
	ToolName  string    `json:"tool_name"`
	Version   int       `json:"version"`
	Code      string    `json:"-"`
	TestCode  string    `json:"-"`
	ChangeLog string    `json:"change_log,omitempty"`
	IsCurrent bool      `json:"is_current"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolMatch is a retrieval result: a tool plus its raw similarity and the
// reranked score used for ordering.
type ToolMatch struct {
	Tool       *Tool   `json:"tool"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// =============================================================================
// EXECUTION TRACKING
// =============================================================================

// ExecutionRecord is one append-only row in the workflow log.
type ExecutionRecord struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	ToolName   string         `json:"tool_name"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	SessionSeq int            `json:"session_seq"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// WorkflowPattern is a mined tool sequence with observed reliability.
type WorkflowPattern struct {
	ID           string    `json:"id"`
	ToolSequence []string  `json:"tool_sequence"`
	Frequency    int       `json:"frequency"`
	SuccessRate  float64   `json:"success_rate"`
	Confidence   float64   `json:"confidence"`
	Kind         string    `json:"kind"` // full_sequence, subsequence
	Promoted     bool      `json:"promoted"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// ToolRelationship is an observed adjacency between two tools in workflows.
type ToolRelationship struct {
	FromTool    string  `json:"from_tool"`
	ToTool      string  `json:"to_tool"`
	Frequency   int     `json:"frequency"`
	SuccessRate float64 `json:"success_rate"`
	Confidence  float64 `json:"confidence"`
}

// SkillEdge is a live-execution transition weight, kept separately from
// mined relationships. Mining counts observations; edges smooth outcome
// quality and feed planner tie-breaking.
type SkillEdge struct {
	FromTool   string  `json:"from_tool"`
	ToTool     string  `json:"to_tool"`
	Frequency  int     `json:"frequency"`
	SuccessEMA float64 `json:"success_ema"`
	Weight     float64 `json:"weight"`
}

// =============================================================================
// PLANNING
// =============================================================================

// Strategy is the planner's routing decision for a request.
type Strategy string

const (
	StrategySingleTool     Strategy = "single_tool"
	StrategyComposite      Strategy = "composite_tool"
	StrategyPattern        Strategy = "pattern"
	StrategySequential     Strategy = "sequential"
	StrategyForceSynthesis Strategy = "force_synthesis"
)

// ExecutionPlan is the full output of query planning.
type ExecutionPlan struct {
	Strategy  Strategy         `json:"strategy"`
	Tool      *ToolMatch       `json:"tool,omitempty"`     // single_tool, composite_tool
	Pattern   *WorkflowPattern `json:"pattern,omitempty"`  // pattern
	Subtasks  []string         `json:"subtasks,omitempty"` // sequential
	Rationale string           `json:"rationale"`
}

// StepResult records the outcome of one workflow step.
type StepResult struct {
	ToolName    string `json:"tool_name"`
	Input       string `json:"input"`
	Output      string `json:"output,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Synthesized bool   `json:"synthesized"` // tool was created inline for this step
}

// WorkflowResult is the transparent outcome of a multi-step execution:
// completed steps are reported even when a later step fails.
type WorkflowResult struct {
	Success        bool         `json:"success"`
	Steps          []StepResult `json:"steps"`
	CompletedSteps int          `json:"completed_steps"`
	FailedStep     int          `json:"failed_step"` // -1 when all steps succeeded
	FinalOutput    string       `json:"final_output,omitempty"`
}

// =============================================================================
// REFLECTION
// =============================================================================

// FailureClass categorizes a tool execution failure for repair routing.
type FailureClass string

const (
	FailureSyntax     FailureClass = "syntax"
	FailureRuntime    FailureClass = "runtime"
	FailureLogic      FailureClass = "logic"
	FailureTimeout    FailureClass = "timeout"
	FailureDependency FailureClass = "dependency"
)

// ReflectionReport records one self-repair attempt.
type ReflectionReport struct {
	ID            string       `json:"id"`
	ToolName      string       `json:"tool_name"`
	FailureClass  FailureClass `json:"failure_class"`
	FailureDetail string       `json:"failure_detail"`
	RootCause     string       `json:"root_cause,omitempty"`
	FixApplied    bool         `json:"fix_applied"`
	FixSuccessful bool         `json:"fix_successful"`
	OldVersion    int          `json:"old_version"`
	NewVersion    int          `json:"new_version,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// =============================================================================
// POLICIES
// =============================================================================

// PolicyValue is an arbitrary JSON-shaped policy payload.
type PolicyValue map[string]any

// Float reads a numeric field with a fallback. JSON round-trips put numbers
// through float64 so int payloads read back fine.
func (v PolicyValue) Float(key string, def float64) float64 {
	raw, ok := v[key]
	if !ok {
		return def
	}
	switch n := raw.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}

// Bool reads a boolean field with a fallback.
func (v PolicyValue) Bool(key string, def bool) bool {
	if b, ok := v[key].(bool); ok {
		return b
	}
	return def
}

// PolicyVersion is one immutable entry in a policy's version chain.
type PolicyVersion struct {
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Value     PolicyValue    `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Experiment statuses.
const (
	ExperimentActive    = "active"
	ExperimentConcluded = "concluded"
)

// Experiment is an A/B test over two candidate values of one policy.
// Sessions are bucketed deterministically into an arm; each arm accumulates
// a running metric until both reach MinSamples, at which point the arm with
// the higher mean wins.
type Experiment struct {
	Name         string      `json:"name"`
	PolicyName   string      `json:"policy_name"`
	VariantA     PolicyValue `json:"variant_a"`
	VariantB     PolicyValue `json:"variant_b"`
	Metric       string      `json:"metric"`
	TrafficSplit float64     `json:"traffic_split"`
	MinSamples   int         `json:"min_samples"`
	ACount       int         `json:"a_count"`
	ASum         float64     `json:"a_sum"`
	BCount       int         `json:"b_count"`
	BSum         float64     `json:"b_sum"`
	Status       string      `json:"status"`
	Winner       string      `json:"winner,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Mean returns the running metric average for one arm.
func (e *Experiment) Mean(variant string) float64 {
	if variant == "b" {
		if e.BCount == 0 {
			return 0
		}
		return e.BSum / float64(e.BCount)
	}
	if e.ACount == 0 {
		return 0
	}
	return e.ASum / float64(e.ACount)
}

// =============================================================================
// SESSIONS
// =============================================================================

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn in a session.
type Message struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// PROGRESS EVENTS
// =============================================================================

// ProgressSink receives named progress events from long-running pipelines.
// A nil sink is always safe; callers must go through Emit.
type ProgressSink func(event string, data map[string]any)

// Emit sends an event to the sink if one is attached.
func (s ProgressSink) Emit(event string, data map[string]any) {
	if s != nil {
		s(event, data)
	}
}
