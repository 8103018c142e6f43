// Package policy provides the versioned behavioral policy store. Reads hit
// an immutable in-memory snapshot swapped atomically on every write; history
// is append-only in SQLite, so any older version stays retrievable and
// rollback is just a new version with an old value.
package policy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"toolforge/internal/logging"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

// Well-known policy names.
const (
	PolicyRetrievalThreshold = "retrieval_similarity_threshold"
	PolicyCompositeCriteria  = "composite_promotion_criteria"
	PolicyComplexity         = "workflow_complexity_thresholds"
	PolicyCostLimits         = "cost_limits"
	PolicyCacheTTL           = "cache_ttl"
	PolicyRerankingWeights   = "reranking_weights"
	PolicySynthesisKeywords  = "synthesis_intent_keywords"
)

// Defaults returns the seed values for a fresh store.
func Defaults() map[string]types.PolicyValue {
	return map[string]types.PolicyValue{
		PolicyRetrievalThreshold: {
			"threshold":             0.4,
			"single_tool_threshold": 0.6,
			"rerank_enabled":        true,
		},
		PolicyCompositeCriteria: {
			"min_frequency":       3,
			"min_success_rate":    0.8,
			"min_confidence":      0.7,
			"pattern_threshold":   0.7,
			"composite_threshold": 0.7,
		},
		PolicyComplexity: {
			"multi_step_cue_threshold": 1,
			"max_subtasks":             8,
		},
		PolicyCostLimits: {
			"max_synthesis_retries":   1,
			"max_workflow_retries":    1,
			"sandbox_timeout_seconds": 30,
		},
		PolicyCacheTTL: {
			"ttl_seconds": 3600,
			"enabled":     true,
		},
		PolicyRerankingWeights: {
			"similarity": 0.7,
			"success":    0.2,
			"frequency":  0.1,
		},
		PolicySynthesisKeywords: {
			"keywords": []any{"create a tool", "make a tool", "synthesize", "build a capability", "new tool"},
		},
	}
}

// snapshot is the immutable read view. Never mutated after publication.
type snapshot struct {
	values   map[string]types.PolicyValue
	versions map[string]int
}

// Store serves policy reads from an atomic snapshot and persists every write
// as a new version.
type Store struct {
	db   *store.LocalStore
	snap atomic.Pointer[snapshot]
	wmu  sync.Mutex // serializes writers; readers never take it
}

// NewStore opens the policy store, seeding any missing defaults as version 1.
func NewStore(db *store.LocalStore) (*Store, error) {
	s := &Store{db: db}

	current, err := db.LoadCurrentPolicies()
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	for name, value := range Defaults() {
		if _, ok := current[name]; ok {
			continue
		}
		pv, err := db.AppendPolicyVersion(name, value, map[string]any{"source": "default"})
		if err != nil {
			return nil, fmt.Errorf("failed to seed policy %s: %w", name, err)
		}
		current[name] = pv
	}

	snap := &snapshot{
		values:   make(map[string]types.PolicyValue, len(current)),
		versions: make(map[string]int, len(current)),
	}
	for name, pv := range current {
		snap.values[name] = pv.Value
		snap.versions[name] = pv.Version
	}
	s.snap.Store(snap)

	logging.Policy("Policy store ready with %d policies", len(current))
	return s, nil
}

// Get returns the current value of a policy. O(1), lock-free.
func (s *Store) Get(name string) (types.PolicyValue, bool) {
	snap := s.snap.Load()
	v, ok := snap.values[name]
	return v, ok
}

// Value returns the current value or an empty map when the policy is
// unknown, for call sites that only read typed fields with defaults.
func (s *Store) Value(name string) types.PolicyValue {
	if v, ok := s.Get(name); ok {
		return v
	}
	return types.PolicyValue{}
}

// CurrentVersion returns the live version number of a policy.
func (s *Store) CurrentVersion(name string) (int, bool) {
	snap := s.snap.Load()
	v, ok := snap.versions[name]
	return v, ok
}

// Set appends a new version of a policy and publishes it. In-flight readers
// holding the previous snapshot keep seeing the old value; that is the
// intended consistency model.
func (s *Store) Set(name string, value types.PolicyValue, metadata map[string]any) (*types.PolicyVersion, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	pv, err := s.db.AppendPolicyVersion(name, value, metadata)
	if err != nil {
		return nil, err
	}
	s.publish(pv)
	logging.Policy("Policy %s updated to v%d", name, pv.Version)
	return pv, nil
}

// GetVersion retrieves one historical version.
func (s *Store) GetVersion(name string, version int) (*types.PolicyVersion, error) {
	return s.db.GetPolicyVersion(name, version)
}

// History returns a policy's full version chain, newest first.
func (s *Store) History(name string) ([]*types.PolicyVersion, error) {
	return s.db.ListPolicyVersions(name)
}

// Rollback re-publishes an older value as a brand-new version. History stays
// intact; nothing is deleted.
func (s *Store) Rollback(name string, toVersion int) (*types.PolicyVersion, error) {
	old, err := s.db.GetPolicyVersion(name, toVersion)
	if err != nil {
		return nil, err
	}
	return s.Set(name, old.Value, map[string]any{
		"source":         "rollback",
		"rolled_back_to": toVersion,
	})
}

// publish swaps in a new snapshot containing the updated policy.
func (s *Store) publish(pv *types.PolicyVersion) {
	old := s.snap.Load()
	next := &snapshot{
		values:   make(map[string]types.PolicyValue, len(old.values)+1),
		versions: make(map[string]int, len(old.versions)+1),
	}
	for k, v := range old.values {
		next.values[k] = v
	}
	for k, v := range old.versions {
		next.versions[k] = v
	}
	next.values[pv.Name] = pv.Value
	next.versions[pv.Name] = pv.Version
	s.snap.Store(next)
}

// =============================================================================
// A/B ASSIGNMENT
// =============================================================================

// Variant is an experiment arm.
type Variant string

const (
	VariantA Variant = "a"
	VariantB Variant = "b"
)

// Assign deterministically buckets a session into an experiment arm.
// trafficSplit is the share of sessions receiving variant A, in [0,1].
// The same session and experiment always land in the same arm.
func Assign(sessionID, experiment string, trafficSplit float64) Variant {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(experiment))
	bucket := h.Sum32() % 100

	if float64(bucket) < trafficSplit*100 {
		return VariantA
	}
	return VariantB
}

// ErrExperimentActive means a policy already has an experiment collecting
// samples; a new candidate must wait for it to conclude.
var ErrExperimentActive = errors.New("experiment already active")

// CreateExperiment starts an A/B test of a candidate value against the
// current live value of a policy. Variant A is the control (the live value),
// variant B the candidate. Only one experiment may run per policy at a time.
func (s *Store) CreateExperiment(name, policyName string, candidate types.PolicyValue, metric string, trafficSplit float64, minSamples int) (*types.Experiment, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	active, err := s.db.ActiveExperimentForPolicy(policyName)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s runs on %s", ErrExperimentActive, active.Name, policyName)
	}

	exp := &types.Experiment{
		Name:         name,
		PolicyName:   policyName,
		VariantA:     s.Value(policyName),
		VariantB:     candidate,
		Metric:       metric,
		TrafficSplit: trafficSplit,
		MinSamples:   minSamples,
		Status:       types.ExperimentActive,
	}
	if err := s.db.InsertExperiment(exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// ActiveExperiments lists experiments still collecting samples.
func (s *Store) ActiveExperiments() ([]*types.Experiment, error) {
	return s.db.ListActiveExperiments()
}

// RecordExperimentResult folds one metric observation into the session's arm.
// Once both arms reach the sample floor the experiment concludes: the arm
// with the higher mean wins, and a winning candidate is published as a new
// policy version.
func (s *Store) RecordExperimentResult(name, sessionID string, value float64) error {
	exp, err := s.db.GetExperiment(name)
	if err != nil {
		return err
	}
	if exp.Status != types.ExperimentActive {
		return nil
	}

	variant := string(Assign(sessionID, name, exp.TrafficSplit))
	exp, err = s.db.AddExperimentSample(name, variant, value)
	if errors.Is(err, types.ErrExperimentNotFound) {
		// Concluded by a concurrent recorder; the sample is moot.
		return nil
	}
	if err != nil {
		return err
	}
	if exp.ACount < exp.MinSamples || exp.BCount < exp.MinSamples {
		return nil
	}

	winner := string(VariantA)
	if exp.Mean("b") > exp.Mean("a") {
		winner = string(VariantB)
	}
	if err := s.db.ConcludeExperiment(name, winner); err != nil {
		return err
	}
	if winner == string(VariantB) {
		_, err := s.Set(exp.PolicyName, exp.VariantB, map[string]any{
			"source":     "experiment",
			"experiment": name,
			"mean_a":     exp.Mean("a"),
			"mean_b":     exp.Mean("b"),
		})
		return err
	}
	logging.Policy("Experiment %s kept the control value for %s", name, exp.PolicyName)
	return nil
}

// ValueFor returns the policy value a given session should see. Sessions
// bucketed into arm B of an active experiment read the candidate value;
// everyone else reads the live value. Falls back to the live value on any
// lookup error so experiments can never break reads.
func (s *Store) ValueFor(name, sessionID string) types.PolicyValue {
	live := s.Value(name)
	if sessionID == "" {
		return live
	}
	exp, err := s.db.ActiveExperimentForPolicy(name)
	if err != nil || exp == nil {
		return live
	}
	if Assign(sessionID, exp.Name, exp.TrafficSplit) == VariantB {
		return exp.VariantB
	}
	return live
}
