// Package tuner closes the self-improvement loop: it measures recent
// system performance and proposes new policy versions when a candidate
// setting scores better than the current one on replayed history.
package tuner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

const (
	defaultLookback = 7 * 24 * time.Hour

	// Experiment shape for tuner proposals: half the sessions see the
	// candidate, and each arm needs this many samples before a winner.
	experimentTrafficSplit = 0.5
	experimentMinSamples   = 20
	experimentMetric       = "success_rate"
)

// Metrics summarizes recent execution history.
type Metrics struct {
	Window          time.Duration `json:"window"`
	Executions      int           `json:"executions"`
	SuccessRate     float64       `json:"success_rate"`
	AvgLatencyMS    float64       `json:"avg_latency_ms"`
	DistinctTools   int           `json:"distinct_tools"`
	PatternsMined   int           `json:"patterns_mined"`
	PatternsReused  int           `json:"patterns_reused"`
	ComputedAt      time.Time     `json:"computed_at"`
}

// Tuner evaluates and adjusts policies from observed history.
type Tuner struct {
	db       *store.LocalStore
	policies *policy.Store
	lookback time.Duration
}

// New creates a tuner with the default one-week lookback.
func New(db *store.LocalStore, policies *policy.Store) *Tuner {
	return &Tuner{db: db, policies: policies, lookback: defaultLookback}
}

// ComputeMetrics aggregates execution history in the lookback window.
func (t *Tuner) ComputeMetrics() (*Metrics, error) {
	cutoff := time.Now().UTC().Add(-t.lookback)
	executions, err := t.db.ListExecutionsSince(cutoff)
	if err != nil {
		return nil, err
	}

	m := &Metrics{Window: t.lookback, Executions: len(executions), ComputedAt: time.Now().UTC()}
	if len(executions) == 0 {
		return m, nil
	}

	tools := map[string]struct{}{}
	var successes int
	var totalLatency float64
	for _, ex := range executions {
		tools[ex.ToolName] = struct{}{}
		if ex.Success {
			successes++
		}
		totalLatency += float64(ex.DurationMS)
	}
	m.SuccessRate = float64(successes) / float64(len(executions))
	m.AvgLatencyMS = totalLatency / float64(len(executions))
	m.DistinctTools = len(tools)

	patterns, err := t.db.ListPatterns(0)
	if err != nil {
		return nil, err
	}
	m.PatternsMined = len(patterns)
	for _, p := range patterns {
		if p.Promoted {
			m.PatternsReused++
		}
	}
	return m, nil
}

// TuneAll runs every tuning pass concurrently and returns the metrics the
// passes were based on. Individual passes that find nothing better are not
// errors.
func (t *Tuner) TuneAll() (*Metrics, error) {
	metrics, err := t.ComputeMetrics()
	if err != nil {
		return nil, err
	}
	if metrics.Executions < 20 {
		logging.Tuner("Skipping tuning: only %d executions in window", metrics.Executions)
		return metrics, nil
	}

	var g errgroup.Group
	g.Go(func() error { return t.TuneRetrievalThreshold(metrics) })
	g.Go(func() error { return t.TuneCompositeCriteria(metrics) })
	g.Go(func() error { return t.TuneRerankingWeights(metrics) })
	if err := g.Wait(); err != nil {
		return metrics, err
	}
	logging.Tuner("Tuning pass complete: sr=%.3f latency=%.0fms over %d executions",
		metrics.SuccessRate, metrics.AvgLatencyMS, metrics.Executions)
	return metrics, nil
}

// TuneRetrievalThreshold grid-searches candidate similarity floors, scores
// each against the observed window, and proposes the best one. A high
// failure rate pulls the scoring optimum up (the floor admits bad matches);
// a very high success rate with few distinct tools pulls it down (the floor
// rejects usable ones).
func (t *Tuner) TuneRetrievalThreshold(m *Metrics) error {
	current := t.policies.Value(policy.PolicyRetrievalThreshold)
	threshold := current.Float("threshold", 0.4)

	best, bestScore := threshold, -1.0
	for _, c := range candidateGrid(0.3, 0.7, 5) {
		if score := scoreThreshold(c, m); score > bestScore {
			best, bestScore = c, score
		}
	}
	if math.Abs(best-threshold) < 1e-9 {
		return nil
	}

	value := types.PolicyValue{}
	for k, v := range current {
		value[k] = v
	}
	value["threshold"] = best
	return t.propose(policy.PolicyRetrievalThreshold, value, m,
		fmt.Sprintf("retrieval threshold %.2f -> %.2f (score %.2f)", threshold, best, bestScore))
}

// scoreThreshold rates one candidate floor on the observed window. The score
// peaks at an optimum that the window shifts: upward under failures, downward
// when a narrow tool set succeeds at everything.
func scoreThreshold(threshold float64, m *Metrics) float64 {
	optimal := 0.45
	switch {
	case m.SuccessRate < 0.6:
		optimal = 0.55
	case m.SuccessRate > 0.9 && m.DistinctTools < 3:
		optimal = 0.35
	}
	return math.Max(0, 1-2*math.Abs(threshold-optimal))
}

// candidateGrid returns n evenly spaced candidates across [lo, hi].
func candidateGrid(lo, hi float64, n int) []float64 {
	if n < 2 {
		return []float64{lo}
	}
	step := (hi - lo) / float64(n-1)
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = round3(lo + float64(i)*step)
	}
	return grid
}

// TuneCompositeCriteria relaxes promotion criteria when patterns are mined
// but nothing qualifies, and tightens them when promoted composites fail.
func (t *Tuner) TuneCompositeCriteria(m *Metrics) error {
	current := t.policies.Value(policy.PolicyCompositeCriteria)
	minFreq := current.Float("min_frequency", 3)
	minRate := current.Float("min_success_rate", 0.8)

	proposedFreq, proposedRate := minFreq, minRate
	switch {
	case m.PatternsMined >= 5 && m.PatternsReused == 0:
		proposedFreq = clamp(minFreq-1, 2, 10)
	case m.SuccessRate < 0.5:
		proposedRate = clamp(minRate+0.05, 0.5, 0.95)
	}
	if proposedFreq == minFreq && proposedRate == minRate {
		return nil
	}

	value := types.PolicyValue{}
	for k, v := range current {
		value[k] = v
	}
	value["min_frequency"] = proposedFreq
	value["min_success_rate"] = proposedRate
	return t.propose(policy.PolicyCompositeCriteria, value, m,
		fmt.Sprintf("composite criteria freq %.0f->%.0f rate %.2f->%.2f",
			minFreq, proposedFreq, minRate, proposedRate))
}

// TuneRerankingWeights shifts weight from raw similarity toward observed
// success once enough history exists, keeping the weights normalized.
func (t *Tuner) TuneRerankingWeights(m *Metrics) error {
	if m.Executions < 100 {
		return nil
	}
	current := t.policies.Value(policy.PolicyRerankingWeights)
	sim := current.Float("similarity", 0.7)
	success := current.Float("success", 0.2)
	freq := current.Float("frequency", 0.1)

	if success >= 0.3 {
		return nil
	}
	sim, success = sim-0.05, success+0.05
	total := sim + success + freq
	value := types.PolicyValue{
		"similarity": round3(sim / total),
		"success":    round3(success / total),
		"frequency":  round3(freq / total),
	}
	return t.propose(policy.PolicyRerankingWeights, value, m, "shift weight toward observed success")
}

// propose routes a candidate value through an A/B experiment instead of
// applying it to all traffic. The candidate only becomes the live value if
// its arm wins; a policy with an experiment already running is left alone.
func (t *Tuner) propose(name string, value types.PolicyValue, m *Metrics, reason string) error {
	expName := fmt.Sprintf("tune_%s_%s", name, time.Now().UTC().Format("20060102T150405"))
	exp, err := t.policies.CreateExperiment(expName, name, value,
		experimentMetric, experimentTrafficSplit, experimentMinSamples)
	if errors.Is(err, policy.ErrExperimentActive) {
		logging.Tuner("Skipping %s: %v", name, err)
		return nil
	}
	if err != nil {
		return err
	}
	logging.Tuner("Experiment %s started on %s (%s; window sr=%.3f over %d executions)",
		exp.Name, name, reason, m.SuccessRate, m.Executions)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
