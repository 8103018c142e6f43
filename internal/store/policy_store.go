package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"toolforge/internal/logging"
	"toolforge/internal/types"
)

// =============================================================================
// POLICY VERSIONS (append-only)
// =============================================================================

// AppendPolicyVersion writes the next version of a policy and returns it.
// Version numbers are allocated inside the transaction so concurrent writers
// never collide.
func (s *LocalStore) AppendPolicyVersion(name string, value types.PolicyValue, metadata map[string]any) (*types.PolicyVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize policy value: %w", err)
	}
	metaJSON, _ := json.Marshal(metadata)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var max sql.NullInt64
	if err := tx.QueryRow(
		"SELECT MAX(version) FROM policies WHERE name = ?", name).Scan(&max); err != nil {
		return nil, err
	}
	next := int(max.Int64) + 1
	now := time.Now().UTC()

	if _, err := tx.Exec(`
		INSERT INTO policies (name, version, value, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		name, next, string(valueJSON), string(metaJSON), now); err != nil {
		return nil, fmt.Errorf("failed to append policy %s v%d: %w", name, next, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logging.Policy("Appended policy %s v%d", name, next)
	return &types.PolicyVersion{
		Name: name, Version: next, Value: value, Metadata: metadata, CreatedAt: now,
	}, nil
}

// GetPolicyVersion loads one specific policy version.
func (s *LocalStore) GetPolicyVersion(name string, version int) (*types.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, version, value, metadata, created_at
		FROM policies WHERE name = ? AND version = ?`, name, version)

	pv, err := scanPolicyVersion(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrPolicyNotFound
	}
	return pv, err
}

// ListPolicyVersions returns a policy's full history, newest first.
func (s *LocalStore) ListPolicyVersions(name string) ([]*types.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, version, value, metadata, created_at
		FROM policies WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*types.PolicyVersion
	for rows.Next() {
		pv, err := scanPolicyVersion(rows)
		if err != nil {
			continue
		}
		versions = append(versions, pv)
	}
	return versions, rows.Err()
}

// LoadCurrentPolicies returns the newest version of every policy, for
// building the in-memory snapshot at startup.
func (s *LocalStore) LoadCurrentPolicies() (map[string]*types.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT p.name, p.version, p.value, p.metadata, p.created_at
		FROM policies p
		JOIN (SELECT name, MAX(version) AS v FROM policies GROUP BY name) latest
		ON p.name = latest.name AND p.version = latest.v`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	current := make(map[string]*types.PolicyVersion)
	for rows.Next() {
		pv, err := scanPolicyVersion(rows)
		if err != nil {
			continue
		}
		current[pv.Name] = pv
	}
	return current, rows.Err()
}

func scanPolicyVersion(row rowScanner) (*types.PolicyVersion, error) {
	var pv types.PolicyVersion
	var valueJSON string
	var metaJSON sql.NullString

	err := row.Scan(&pv.Name, &pv.Version, &valueJSON, &metaJSON, &pv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(valueJSON), &pv.Value); err != nil {
		return nil, fmt.Errorf("unreadable policy value for %s v%d: %w", pv.Name, pv.Version, err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		json.Unmarshal([]byte(metaJSON.String), &pv.Metadata)
	}
	return &pv, nil
}

// =============================================================================
// A/B EXPERIMENTS
// =============================================================================

// InsertExperiment records a new active experiment. The name is the natural
// key; a second insert under the same name fails, which CreateExperiment
// relies on to avoid stacking experiments.
func (s *LocalStore) InsertExperiment(exp *types.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	aJSON, err := json.Marshal(exp.VariantA)
	if err != nil {
		return fmt.Errorf("failed to serialize variant a: %w", err)
	}
	bJSON, err := json.Marshal(exp.VariantB)
	if err != nil {
		return fmt.Errorf("failed to serialize variant b: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO experiments (name, policy_name, variant_a, variant_b, metric,
			traffic_split, min_samples, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.Name, exp.PolicyName, string(aJSON), string(bJSON), exp.Metric,
		exp.TrafficSplit, exp.MinSamples, types.ExperimentActive, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert experiment %s: %w", exp.Name, err)
	}
	logging.Policy("Experiment %s created on policy %s", exp.Name, exp.PolicyName)
	return nil
}

// GetExperiment loads one experiment by name.
func (s *LocalStore) GetExperiment(name string) (*types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, policy_name, variant_a, variant_b, metric, traffic_split,
			min_samples, a_count, a_sum, b_count, b_sum, status, winner, created_at
		FROM experiments WHERE name = ?`, name)

	exp, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrExperimentNotFound
	}
	return exp, err
}

// ListActiveExperiments returns all experiments still collecting samples.
func (s *LocalStore) ListActiveExperiments() ([]*types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, policy_name, variant_a, variant_b, metric, traffic_split,
			min_samples, a_count, a_sum, b_count, b_sum, status, winner, created_at
		FROM experiments WHERE status = ? ORDER BY created_at`, types.ExperimentActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []*types.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			continue
		}
		experiments = append(experiments, exp)
	}
	return experiments, rows.Err()
}

// ActiveExperimentForPolicy returns the active experiment over a policy, or
// nil when none is running.
func (s *LocalStore) ActiveExperimentForPolicy(policyName string) (*types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, policy_name, variant_a, variant_b, metric, traffic_split,
			min_samples, a_count, a_sum, b_count, b_sum, status, winner, created_at
		FROM experiments WHERE policy_name = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, policyName, types.ExperimentActive)

	exp, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exp, err
}

// AddExperimentSample folds one metric observation into an arm's running
// sum and returns the updated experiment.
func (s *LocalStore) AddExperimentSample(name, variant string, value float64) (*types.Experiment, error) {
	s.mu.Lock()
	col := "a"
	if variant == "b" {
		col = "b"
	}
	res, err := s.db.Exec(fmt.Sprintf(`
		UPDATE experiments
		SET %s_count = %s_count + 1, %s_sum = %s_sum + ?
		WHERE name = ? AND status = ?`, col, col, col, col),
		value, name, types.ExperimentActive)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, types.ErrExperimentNotFound
	}
	return s.GetExperiment(name)
}

// ConcludeExperiment marks an experiment finished with a winning arm.
func (s *LocalStore) ConcludeExperiment(name, winner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE experiments
		SET status = ?, winner = ?, concluded_at = ?
		WHERE name = ? AND status = ?`,
		types.ExperimentConcluded, winner, time.Now().UTC(), name, types.ExperimentActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrExperimentNotFound
	}
	logging.Policy("Experiment %s concluded, winner %s", name, winner)
	return nil
}

func scanExperiment(row rowScanner) (*types.Experiment, error) {
	var exp types.Experiment
	var aJSON, bJSON string

	err := row.Scan(&exp.Name, &exp.PolicyName, &aJSON, &bJSON, &exp.Metric,
		&exp.TrafficSplit, &exp.MinSamples, &exp.ACount, &exp.ASum,
		&exp.BCount, &exp.BSum, &exp.Status, &exp.Winner, &exp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(aJSON), &exp.VariantA); err != nil {
		return nil, fmt.Errorf("unreadable variant a for %s: %w", exp.Name, err)
	}
	if err := json.Unmarshal([]byte(bJSON), &exp.VariantB); err != nil {
		return nil, fmt.Errorf("unreadable variant b for %s: %w", exp.Name, err)
	}
	return &exp, nil
}
