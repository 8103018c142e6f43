package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"toolforge/internal/logging"
	"toolforge/internal/types"
)

// =============================================================================
// WORKFLOW PATTERNS
// =============================================================================

// SequenceKey is the canonical identity of a tool sequence within a kind.
func SequenceKey(kind string, sequence []string) string {
	return kind + ":" + strings.Join(sequence, ">")
}

// UpsertPattern inserts or replaces a mined pattern keyed by its sequence.
func (s *LocalStore) UpsertPattern(p *types.WorkflowPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqJSON, _ := json.Marshal(p.ToolSequence)
	if p.LastSeenAt.IsZero() {
		p.LastSeenAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO patterns (id, sequence, sequence_key, kind, frequency, success_rate, confidence, promoted, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sequence_key) DO UPDATE SET
			frequency = excluded.frequency,
			success_rate = excluded.success_rate,
			confidence = excluded.confidence,
			last_seen_at = excluded.last_seen_at`,
		p.ID, string(seqJSON), SequenceKey(p.Kind, p.ToolSequence), p.Kind,
		p.Frequency, p.SuccessRate, p.Confidence, boolToInt(p.Promoted), p.LastSeenAt)
	if err != nil {
		return err
	}
	logging.StoreDebug("Upserted pattern %v freq=%d success=%.2f conf=%.2f",
		p.ToolSequence, p.Frequency, p.SuccessRate, p.Confidence)
	return nil
}

// GetPattern loads a pattern by kind and sequence, or nil if unseen.
func (s *LocalStore) GetPattern(kind string, sequence []string) (*types.WorkflowPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, sequence, kind, frequency, success_rate, confidence, promoted, last_seen_at
		FROM patterns WHERE sequence_key = ?`, SequenceKey(kind, sequence))

	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPatterns returns all patterns with at least the given confidence,
// highest confidence first.
func (s *LocalStore) ListPatterns(minConfidence float64) ([]*types.WorkflowPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, sequence, kind, frequency, success_rate, confidence, promoted, last_seen_at
		FROM patterns WHERE confidence >= ? ORDER BY confidence DESC, frequency DESC`, minConfidence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*types.WorkflowPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// MarkPatternPromoted flags a pattern as promoted to a composite tool.
func (s *LocalStore) MarkPatternPromoted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE patterns SET promoted = 1 WHERE id = ?", id)
	return err
}

func scanPattern(row rowScanner) (*types.WorkflowPattern, error) {
	var p types.WorkflowPattern
	var seqJSON string
	var promoted int

	err := row.Scan(&p.ID, &seqJSON, &p.Kind, &p.Frequency, &p.SuccessRate,
		&p.Confidence, &promoted, &p.LastSeenAt)
	if err != nil {
		return nil, err
	}
	p.Promoted = promoted != 0
	json.Unmarshal([]byte(seqJSON), &p.ToolSequence)
	return &p, nil
}

// =============================================================================
// TOOL RELATIONSHIPS
// =============================================================================

// UpsertRelationship inserts or replaces a pairwise tool relationship.
func (s *LocalStore) UpsertRelationship(r *types.ToolRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tool_relationships (from_tool, to_tool, frequency, success_rate, confidence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_tool, to_tool) DO UPDATE SET
			frequency = excluded.frequency,
			success_rate = excluded.success_rate,
			confidence = excluded.confidence`,
		r.FromTool, r.ToTool, r.Frequency, r.SuccessRate, r.Confidence)
	return err
}

// GetRelationship loads one pairwise relationship, or nil if unseen.
func (s *LocalStore) GetRelationship(fromTool, toTool string) (*types.ToolRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r types.ToolRelationship
	err := s.db.QueryRow(`
		SELECT from_tool, to_tool, frequency, success_rate, confidence
		FROM tool_relationships WHERE from_tool = ? AND to_tool = ?`,
		fromTool, toTool).Scan(&r.FromTool, &r.ToTool, &r.Frequency, &r.SuccessRate, &r.Confidence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRelationships returns a tool's outgoing relationships with at least the
// given confidence, highest confidence first, ties broken by frequency.
func (s *LocalStore) ListRelationships(fromTool string, minConfidence float64) ([]*types.ToolRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT from_tool, to_tool, frequency, success_rate, confidence
		FROM tool_relationships WHERE from_tool = ? AND confidence >= ?
		ORDER BY confidence DESC, frequency DESC`, fromTool, minConfidence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []*types.ToolRelationship
	for rows.Next() {
		var r types.ToolRelationship
		if err := rows.Scan(&r.FromTool, &r.ToTool, &r.Frequency, &r.SuccessRate, &r.Confidence); err != nil {
			continue
		}
		rels = append(rels, &r)
	}
	return rels, rows.Err()
}

// =============================================================================
// SKILL EDGES
// =============================================================================

// UpsertSkillEdge inserts or replaces a live-execution edge weight.
func (s *LocalStore) UpsertSkillEdge(e *types.SkillEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO skill_edges (from_tool, to_tool, frequency, success_ema, weight)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_tool, to_tool) DO UPDATE SET
			frequency = excluded.frequency,
			success_ema = excluded.success_ema,
			weight = excluded.weight`,
		e.FromTool, e.ToTool, e.Frequency, e.SuccessEMA, e.Weight)
	return err
}

// GetSkillEdge loads one edge, or nil if the transition was never observed.
func (s *LocalStore) GetSkillEdge(fromTool, toTool string) (*types.SkillEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e types.SkillEdge
	err := s.db.QueryRow(`
		SELECT from_tool, to_tool, frequency, success_ema, weight
		FROM skill_edges WHERE from_tool = ? AND to_tool = ?`,
		fromTool, toTool).Scan(&e.FromTool, &e.ToTool, &e.Frequency, &e.SuccessEMA, &e.Weight)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListSkillEdges returns a tool's outgoing edges at or above the given
// weight, heaviest first, ties broken by frequency.
func (s *LocalStore) ListSkillEdges(fromTool string, minWeight float64) ([]*types.SkillEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT from_tool, to_tool, frequency, success_ema, weight
		FROM skill_edges WHERE from_tool = ? AND weight >= ?
		ORDER BY weight DESC, frequency DESC`, fromTool, minWeight)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*types.SkillEdge
	for rows.Next() {
		var e types.SkillEdge
		if err := rows.Scan(&e.FromTool, &e.ToTool, &e.Frequency, &e.SuccessEMA, &e.Weight); err != nil {
			continue
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// =============================================================================
// MINING WATERMARKS
// =============================================================================

// MiningWatermark returns the highest session sequence number already folded
// into patterns for a session, zero if the session was never mined.
func (s *LocalStore) MiningWatermark(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int
	err := s.db.QueryRow(`
		SELECT last_mined_seq FROM mining_state WHERE session_id = ?`,
		sessionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SetMiningWatermark records how far a session's log has been mined.
func (s *LocalStore) SetMiningWatermark(sessionID string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO mining_state (session_id, last_mined_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_mined_seq = excluded.last_mined_seq,
			updated_at = excluded.updated_at`,
		sessionID, seq, time.Now().UTC())
	return err
}
