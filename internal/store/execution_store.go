package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"toolforge/internal/types"
)

// =============================================================================
// EXECUTION LOG (append-only)
// =============================================================================

// AppendExecution writes one execution record. The log is never updated or
// deleted by the runtime; mining reads committed rows only.
func (s *LocalStore) AppendExecution(rec *types.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputsJSON, _ := json.Marshal(rec.Inputs)
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (id, session_id, tool_name, inputs, success, error, duration_ms, session_seq, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.ToolName, string(inputsJSON),
		boolToInt(rec.Success), rec.Error, rec.DurationMS, rec.SessionSeq, rec.RecordedAt)
	return err
}

// NextSessionSeq returns the next sequence number within a session.
func (s *LocalStore) NextSessionSeq(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(session_seq) FROM executions WHERE session_id = ?", sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// ListSessionExecutions returns a session's executions in order.
func (s *LocalStore) ListSessionExecutions(sessionID string) ([]*types.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, tool_name, inputs, success, error, duration_ms, session_seq, recorded_at
		FROM executions WHERE session_id = ? ORDER BY session_seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListExecutionsSince returns all executions recorded at or after the cutoff,
// used by the auto-tuner's lookback metrics.
func (s *LocalStore) ListExecutionsSince(cutoff time.Time) ([]*types.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, tool_name, inputs, success, error, duration_ms, session_seq, recorded_at
		FROM executions WHERE recorded_at >= ? ORDER BY recorded_at`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListRecentSessionIDs returns the distinct sessions with executions at or
// after the cutoff, for batch mining.
func (s *LocalStore) ListRecentSessionIDs(cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT DISTINCT session_id FROM executions WHERE recorded_at >= ?", cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanExecutions(rows *sql.Rows) ([]*types.ExecutionRecord, error) {
	var records []*types.ExecutionRecord
	for rows.Next() {
		var rec types.ExecutionRecord
		var inputsJSON, errText sql.NullString
		var success int
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &inputsJSON,
			&success, &errText, &rec.DurationMS, &rec.SessionSeq, &rec.RecordedAt); err != nil {
			continue
		}
		rec.Success = success != 0
		rec.Error = errText.String
		if inputsJSON.Valid && inputsJSON.String != "" {
			json.Unmarshal([]byte(inputsJSON.String), &rec.Inputs)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
