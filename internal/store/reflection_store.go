package store

import (
	"database/sql"
	"time"

	"toolforge/internal/types"
)

// =============================================================================
// REFLECTION REPORTS
// =============================================================================

// SaveReflection records one self-repair attempt.
func (s *LocalStore) SaveReflection(r *types.ReflectionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO reflections (id, tool_name, failure_class, failure_detail, root_cause,
			fix_applied, fix_successful, old_version, new_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ToolName, string(r.FailureClass), r.FailureDetail, r.RootCause,
		boolToInt(r.FixApplied), boolToInt(r.FixSuccessful),
		r.OldVersion, r.NewVersion, r.CreatedAt)
	return err
}

// ListReflections returns a tool's repair history, newest first.
func (s *LocalStore) ListReflections(toolName string) ([]*types.ReflectionReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, tool_name, failure_class, failure_detail, root_cause,
			fix_applied, fix_successful, old_version, new_version, created_at
		FROM reflections WHERE tool_name = ? ORDER BY created_at DESC`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*types.ReflectionReport
	for rows.Next() {
		var r types.ReflectionReport
		var detail, rootCause sql.NullString
		var class string
		var applied, successful int
		if err := rows.Scan(&r.ID, &r.ToolName, &class, &detail, &rootCause,
			&applied, &successful, &r.OldVersion, &r.NewVersion, &r.CreatedAt); err != nil {
			continue
		}
		r.FailureClass = types.FailureClass(class)
		r.FailureDetail = detail.String
		r.RootCause = rootCause.String
		r.FixApplied = applied != 0
		r.FixSuccessful = successful != 0
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}
