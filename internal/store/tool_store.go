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
// TOOLS
// =============================================================================

// UpsertTool inserts or replaces a tool row, including its embedding.
// A nil embedding leaves any previously stored vector in place, so version
// bumps do not have to re-embed an unchanged description.
func (s *LocalStore) UpsertTool(tool *types.Tool, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, _ := json.Marshal(tool.Parameters)
	componentsJSON, _ := json.Marshal(tool.ComponentTools)

	var embeddingJSON any
	if embedding != nil {
		data, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		embeddingJSON = string(data)
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO tools (name, description, parameters, return_type, code, test_code,
			version, experimental, component_tools, workflow_template,
			usage_count, success_count, success_rate, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			parameters = excluded.parameters,
			return_type = excluded.return_type,
			code = excluded.code,
			test_code = excluded.test_code,
			version = excluded.version,
			experimental = excluded.experimental,
			component_tools = excluded.component_tools,
			workflow_template = excluded.workflow_template,
			embedding = COALESCE(excluded.embedding, tools.embedding),
			updated_at = excluded.updated_at`,
		tool.Name, tool.Description, string(paramsJSON), tool.ReturnType,
		tool.Code, tool.TestCode, tool.Version, boolToInt(tool.Experimental),
		string(componentsJSON), tool.WorkflowTemplate,
		tool.UsageCount, tool.SuccessCount, tool.SuccessRate,
		embeddingJSON, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert tool %s: %w", tool.Name, err)
	}

	logging.StoreDebug("Upserted tool %s v%d (experimental=%v)", tool.Name, tool.Version, tool.Experimental)
	return nil
}

// GetTool loads a single tool by exact name.
func (s *LocalStore) GetTool(name string) (*types.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, description, parameters, return_type, code, test_code,
			version, experimental, component_tools, workflow_template,
			usage_count, success_count, success_rate, created_at, updated_at
		FROM tools WHERE name = ?`, name)

	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrToolNotFound
	}
	return tool, err
}

// DeleteTool removes a tool row. Version history is kept.
func (s *LocalStore) DeleteTool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM tools WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete tool %s: %w", name, err)
	}
	logging.Store("Deleted tool %s", name)
	return nil
}

// ListTools returns all registered tools without embeddings.
func (s *LocalStore) ListTools() ([]*types.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, description, parameters, return_type, code, test_code,
			version, experimental, component_tools, workflow_template,
			usage_count, success_count, success_rate, created_at, updated_at
		FROM tools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []*types.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			logging.StoreDebug("Skipping unreadable tool row: %v", err)
			continue
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// ToolEmbedding is a tool name paired with its stored vector.
type ToolEmbedding struct {
	Name      string
	Embedding []float32
}

// ListToolEmbeddings returns the retrieval corpus: every tool that has a
// stored embedding.
func (s *LocalStore) ListToolEmbeddings() ([]ToolEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT name, embedding FROM tools WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var corpus []ToolEmbedding
	for rows.Next() {
		var name, embeddingJSON string
		if err := rows.Scan(&name, &embeddingJSON); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			logging.StoreDebug("Skipping tool %s with unreadable embedding: %v", name, err)
			continue
		}
		corpus = append(corpus, ToolEmbedding{Name: name, Embedding: vec})
	}
	return corpus, rows.Err()
}

// RecordToolUsage updates a tool's usage counters after an execution.
func (s *LocalStore) RecordToolUsage(name string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	successDelta := 0
	if success {
		successDelta = 1
	}
	_, err := s.db.Exec(`
		UPDATE tools SET
			usage_count = usage_count + 1,
			success_count = success_count + ?,
			success_rate = CAST(success_count + ? AS REAL) / (usage_count + 1),
			updated_at = CURRENT_TIMESTAMP
		WHERE name = ?`, successDelta, successDelta, name)
	if err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", name, err)
	}
	return nil
}

// CountTools returns the number of registered tools.
func (s *LocalStore) CountTools() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM tools").Scan(&n)
	return n, err
}

// =============================================================================
// TOOL VERSIONS
// =============================================================================

// SaveToolVersion appends a new immutable version and flips is_current to it
// in one transaction.
func (s *LocalStore) SaveToolVersion(v *types.ToolVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE tool_versions SET is_current = 0 WHERE tool_name = ?", v.ToolName); err != nil {
		return fmt.Errorf("failed to clear current version: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO tool_versions (tool_name, version, code, test_code, change_log, is_current, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		v.ToolName, v.Version, v.Code, v.TestCode, v.ChangeLog, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert version %d of %s: %w", v.Version, v.ToolName, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Store("Saved tool version %s v%d", v.ToolName, v.Version)
	return nil
}

// GetToolVersion loads one specific version of a tool.
func (s *LocalStore) GetToolVersion(toolName string, version int) (*types.ToolVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT tool_name, version, code, test_code, change_log, is_current, created_at
		FROM tool_versions WHERE tool_name = ? AND version = ?`, toolName, version)

	return scanToolVersion(row)
}

// ListToolVersions returns all versions of a tool, newest first.
func (s *LocalStore) ListToolVersions(toolName string) ([]*types.ToolVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tool_name, version, code, test_code, change_log, is_current, created_at
		FROM tool_versions WHERE tool_name = ? ORDER BY version DESC`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*types.ToolVersion
	for rows.Next() {
		v, err := scanToolVersion(rows)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*types.Tool, error) {
	var tool types.Tool
	var paramsJSON, componentsJSON sql.NullString
	var returnType, testCode, workflowTemplate sql.NullString
	var experimental int

	err := row.Scan(&tool.Name, &tool.Description, &paramsJSON, &returnType,
		&tool.Code, &testCode, &tool.Version, &experimental,
		&componentsJSON, &workflowTemplate,
		&tool.UsageCount, &tool.SuccessCount, &tool.SuccessRate,
		&tool.CreatedAt, &tool.UpdatedAt)
	if err != nil {
		return nil, err
	}

	tool.ReturnType = returnType.String
	tool.TestCode = testCode.String
	tool.WorkflowTemplate = workflowTemplate.String
	tool.Experimental = experimental != 0
	if paramsJSON.Valid && paramsJSON.String != "" {
		json.Unmarshal([]byte(paramsJSON.String), &tool.Parameters)
	}
	if componentsJSON.Valid && componentsJSON.String != "" {
		json.Unmarshal([]byte(componentsJSON.String), &tool.ComponentTools)
	}
	return &tool, nil
}

func scanToolVersion(row rowScanner) (*types.ToolVersion, error) {
	var v types.ToolVersion
	var testCode, changeLog sql.NullString
	var isCurrent int

	err := row.Scan(&v.ToolName, &v.Version, &v.Code, &testCode, &changeLog, &isCurrent, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tool version not found")
	}
	if err != nil {
		return nil, err
	}
	v.TestCode = testCode.String
	v.ChangeLog = changeLog.String
	v.IsCurrent = isCurrent != 0
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
