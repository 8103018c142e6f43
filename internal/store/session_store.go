package store

import (
	"time"

	"toolforge/internal/types"
)

// =============================================================================
// SESSIONS AND MESSAGES
// =============================================================================

// TouchSession creates the session row if missing and bumps its last
// interaction time.
func (s *LocalStore) TouchSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, created_at, last_interaction_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_interaction_at = excluded.last_interaction_at`,
		sessionID, now, now)
	return err
}

// AppendMessage records one conversational turn.
func (s *LocalStore) AppendMessage(m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		m.SessionID, m.Role, m.Content, m.CreatedAt)
	return err
}

// RecentMessages returns the last n messages of a session in chronological
// order.
func (s *LocalStore) RecentMessages(sessionID string, n int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 10
	}
	rows, err := s.db.Query(`
		SELECT session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at
			FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			continue
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
