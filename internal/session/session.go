// Package session keeps per-session conversational memory in the local
// store so prompts can be grounded in recent turns.
package session

import (
	"fmt"
	"strings"

	"toolforge/internal/logging"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

const defaultWindow = 6

// Manager reads and writes session history.
type Manager struct {
	db     *store.LocalStore
	window int
}

// NewManager creates a session manager with the default history window.
func NewManager(db *store.LocalStore) *Manager {
	return &Manager{db: db, window: defaultWindow}
}

// Touch records session activity, creating the session row on first use.
func (m *Manager) Touch(sessionID string) error {
	return m.db.TouchSession(sessionID)
}

// AppendTurn stores one user prompt and the assistant reply that answered it.
func (m *Manager) AppendTurn(sessionID, prompt, reply string) {
	if err := m.db.AppendMessage(&types.Message{SessionID: sessionID, Role: types.RoleUser, Content: prompt}); err != nil {
		logging.Get(logging.CategorySession).Warn("Failed to store user message: %v", err)
	}
	if err := m.db.AppendMessage(&types.Message{SessionID: sessionID, Role: types.RoleAssistant, Content: reply}); err != nil {
		logging.Get(logging.CategorySession).Warn("Failed to store assistant message: %v", err)
	}
}

// RecentContext renders the last few turns as a compact transcript for
// prompt grounding. Empty string when the session has no history.
func (m *Manager) RecentContext(sessionID string) string {
	messages, err := m.db.RecentMessages(sessionID, m.window)
	if err != nil {
		logging.Get(logging.CategorySession).Warn("Failed to load session history: %v", err)
		return ""
	}
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	for _, msg := range messages {
		content := msg.Content
		if len(content) > 400 {
			content = content[:400] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
	}
	logging.SessionDebug("Rendered %d messages of context for %s", len(messages), sessionID)
	return strings.TrimRight(b.String(), "\n")
}
