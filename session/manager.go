// Package session tracks the logical agent session behind a conversation:
// the current session id, the ids it superseded, the interruption flag and
// the resume checkpoint.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/bazelment/quill/history"
	"github.com/bazelment/quill/transcript"
)

// CheckpointStore is the part of the transcript store used to validate a
// resume checkpoint. Missing messages are reported as history.ErrNotFound.
type CheckpointStore interface {
	Lookup(ctx context.Context, conversationID, messageID string) (*transcript.Message, error)
	Last(ctx context.Context, conversationID string) (*transcript.Message, error)
}

// State is a snapshot of a Manager, suitable for persisting.
type State struct {
	SessionID   string   `json:"session_id,omitempty"`
	Superseded  []string `json:"superseded,omitempty"`
	Checkpoint  string   `json:"checkpoint,omitempty"`
	Interrupted bool     `json:"interrupted,omitempty"`
}

// Manager owns the session identity of one conversation. It is safe for
// concurrent use.
type Manager struct {
	logger *slog.Logger

	mu          sync.Mutex
	current     string
	superseded  []string
	checkpoint  string
	interrupted bool
}

// NewManager restores a manager from state. A nil logger uses
// slog.Default().
func NewManager(state State, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger,
		current:     state.SessionID,
		superseded:  slices.Clone(state.Superseded),
		checkpoint:  state.Checkpoint,
		interrupted: state.Interrupted,
	}
}

// State returns a snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		SessionID:   m.current,
		Superseded:  slices.Clone(m.superseded),
		Checkpoint:  m.checkpoint,
		Interrupted: m.interrupted,
	}
}

// SessionID returns the current session id, or "" before the first turn.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ObserveSessionID records the id a turn actually ran under. When it differs
// from the recorded id the old id moves to the superseded list. It reports
// whether the id changed.
func (m *Manager) ObserveSessionID(id string) bool {
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == m.current {
		return false
	}
	if m.current != "" {
		m.supersede(m.current)
		m.logger.Info("session id changed", "old", m.current, "new", id)
		// A checkpoint belongs to the old session's history.
		m.checkpoint = ""
	}
	m.current = id
	return true
}

// Reset drops the current session so the next turn starts fresh. The old id
// is kept in the superseded list.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != "" {
		m.supersede(m.current)
	}
	m.current = ""
	m.checkpoint = ""
}

// supersede appends id unless present. Callers hold m.mu.
func (m *Manager) supersede(id string) {
	if !slices.Contains(m.superseded, id) {
		m.superseded = append(m.superseded, id)
	}
}

// Superseded returns the ids this conversation ran under before the current
// one, oldest first.
func (m *Manager) Superseded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.superseded)
}

// SetInterrupted records whether the last turn was interrupted.
func (m *Manager) SetInterrupted(v bool) {
	m.mu.Lock()
	m.interrupted = v
	m.mu.Unlock()
}

// Interrupted reports whether the last turn was interrupted.
func (m *Manager) Interrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}

// SetCheckpoint marks messageID as the point the next turn resumes from.
func (m *Manager) SetCheckpoint(messageID string) {
	m.mu.Lock()
	m.checkpoint = messageID
	m.mu.Unlock()
}

// Checkpoint returns the pending checkpoint.
func (m *Manager) Checkpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}

// ResolveCheckpoint applies the checkpoint only while it still names the
// last turn. A checkpoint followed by newer turns is stale and is cleared.
// Either way the checkpoint is consumed.
func (m *Manager) ResolveCheckpoint(lastTurnID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := m.checkpoint
	m.checkpoint = ""
	if cp == "" {
		return "", false
	}
	if cp != lastTurnID {
		m.logger.Debug("discarding stale resume checkpoint", "checkpoint", cp, "last", lastTurnID)
		return "", false
	}
	return cp, true
}

// ValidateCheckpoint resolves the checkpoint against the transcript store:
// it must exist and be the conversation's last message.
func (m *Manager) ValidateCheckpoint(ctx context.Context, store CheckpointStore, conversationID string) (string, bool, error) {
	cp := m.Checkpoint()
	if cp == "" {
		return "", false, nil
	}
	if _, err := store.Lookup(ctx, conversationID, cp); err != nil {
		m.SetCheckpoint("")
		if errors.Is(err, history.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	last, err := store.Last(ctx, conversationID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			m.SetCheckpoint("")
			return "", false, nil
		}
		return "", false, err
	}
	id, ok := m.ResolveCheckpoint(last.ID)
	return id, ok, nil
}
