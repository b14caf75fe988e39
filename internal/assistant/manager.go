package assistant

import (
	"log/slog"
	"sync"
	"time"

	"boardline/internal/events"
	"boardline/internal/metrics"
)

type Options struct {
	Remote         Remote
	Notifier       events.Notifier
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	GuidancePrompt string
	Now            func() time.Time
}

// Manager owns the sessions, one per task id.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[int64]*Session
	closed   bool
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, sessions: make(map[int64]*Session)}
}

// Session returns the task's session, creating it from tc on first use. An
// existing session keeps the context it was created with.
func (m *Manager) Session(tc TaskContext) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[tc.TaskID]; ok {
		return s, nil
	}
	s := newSession(tc, m.opts)
	m.sessions[tc.TaskID] = s
	return s, nil
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(taskID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	return s, ok
}

// Forget closes and drops the task's session; the next Session call starts
// a fresh one.
func (m *Manager) Forget(taskID int64) {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	delete(m.sessions, taskID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Retain forgets every session whose task belongs to a project other than
// projectID.
func (m *Manager) Retain(projectID int64) {
	m.mu.Lock()
	var stale []int64
	for id, s := range m.sessions {
		if s.task.ProjectID != projectID {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.Forget(id)
	}
}

// Close closes every session. Pending results are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[int64]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
