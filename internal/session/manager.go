package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/staging"
)

// Purger drops the staged clips of a session.
type Purger interface {
	Purge(sessionID string) error
}

// defaultRetention is how long a terminated session stays visible to
// Snapshot and Sessions before it is evicted.
const defaultRetention = 15 * time.Minute

// Manager keeps one controller per session id. A session id that already
// terminated is started afresh at Idle with a new controller.
type Manager struct {
	deps   Deps
	opts   Options
	purger Purger
	log    *slog.Logger
	ins    *instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retention time.Duration

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewManager builds a manager. A nil purger keeps staged clips when a
// session id is reused.
func NewManager(parent context.Context, deps Deps, opts Options, purger Purger, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	log := logger.With(slog.String("component", "session"))
	return &Manager{
		deps:     deps,
		opts:     opts,
		purger:   purger,
		log:      log,
		ins:      newInstruments(log),
		ctx:      ctx,
		cancel:    cancel,
		retention: defaultRetention,
		sessions:  make(map[string]*Controller),
	}
}

// Create registers a session without starting it.
func (m *Manager) Create(id string) (*Controller, error) {
	if !staging.ValidSessionID(id) {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[id]; ok && c.State() != Terminated {
		return c, nil
	}
	return m.createLocked(id), nil
}

func (m *Manager) createLocked(id string) *Controller {
	m.evictLocked(time.Now().UTC())
	if m.purger != nil {
		if err := m.purger.Purge(id); err != nil {
			m.log.Warn("failed to purge staged clips", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	c := newController(m.ctx, id, m.deps, m.opts, m.ins, m.log)
	m.sessions[id] = c
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.run()
	}()
	m.log.Info("session created", slog.String("session_id", id))
	return c
}

// Start begins (or resumes) listening for id, creating the session if needed.
func (m *Manager) Start(id string) error {
	c, err := m.Create(id)
	if err != nil {
		return err
	}
	return c.Start()
}

// Continue resumes an existing session waiting at its continuation prompt.
func (m *Manager) Continue(id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	return c.Continue()
}

func (m *Manager) Stop(id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	c.Stop()
	return nil
}

func (m *Manager) Snapshot(id string) (Snapshot, error) {
	c, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// Sessions lists every known session, newest first.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// evictLocked drops terminated sessions idle for longer than the retention
// window. Their workers have already exited.
func (m *Manager) evictLocked(now time.Time) {
	for id, c := range m.sessions {
		snap := c.Snapshot()
		if snap.State == Terminated && now.Sub(snap.UpdatedAt) >= m.retention {
			delete(m.sessions, id)
			m.log.Debug("session evicted", slog.String("session_id", id))
		}
	}
}

// Exclusive runs fn while no session is live and none can be created or
// resumed. It returns ErrSessionsActive without calling fn when any session
// has not terminated.
func (m *Manager) Exclusive(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.sessions {
		if c.State() != Terminated {
			return ErrSessionsActive
		}
	}
	return fn()
}

// Active counts sessions that have not terminated.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.sessions {
		if c.State() != Terminated {
			n++
		}
	}
	return n
}

func (m *Manager) get(id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return c, nil
}

// Close cancels in-flight listens and waits for every session worker to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
