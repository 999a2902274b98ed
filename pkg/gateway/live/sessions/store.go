// Package sessions keeps the authoritative in-memory record of voice call
// sessions, plus a tracker for the live connections driving them. The store
// is the durable-ish view (create, end, cleanup); the tracker lets the
// process drain connections on shutdown.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/careline/voicegate/pkg/core/contextbuf"
	"github.com/careline/voicegate/pkg/core/types"
)

// ErrDuplicateSession is returned when creating a session whose ID is
// already present.
var ErrDuplicateSession = errors.New("session already exists")

// ErrSessionNotFound is returned for lookups of unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Store holds all sessions the process knows about. One coarse lock guards
// the map; operations do no I/O under it.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*types.Session
}

// NewStore builds an empty store. A nil logger falls back to slog.Default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*types.Session),
	}
}

// Create registers a new active session. An empty sessionID gets a
// generated one. Creating an ID that already exists fails with
// ErrDuplicateSession regardless of the existing session's status.
func (s *Store) Create(sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if _, exists := s.sessions[sessionID]; exists {
			return nil, ErrDuplicateSession
		}
	}
	session := types.NewSession(sessionID, s.now())
	if _, exists := s.sessions[session.ID]; exists {
		return nil, ErrDuplicateSession
	}
	s.sessions[session.ID] = session

	s.logger.Info("session created", slog.String("session_id", session.ID))
	return session, nil
}

// Get returns the session for the ID.
func (s *Store) Get(sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// End marks the session ended. Ending an already-ended session is
// tolerated and returns the session unchanged; only unknown IDs fail.
func (s *Store) End(sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := session.EndSession(s.now()); err != nil {
		if errors.Is(err, types.ErrAlreadyEnded) {
			return session, nil
		}
		return nil, err
	}
	s.logger.Info("session ended", slog.String("session_id", sessionID))
	return session, nil
}

// Delete removes the session from the store entirely. Reports whether a
// session was actually removed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	s.logger.Info("session deleted", slog.String("session_id", sessionID))
	return true
}

// ListActive returns all sessions still active.
func (s *Store) ListActive() []*types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.IsActive() {
			out = append(out, session)
		}
	}
	return out
}

// CleanupEnded removes ended sessions whose end time is older than maxAge
// and returns how many were removed.
func (s *Store) CleanupEnded(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.Status != types.SessionEnded || session.EndTime == nil {
			continue
		}
		if session.EndTime.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("cleaned up ended sessions", slog.Int("count", removed))
	}
	return removed
}

// Counts reports session totals by status.
type Counts struct {
	Active int `json:"active"`
	Ended  int `json:"ended"`
	Total  int `json:"total"`
}

// Count tallies sessions by status.
func (s *Store) Count() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Counts{Total: len(s.sessions)}
	for _, session := range s.sessions {
		switch session.Status {
		case types.SessionActive:
			c.Active++
		case types.SessionEnded:
			c.Ended++
		}
	}
	return c
}

// Handle exposes the controls a live connection registers with the
// tracker. History, when set, lets read-side handlers summarize the
// connection's conversation.
type Handle struct {
	Cancel  func()
	History *contextbuf.Buffer
}

// Tracker follows live connections so shutdown can cancel and await them.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackedConn
	wg      sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*trackedConn)}
}

// Register adds a live connection under its session ID, displacing any
// previous registration for the same ID. The returned func unregisters;
// calling it more than once is safe.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	entry := &trackedConn{handle: h}

	t.mu.Lock()
	old := t.entries[sessionID]
	t.entries[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}
	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedConn) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.entries[sessionID] == entry {
			delete(t.entries, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Lookup returns the handle for a currently connected session.
func (t *Tracker) Lookup(sessionID string) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[sessionID]
	if !ok {
		return Handle{}, false
	}
	return entry.handle, true
}

// Count reports how many live connections are registered.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CancelAll fires every registered connection's cancel and reports how
// many were invoked.
func (t *Tracker) CancelAll() (canceled int) {
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.entries {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection unregisters or ctx ends,
// reporting whether the drain completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
