package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrTxDone is returned when a Tx is used after Commit or Rollback.
var ErrTxDone = errors.New("session: transaction already finished")

// Persister stores session state beyond the process. LoadSession returns
// (nil, nil) for an unknown session.
type Persister interface {
	LoadSession(ctx context.Context, id string) (*State, error)
	SaveSession(ctx context.Context, s *State) error
}

// Options configures a Manager.
type Options struct {
	MaxTurns int
	MaxKeys  int
	// Persister is optional; without one state lives in memory only.
	Persister Persister
	Now       func() time.Time
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// Manager owns the state of every session and guarantees at most one turn
// per session at a time.
type Manager struct {
	opts Options

	mu     sync.Mutex
	locks  map[string]*lockEntry
	states map[string]*State
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:   opts,
		locks:  make(map[string]*lockEntry),
		states: make(map[string]*State),
	}
}

// MaxTurns returns the history bound.
func (m *Manager) MaxTurns() int { return m.opts.MaxTurns }

// MaxKeys returns the idempotency key bound.
func (m *Manager) MaxKeys() int { return m.opts.MaxKeys }

func (m *Manager) acquire(ctx context.Context, id string) (*lockEntry, error) {
	m.mu.Lock()
	e := m.locks[id]
	if e == nil {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		m.locks[id] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return e, nil
	case <-ctx.Done():
		m.unref(id, e)
		return nil, ctx.Err()
	}
}

func (m *Manager) release(id string, e *lockEntry) {
	<-e.ch
	m.unref(id, e)
}

func (m *Manager) unref(id string, e *lockEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, id)
	}
	m.mu.Unlock()
}

// Begin waits for the session lock and returns a transaction holding a
// working copy of the session state. The caller must Commit or Rollback.
func (m *Manager) Begin(ctx context.Context, id string) (*Tx, error) {
	e, err := m.acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	st := m.states[id]
	m.mu.Unlock()

	if st == nil && m.opts.Persister != nil {
		loaded, err := m.opts.Persister.LoadSession(ctx, id)
		if err != nil {
			m.release(id, e)
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		st = loaded
	}
	if st == nil {
		st = NewState(id)
	}
	return &Tx{m: m, id: id, lock: e, State: st.Clone()}, nil
}

// Peek returns a copy of the committed state of id, or nil.
func (m *Manager) Peek(id string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id].Clone()
}

// Sessions returns the ids of sessions held in memory, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingCount returns how many sessions await a confirmation.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.states {
		if s.Pending != nil {
			n++
		}
	}
	return n
}

// Tx is an in-progress turn on one session.
type Tx struct {
	m    *Manager
	id   string
	lock *lockEntry
	done bool

	// State is the working copy; it becomes visible on Commit.
	State *State
}

// Commit publishes the working state and releases the session lock. The
// in-memory state is updated even when persisting fails; the persist error
// is returned for the caller to report.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.m.release(tx.id, tx.lock)

	if tx.State.UpdatedAt.IsZero() {
		tx.State.UpdatedAt = tx.m.opts.Now()
	}
	tx.m.mu.Lock()
	tx.m.states[tx.id] = tx.State.Clone()
	tx.m.mu.Unlock()

	if tx.m.opts.Persister == nil {
		return nil
	}
	if err := tx.m.opts.Persister.SaveSession(ctx, tx.State); err != nil {
		slog.Warn("session persist failed", "session_id", tx.id, "err", err)
		return fmt.Errorf("save session %s: %w", tx.id, err)
	}
	return nil
}

// Rollback discards the working state and releases the lock. It is a no-op
// after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.m.release(tx.id, tx.lock)
}
