package versus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Seednode/versus/games/session"
)

type Transition int

const (
	TransitionNone Transition = iota
	TransitionWaiting
	TransitionMatched
	TransitionMoved
	TransitionFinished
	TransitionDeleted
)

func (t Transition) String() string {
	switch t {
	case TransitionWaiting:
		return "waiting"
	case TransitionMatched:
		return "matched"
	case TransitionMoved:
		return "moved"
	case TransitionFinished:
		return "finished"
	case TransitionDeleted:
		return "deleted"
	default:
		return "none"
	}
}

// Mirror is the local copy of one session. It only ever moves forward:
// a snapshot whose version is not newer than the held one is discarded, and
// a deletion is final.
type Mirror struct {
	current session.Session
	known   bool
	deleted bool
}

// Merge folds c into the mirror. It reports the transition the change
// caused and whether the mirror was updated at all.
func (m *Mirror) Merge(c session.Change) (Transition, bool) {
	if m.deleted {
		return TransitionNone, false
	}
	if m.known && c.Session.ID != m.current.ID {
		return TransitionNone, false
	}

	if c.Deleted {
		m.deleted = true
		if !m.known {
			m.current = c.Session.Clone()
			m.known = true
		}
		return TransitionDeleted, true
	}

	next := c.Session
	if m.known && next.Version <= m.current.Version {
		return TransitionNone, false
	}

	prev, had := m.current, m.known
	m.current = next.Clone()
	m.known = true

	switch next.Status {
	case session.StatusWaiting:
		if had {
			return TransitionNone, true
		}
		return TransitionWaiting, true
	case session.StatusPlaying:
		if had && prev.Status == session.StatusPlaying {
			return TransitionMoved, true
		}
		return TransitionMatched, true
	case session.StatusFinished:
		return TransitionFinished, true
	}

	return TransitionNone, true
}

// Snapshot returns the held session, if any.
func (m *Mirror) Snapshot() (session.Session, bool) {
	if !m.known {
		return session.Session{}, false
	}

	return m.current.Clone(), true
}

// Deleted reports whether the mirror has seen the session removed.
func (m *Mirror) Deleted() bool {
	return m.deleted
}

// Sync keeps a Mirror current from a store subscription and hands every
// transition to a handler, one at a time and in version order. The handler
// may call Stop but not Offer or Resync.
type Sync struct {
	store  session.Store
	handle func(Transition, session.Session)

	// mu serialises merges and handler calls.
	mu     sync.Mutex
	mirror Mirror

	subMu   sync.Mutex
	id      string
	cancel  func()
	stopped atomic.Bool
}

func NewSync(store session.Store, handle func(Transition, session.Session)) *Sync {
	if handle == nil {
		handle = func(Transition, session.Session) {}
	}

	return &Sync{store: store, handle: handle}
}

// Start subscribes to id and then reads the row once, so a write that
// landed before the subscription existed is not missed.
func (s *Sync) Start(ctx context.Context, id string) error {
	changes, cancel, err := s.store.Subscribe(ctx, id)
	if err != nil {
		return storeError("subscribe", err)
	}

	s.subMu.Lock()
	if s.stopped.Load() {
		s.subMu.Unlock()
		cancel()
		return ErrClosed
	}
	s.id = id
	s.cancel = cancel
	s.subMu.Unlock()

	go func() {
		for c := range changes {
			s.Offer(c)
		}
	}()

	return s.Resync(ctx)
}

// Offer merges c and, if it moved the mirror, calls the handler.
func (s *Sync) Offer(c session.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return
	}

	t, ok := s.mirror.Merge(c)
	if !ok {
		return
	}

	snap, _ := s.mirror.Snapshot()
	s.handle(t, snap)
}

// Resync pulls the current row and merges it. A missing row is merged as a
// deletion.
func (s *Sync) Resync(ctx context.Context) error {
	s.subMu.Lock()
	id := s.id
	s.subMu.Unlock()

	if id == "" {
		if snap, ok := s.Snapshot(); ok {
			id = snap.ID
		}
	}
	if id == "" {
		return ErrSessionNotFound
	}

	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		s.Offer(session.Change{Session: session.Session{ID: id}, Deleted: true})
		return nil
	}
	if err != nil {
		return storeError("resync", err)
	}

	s.Offer(session.Change{Session: cur})

	return nil
}

// Snapshot returns the mirrored session.
func (s *Sync) Snapshot() (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mirror.Snapshot()
}

// Stop ends the subscription. Changes still in flight are ignored.
func (s *Sync) Stop() {
	s.stopped.Store(true)

	s.subMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.subMu.Unlock()

	if cancel != nil {
		cancel()
	}
}
