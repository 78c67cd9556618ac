package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in a process-local map. Every returned session
// is a clone, so callers can never mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	feed     *Feed
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		feed:     NewFeed(),
		now:      time.Now,
	}
}

func (m *MemoryStore) Insert(ctx context.Context, s Session) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if err := Validate(s); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = NewID()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return Session{}, ErrConflict
	}

	now := m.now().UTC()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	s = s.Clone()

	m.sessions[s.ID] = s
	m.feed.Publish(Change{Session: s.Clone()})

	return s.Clone(), nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, pred Predicate, patch Patch) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if cur.Status == StatusFinished || !pred.Holds(cur) {
		return Session{}, ErrConflict
	}

	next := cur.Clone()
	patch.Apply(&next)
	if err := Validate(next); err != nil {
		return Session{}, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()

	m.sessions[id] = next
	m.feed.Publish(Change{Session: next.Clone()})

	return next.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}

	return s.Clone(), nil
}

func (m *MemoryStore) FindWaiting(ctx context.Context, excludePlayer string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []Session
	for _, s := range m.sessions {
		if s.Status == StatusWaiting && s.Player1 != excludePlayer {
			open = append(open, s)
		}
	}
	if len(open) == 0 {
		return Session{}, ErrNotFound
	}

	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	return open[0].Clone(), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan Change, func(), error) {
	return m.feed.Subscribe(ctx, id)
}

func (m *MemoryStore) Delete(ctx context.Context, id string, pred Predicate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !pred.Holds(cur) {
		return ErrConflict
	}

	delete(m.sessions, id)
	m.feed.Publish(Change{Session: cur.Clone(), Deleted: true})

	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.Status == StatusPlaying || !s.UpdatedAt.Before(before) {
			continue
		}

		delete(m.sessions, id)
		m.feed.Publish(Change{Session: s.Clone(), Deleted: true})
		removed++
	}

	return removed, nil
}

func (m *MemoryStore) ListIdle(ctx context.Context, status Status, before time.Time) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for _, s := range m.sessions {
		if s.Status == status && s.UpdatedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	return out, nil
}

// Close ends all subscriptions.
func (m *MemoryStore) Close() error {
	m.feed.Close()
	return nil
}

var _ Store = (*MemoryStore)(nil)
