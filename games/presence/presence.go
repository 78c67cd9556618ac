// Package presence is an ephemeral liveness registry scoped per session.
//
// Participants Track themselves while connected; watchers receive Join when
// a participant's first connection registers and Leave when the last one
// goes away. Several connections of the same participant count once, so a
// page reload that opens the new socket before the old one closes never
// looks like a departure.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned once the registry has been shut down.
var ErrUnavailable = errors.New("presence channel unavailable")

type EventKind int

const (
	Join EventKind = iota
	Leave
)

func (k EventKind) String() string {
	if k == Leave {
		return "leave"
	}

	return "join"
}

type Event struct {
	Kind      EventKind
	SessionID string
	PlayerID  string
	At        time.Time
}

// Channel is the liveness transport the engine consumes.
type Channel interface {
	// Track announces playerID as online in sessionID until untrack is called.
	Track(ctx context.Context, sessionID, playerID string) (untrack func(), err error)

	// Watch delivers Join/Leave events for sessionID. The channel is closed
	// when cancel is called, ctx ends, or the transport drops the watcher.
	Watch(ctx context.Context, sessionID string) (events <-chan Event, cancel func(), err error)

	Online(sessionID, playerID string) bool

	// Available reports whether the channel is up. While it is down Online
	// reports nobody, which says nothing about who has actually left.
	Available() bool
}

const watcherBuffer = 32

type watcher struct {
	ch   chan Event
	once sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.ch) })
}

type room struct {
	online   map[string]int
	watchers map[*watcher]struct{}
}

// Registry is an in-memory Channel.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

func (r *Registry) roomLocked(sessionID string) *room {
	rm, ok := r.rooms[sessionID]
	if !ok {
		rm = &room{
			online:   make(map[string]int),
			watchers: make(map[*watcher]struct{}),
		}
		r.rooms[sessionID] = rm
	}

	return rm
}

func (r *Registry) pruneLocked(sessionID string) {
	rm, ok := r.rooms[sessionID]
	if ok && len(rm.online) == 0 && len(rm.watchers) == 0 {
		delete(r.rooms, sessionID)
	}
}

// broadcastLocked drops any watcher whose buffer is full; it will observe a
// closed channel and can re-watch.
func (r *Registry) broadcastLocked(rm *room, ev Event) {
	for w := range rm.watchers {
		select {
		case w.ch <- ev:
		default:
			delete(rm.watchers, w)
			w.close()
		}
	}
}

func (r *Registry) Track(ctx context.Context, sessionID, playerID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrUnavailable
	}

	rm := r.roomLocked(sessionID)
	rm.online[playerID]++
	if rm.online[playerID] == 1 {
		r.broadcastLocked(rm, Event{Kind: Join, SessionID: sessionID, PlayerID: playerID, At: r.now()})
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.untrack(sessionID, playerID) })
	}, nil
}

func (r *Registry) untrack(sessionID, playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[sessionID]
	if !ok || rm.online[playerID] == 0 {
		return
	}

	rm.online[playerID]--
	if rm.online[playerID] > 0 {
		return
	}

	delete(rm.online, playerID)
	if !r.closed {
		r.broadcastLocked(rm, Event{Kind: Leave, SessionID: sessionID, PlayerID: playerID, At: r.now()})
	}
	r.pruneLocked(sessionID)
}

func (r *Registry) Watch(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrUnavailable
	}
	w := &watcher{ch: make(chan Event, watcherBuffer)}
	r.roomLocked(sessionID).watchers[w] = struct{}{}
	r.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)

			r.mu.Lock()
			if rm, ok := r.rooms[sessionID]; ok {
				delete(rm.watchers, w)
				r.pruneLocked(sessionID)
			}
			r.mu.Unlock()

			w.close()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return w.ch, cancel, nil
}

func (r *Registry) Online(sessionID, playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[sessionID]
	if !ok {
		return false
	}

	return rm.online[playerID] > 0
}

// Close shuts the registry down. Watchers are closed and further Track or
// Watch calls fail with ErrUnavailable.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for id, rm := range r.rooms {
		for w := range rm.watchers {
			w.close()
		}
		delete(r.rooms, id)
	}
}

// Available reports whether the registry still accepts Track and Watch.
func (r *Registry) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return !r.closed
}

var _ Channel = (*Registry)(nil)
