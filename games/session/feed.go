package session

import (
	"context"
	"sync"
)

// Feed fans accepted writes out to subscribers of a session id. Stores embed
// it to provide Subscribe.
//
// Each subscriber has a one-slot buffer. When the slot is still full on the
// next publish, the older snapshot is replaced, so a slow reader skips
// intermediate states but always ends on the newest one.
type Feed struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	latest map[string]int64
	closed bool
}

type subscriber struct {
	ch   chan Change
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewFeed() *Feed {
	return &Feed{
		subs:   make(map[string]map[*subscriber]struct{}),
		latest: make(map[string]int64),
	}
}

// Subscribe registers a subscriber for id. The returned cancel func is safe
// to call more than once.
func (f *Feed) Subscribe(ctx context.Context, id string) (<-chan Change, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan Change, 1)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sub.close()
		return sub.ch, func() {}, nil
	}
	set, ok := f.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		f.subs[id] = set
	}
	set[sub] = struct{}{}
	f.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			f.remove(id, sub)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return sub.ch, cancel, nil
}

func (f *Feed) remove(id string, sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if set, ok := f.subs[id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, id)
		}
	}
	sub.close()
}

// Publish delivers c to every subscriber of its session. Snapshots older
// than the last one published for the id are dropped.
func (f *Feed) Publish(c Change) {
	id := c.Session.ID

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	if !c.Deleted {
		if c.Session.Version <= f.latest[id] {
			return
		}
		f.latest[id] = c.Session.Version
	} else {
		delete(f.latest, id)
	}

	for sub := range f.subs[id] {
		deliver(sub.ch, c)
	}
}

func deliver(ch chan Change, c Change) {
	for {
		select {
		case ch <- c:
			return
		default:
		}

		select {
		case old := <-ch:
			if !c.Deleted && (old.Deleted || old.Session.Version > c.Session.Version) {
				c = old
			}
		default:
		}
	}
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for id, set := range f.subs {
		for sub := range set {
			sub.close()
		}
		delete(f.subs, id)
	}
}
