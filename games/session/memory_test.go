package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/versus/games/rules"
)

var _ Store = (*MemoryStore)(nil)

func waiting(player string) Session {
	return Session{
		Player1: player,
		Board:   rules.TicTacToe.NewBoard(),
		Status:  StatusWaiting,
	}
}

func join(player, turn string) Patch {
	return Patch{
		Player2: Ptr(player),
		Status:  Ptr(StatusPlaying),
		Turn:    Ptr(turn),
	}
}

func TestMemoryInsertAssignsIDAndVersion(t *testing.T) {
	store := NewMemoryStore()

	s, err := store.Insert(context.Background(), waiting("alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, int64(1), s.Version)
	assert.False(t, s.CreatedAt.IsZero())

	got, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestMemoryInsertRejectsBrokenInvariants(t *testing.T) {
	store := NewMemoryStore()

	bad := waiting("alice")
	bad.Player2 = "bob"
	_, err := store.Insert(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = store.Insert(context.Background(), Session{Status: StatusWaiting})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)

	next, err := store.ConditionalUpdate(ctx, s.ID, Predicate{Status: StatusWaiting, Version: 1}, join("bob", "alice"))
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, next.Status)
	assert.Equal(t, "bob", next.Player2)
	assert.Equal(t, int64(2), next.Version)

	_, err = store.ConditionalUpdate(ctx, s.ID, Predicate{Status: StatusWaiting}, join("carol", "alice"))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.ConditionalUpdate(ctx, "missing", Predicate{}, Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConditionalUpdateChecksCell(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)
	s, err = store.ConditionalUpdate(ctx, s.ID, Predicate{}, join("bob", "alice"))
	require.NoError(t, err)

	board := s.Board.Clone()
	board[4] = rules.X
	s, err = store.ConditionalUpdate(ctx, s.ID, Predicate{Turn: "alice", EmptyCell: Ptr(4)}, Patch{Board: board, Turn: Ptr("bob")})
	require.NoError(t, err)

	board = s.Board.Clone()
	board[4] = rules.O
	_, err = store.ConditionalUpdate(ctx, s.ID, Predicate{Turn: "bob", EmptyCell: Ptr(4)}, Patch{Board: board, Turn: Ptr("alice")})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, rules.X, got.Board[4])
}

func TestMemoryFinishedIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)
	_, err = store.ConditionalUpdate(ctx, s.ID, Predicate{}, join("bob", "alice"))
	require.NoError(t, err)
	_, err = store.ConditionalUpdate(ctx, s.ID, Predicate{}, Patch{Status: Ptr(StatusFinished), Winner: Ptr("alice"), Forfeit: Ptr(true)})
	require.NoError(t, err)

	_, err = store.ConditionalUpdate(ctx, s.ID, Predicate{}, Patch{Winner: Ptr("bob")})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, store.Delete(ctx, s.ID, Predicate{Status: StatusFinished}))
	_, err = store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryFindWaitingExcludesSelfAndPrefersOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	clock := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	_, err := store.FindWaiting(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	own, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)
	first, err := store.Insert(ctx, waiting("bob"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, waiting("carol"))
	require.NoError(t, err)

	got, err := store.FindWaiting(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = store.FindWaiting(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, own.ID, got.ID)
}

func TestMemoryConcurrentJoinOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			player := string(rune('a' + i))
			_, err := store.ConditionalUpdate(ctx, s.ID, Predicate{Status: StatusWaiting}, join(player, "alice"))
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemorySubscribeDeliversWritesAndDeletes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)

	changes, cancel, err := store.Subscribe(ctx, s.ID)
	require.NoError(t, err)
	defer cancel()

	_, err = store.ConditionalUpdate(ctx, s.ID, Predicate{}, join("bob", "bob"))
	require.NoError(t, err)

	c := <-changes
	assert.Equal(t, int64(2), c.Session.Version)
	assert.False(t, c.Deleted)

	require.NoError(t, store.Delete(ctx, s.ID, Predicate{}))

	c = <-changes
	assert.True(t, c.Deleted)
	assert.Equal(t, s.ID, c.Session.ID)
}

func TestMemorySweepSkipsLiveMatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)
	live, err := store.Insert(ctx, waiting("bob"))
	require.NoError(t, err)
	_, err = store.ConditionalUpdate(ctx, live.ID, Predicate{}, join("carol", "bob"))
	require.NoError(t, err)

	n, err := store.Sweep(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestMemoryListIdle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.Insert(ctx, waiting("alice"))
	require.NoError(t, err)
	second, err := store.Insert(ctx, waiting("bob"))
	require.NoError(t, err)
	for _, s := range []Session{first, second} {
		_, err = store.ConditionalUpdate(ctx, s.ID, Predicate{}, join("carol", s.Player1))
		require.NoError(t, err)
	}
	_, err = store.Insert(ctx, waiting("dave"))
	require.NoError(t, err)

	got, err := store.ListIdle(ctx, StatusPlaying, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[1].UpdatedAt.Before(got[0].UpdatedAt))
	for _, s := range got {
		assert.Equal(t, StatusPlaying, s.Status)
	}

	got, err = store.ListIdle(ctx, StatusPlaying, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
}
