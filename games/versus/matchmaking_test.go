package versus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
)

func TestFindOrCreateOpensSession(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)

	s, err := e.matchmaker.FindOrCreate(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, session.StatusWaiting, s.Status)
	assert.Equal(t, "alice", s.Player1)
	assert.Empty(t, s.Player2)
	assert.Len(t, s.Board, 9)
	assert.Equal(t, 0, s.Board.Count(rules.X)+s.Board.Count(rules.O))

	got, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Version, got.Version)
}

func TestFindOrCreateNeverMatchesSelf(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := e.matchmaker.FindOrCreate(ctx, "alice")
	require.NoError(t, err)

	second, err := e.matchmaker.FindOrCreate(ctx, "alice")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, session.StatusWaiting, second.Status)
}

func TestFindOrCreateJoinsWaitingSession(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	e.matchmaker.coin = func() bool { return true }
	ctx := context.Background()

	open, err := e.matchmaker.FindOrCreate(ctx, "alice")
	require.NoError(t, err)

	joined, err := e.matchmaker.FindOrCreate(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, open.ID, joined.ID)
	assert.Equal(t, session.StatusPlaying, joined.Status)
	assert.Equal(t, "bob", joined.Player2)
	assert.Equal(t, "bob", joined.Turn)
	assert.Greater(t, joined.Version, open.Version)
}

func TestFindOrCreateRequiresPlayer(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	_, err := e.matchmaker.FindOrCreate(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoPlayer)
}

func TestFindOrCreateRejectsDrawMarker(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.matchmaker.FindOrCreate(ctx, session.Draw)
	assert.ErrorIs(t, err, ErrReservedPlayer)
	assert.Equal(t, "reserved_player", Code(err))

	_, err = store.FindWaiting(ctx, "")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestConcurrentJoinsSeatOnePlayer(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	open, err := e.matchmaker.FindOrCreate(ctx, "host")
	require.NoError(t, err)

	const seekers = 12

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []session.Session
	)
	start := make(chan struct{})
	for i := range seekers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start

			s, err := e.matchmaker.FindOrCreate(ctx, id)
			assert.NoError(t, err)

			mu.Lock()
			results = append(results, s)
			mu.Unlock()
		}(fmt.Sprintf("seeker-%d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, results, seekers)

	joiners := make(map[string][]string)
	for _, s := range results {
		if s.Status == session.StatusPlaying {
			joiners[s.ID] = append(joiners[s.ID], s.Player2)
		}
	}

	assert.Len(t, joiners[open.ID], 1, "exactly one seeker may join the host")
	for id, seated := range joiners {
		assert.Len(t, seated, 1, "session %s joined more than once", id)
	}

	host, err := store.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPlaying, host.Status)
	assert.Equal(t, joiners[open.ID][0], host.Player2)
}

func TestCancelDeletesOwnWaitingSession(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	open, err := e.matchmaker.FindOrCreate(ctx, "alice")
	require.NoError(t, err)

	require.ErrorIs(t, e.matchmaker.Cancel(ctx, open.ID, "mallory"), ErrStaleWrite)

	require.NoError(t, e.matchmaker.Cancel(ctx, open.ID, "alice"))
	_, err = store.Get(ctx, open.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	assert.NoError(t, e.matchmaker.Cancel(ctx, open.ID, "alice"))
}

func TestCancelAfterMatchIsRefused(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	s := newMatch(t, e)

	err := e.matchmaker.Cancel(ctx, s.ID, "alice")
	require.ErrorIs(t, err, ErrStaleWrite)
	assert.Equal(t, "stale_write", Code(err))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPlaying, got.Status)
}
