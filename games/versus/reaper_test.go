package versus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/versus/games/session"
)

func TestSweepKeepsMatchesWithAPlayerPresent(t *testing.T) {
	e, store, reg := newTestEngine(t, nil)
	ctx := context.Background()

	playing := newMatch(t, e)
	waiting, err := e.matchmaker.FindOrCreate(ctx, "carol")
	require.NoError(t, err)

	untrack, err := reg.Track(ctx, playing.ID, "bob")
	require.NoError(t, err)
	defer untrack()

	r := NewReaper(store, reg, time.Minute, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, waiting.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = store.Get(ctx, playing.ID)
	assert.NoError(t, err)
}

func TestSweepRemovesMatchesBothPlayersLeft(t *testing.T) {
	e, store, _ := newTestEngine(t, func(cfg *Config) { cfg.GracePeriod = time.Hour })
	ctx := context.Background()

	alice, bob := startMatch(t, e)
	a := waitFor(t, alice, inPhase(PhasePlaying))
	waitFor(t, bob, inPhase(PhasePlaying))

	require.NoError(t, alice.Exit(ctx))
	require.NoError(t, bob.Exit(ctx))

	got, err := store.Get(ctx, a.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.StatusPlaying, got.Status)

	r := NewReaper(store, e.cfg.Presence, time.Minute, nil)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "idle time has not passed yet")

	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, a.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSweepSparesMatchesWhilePresenceIsDown(t *testing.T) {
	e, store, reg := newTestEngine(t, nil)
	ctx := context.Background()

	playing := newMatch(t, e)
	reg.Close()

	r := NewReaper(store, reg, time.Minute, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.Get(ctx, playing.ID)
	assert.NoError(t, err)
}

func TestSweepLeavesFreshSessions(t *testing.T) {
	e, store, reg := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.matchmaker.FindOrCreate(ctx, "carol")
	require.NoError(t, err)

	n, err := NewReaper(store, reg, time.Minute, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsWithContext(t *testing.T) {
	_, store, _ := newTestEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReaper(store, nil, 20*time.Millisecond, nil).Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
