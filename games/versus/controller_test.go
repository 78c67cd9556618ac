package versus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
)

type resultSink struct {
	mu      sync.Mutex
	results map[string]session.Result
}

func newResultSink() *resultSink {
	return &resultSink{results: make(map[string]session.Result)}
}

func (r *resultSink) SubmitResult(_ context.Context, res session.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results[res.PlayerID] = res

	return nil
}

func (r *resultSink) get(playerID string) (session.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.results[playerID]
	return res, ok
}

func waitFor(t *testing.T, c *Controller, cond func(State) bool) State {
	t.Helper()

	require.Eventually(t, func() bool { return cond(c.State()) }, 2*time.Second, 5*time.Millisecond)

	return c.State()
}

func inPhase(p Phase) func(State) bool {
	return func(s State) bool { return s.Phase == p }
}

func yourTurn(s State) bool {
	return s.Phase == PhasePlaying && s.YourTurn
}

// startMatch seats alice then bob; alice moves first.
func startMatch(t *testing.T, e *Engine) (alice, bob *Controller) {
	t.Helper()

	ctx := context.Background()

	alice = e.NewController()
	require.NoError(t, alice.StartSearch(ctx, "alice"))
	assert.Equal(t, PhaseSearching, alice.State().Phase)

	bob = e.NewController()
	require.NoError(t, bob.StartSearch(ctx, "bob"))

	t.Cleanup(func() {
		_ = alice.Exit(context.Background())
		_ = bob.Exit(context.Background())
	})

	return alice, bob
}

func move(t *testing.T, c *Controller, cell int) {
	t.Helper()

	waitFor(t, c, yourTurn)
	require.NoError(t, c.SubmitMove(context.Background(), cell))
}

func TestMatchPlayedToDiagonalWin(t *testing.T) {
	sink := newResultSink()
	e, store, _ := newTestEngine(t, func(cfg *Config) { cfg.Reporter = sink })

	alice, bob := startMatch(t, e)

	a := waitFor(t, alice, inPhase(PhasePlaying))
	b := waitFor(t, bob, inPhase(PhasePlaying))
	assert.Equal(t, a.SessionID, b.SessionID)
	assert.Equal(t, "bob", a.Opponent)
	assert.Equal(t, rules.X, a.Symbol)
	assert.Equal(t, rules.O, b.Symbol)
	assert.True(t, a.YourTurn)
	assert.False(t, b.YourTurn)

	move(t, alice, 4)
	b = waitFor(t, bob, yourTurn)
	assert.Equal(t, rules.X, b.Board[4])

	move(t, bob, 1)
	move(t, alice, 0)
	move(t, bob, 2)
	move(t, alice, 8)

	a = waitFor(t, alice, inPhase(PhaseFinished))
	b = waitFor(t, bob, inPhase(PhaseFinished))

	assert.True(t, a.Won())
	assert.False(t, b.Won())
	assert.False(t, a.Forfeit)
	assert.Equal(t, []int{0, 4, 8}, a.Line)
	assert.Equal(t, "alice", b.Winner)

	got, err := store.Get(context.Background(), a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, got.Status)
	assert.Equal(t, "alice", got.Winner)

	require.Eventually(t, func() bool {
		_, okA := sink.get("alice")
		_, okB := sink.get("bob")
		return okA && okB
	}, 2*time.Second, 5*time.Millisecond)

	ra, _ := sink.get("alice")
	rb, _ := sink.get("bob")
	assert.Equal(t, ScoreWin, ra.Score)
	assert.Equal(t, OutcomeWon, ra.Outcome)
	assert.Equal(t, 3, ra.Moves)
	assert.Equal(t, ScoreLoss, rb.Score)
	assert.Equal(t, OutcomeLost, rb.Outcome)
	assert.Equal(t, 2, rb.Moves)
}

func TestMoveOutOfTurnIsRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	_, bob := startMatch(t, e)

	waitFor(t, bob, inPhase(PhasePlaying))

	err := bob.SubmitMove(context.Background(), 0)
	require.ErrorIs(t, err, ErrInvalidMove)

	var moveErr *MoveError
	require.True(t, errors.As(err, &moveErr))
	assert.Equal(t, ReasonNotYourTurn, moveErr.Reason)
}

func TestLeavingMidGameForfeits(t *testing.T) {
	sink := newResultSink()
	e, store, _ := newTestEngine(t, func(cfg *Config) {
		cfg.GracePeriod = 100 * time.Millisecond
		cfg.Reporter = sink
	})

	alice, bob := startMatch(t, e)
	waitFor(t, alice, inPhase(PhasePlaying))
	waitFor(t, bob, inPhase(PhasePlaying))

	move(t, alice, 4)
	waitFor(t, bob, yourTurn)

	require.NoError(t, alice.Exit(context.Background()))

	b := waitFor(t, bob, inPhase(PhaseFinished))
	assert.Equal(t, "bob", b.Winner)
	assert.True(t, b.Forfeit)
	assert.True(t, b.OpponentLeft)
	assert.True(t, b.Won())

	got, err := store.Get(context.Background(), b.SessionID)
	require.NoError(t, err)
	assert.True(t, got.Forfeit)

	require.Eventually(t, func() bool {
		r, ok := sink.get("bob")
		return ok && r.Outcome == OutcomeWonByForfeit && r.Score == ScoreWin
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIntroPrecedesPlay(t *testing.T) {
	e, _, _ := newTestEngine(t, func(cfg *Config) { cfg.IntroDelay = time.Hour })

	alice, _ := startMatch(t, e)

	waitFor(t, alice, inPhase(PhaseVersus))
	require.ErrorIs(t, alice.SubmitMove(context.Background(), 0), ErrInvalidMove)

	alice.SkipIntro()
	a := alice.State()
	assert.Equal(t, PhasePlaying, a.Phase)
	require.NoError(t, alice.SubmitMove(context.Background(), 0))
}

func TestIntroEndsOnItsOwn(t *testing.T) {
	e, _, _ := newTestEngine(t, func(cfg *Config) { cfg.IntroDelay = 20 * time.Millisecond })

	alice, bob := startMatch(t, e)

	waitFor(t, alice, inPhase(PhasePlaying))
	waitFor(t, bob, inPhase(PhasePlaying))
}

func TestCancelSearchDeletesSession(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	c := e.NewController()
	defer c.Exit(ctx)

	require.NoError(t, c.StartSearch(ctx, "alice"))
	id := c.State().SessionID
	require.NotEmpty(t, id)

	require.NoError(t, c.CancelSearch(ctx))
	assert.Equal(t, PhaseIdle, c.State().Phase)

	_, err := store.Get(ctx, id)
	assert.ErrorIs(t, err, session.ErrNotFound)

	assert.ErrorIs(t, c.CancelSearch(ctx), ErrNotSearching)

	require.NoError(t, c.StartSearch(ctx, "alice"))
	assert.NotEqual(t, id, c.State().SessionID)
}

func TestStartSearchTwiceIsRefused(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	c := e.NewController()
	defer c.Exit(ctx)

	require.NoError(t, c.StartSearch(ctx, "alice"))
	assert.ErrorIs(t, c.StartSearch(ctx, "alice"), ErrAlreadyStarted)
	assert.ErrorIs(t, c.StartSearch(ctx, ""), ErrNoPlayer)
	assert.ErrorIs(t, c.StartSearch(ctx, session.Draw), ErrReservedPlayer)
}

func TestExitAfterFinishDeletesSession(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()

	alice, bob := startMatch(t, e)

	move(t, alice, 0)
	move(t, bob, 3)
	move(t, alice, 1)
	move(t, bob, 4)
	move(t, alice, 2)

	a := waitFor(t, alice, inPhase(PhaseFinished))
	waitFor(t, bob, inPhase(PhaseFinished))

	require.NoError(t, alice.Exit(ctx))
	_, err := store.Get(ctx, a.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// The other side keeps showing the result.
	time.Sleep(20 * time.Millisecond)
	b := bob.State()
	assert.Equal(t, PhaseFinished, b.Phase)
	assert.Equal(t, "alice", b.Winner)

	require.NoError(t, bob.Exit(ctx))
}

func TestExitClosesUpdates(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	c := e.NewController()
	require.NoError(t, c.StartSearch(ctx, "alice"))

	updates := c.Updates()
	require.NoError(t, c.Exit(ctx))
	require.NoError(t, c.Exit(ctx))

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.StartSearch(ctx, "alice"), ErrClosed)
	assert.ErrorIs(t, c.SubmitMove(ctx, 0), ErrClosed)
}

func TestUpdatesCoalesceToNewestState(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	alice, _ := startMatch(t, e)
	waitFor(t, alice, inPhase(PhasePlaying))

	var last State
	require.Eventually(t, func() bool {
		select {
		case st, ok := <-alice.Updates():
			if ok {
				last = st
			}
		default:
		}
		return last.Phase == PhasePlaying
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceOutageShowsReconnecting(t *testing.T) {
	e, store, reg := newTestEngine(t, func(cfg *Config) { cfg.GracePeriod = 50 * time.Millisecond })

	alice, bob := startMatch(t, e)
	a := waitFor(t, alice, inPhase(PhasePlaying))
	waitFor(t, bob, inPhase(PhasePlaying))
	assert.False(t, a.Reconnecting)

	reg.Close()

	a = waitFor(t, alice, func(s State) bool { return s.Reconnecting })
	assert.Equal(t, PhasePlaying, a.Phase)

	time.Sleep(200 * time.Millisecond)

	a = alice.State()
	assert.Equal(t, PhasePlaying, a.Phase)
	assert.True(t, a.Reconnecting)
	assert.False(t, a.Forfeit)

	got, err := store.Get(context.Background(), a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPlaying, got.Status)
}

func TestSearchWithoutPresenceShowsReconnecting(t *testing.T) {
	e, _, reg := newTestEngine(t, nil)
	reg.Close()

	alice := e.NewController()
	t.Cleanup(func() { _ = alice.Exit(context.Background()) })

	require.NoError(t, alice.StartSearch(context.Background(), "alice"))

	st := alice.State()
	assert.Equal(t, PhaseSearching, st.Phase)
	assert.True(t, st.Reconnecting)
	assert.NotEmpty(t, st.SessionID)
}

func TestStoreErrorShowsReconnectingUntilForfeit(t *testing.T) {
	var flaky *flakyStore
	e, store, _ := newTestEngine(t, func(cfg *Config) {
		flaky = &flakyStore{Store: cfg.Store}
		cfg.Store = flaky
		cfg.GracePeriod = 50 * time.Millisecond
	})

	alice, bob := startMatch(t, e)
	a := waitFor(t, alice, inPhase(PhasePlaying))
	waitFor(t, bob, inPhase(PhasePlaying))

	flaky.failGets.Store(1 << 20)
	require.NoError(t, bob.Exit(context.Background()))

	a = waitFor(t, alice, func(s State) bool { return s.Reconnecting })
	assert.Equal(t, PhasePlaying, a.Phase)

	flaky.failGets.Store(0)

	a = waitFor(t, alice, func(s State) bool { return s.Phase == PhaseFinished && !s.Reconnecting })
	assert.True(t, a.Forfeit)
	assert.True(t, a.Won())
	assert.True(t, a.OpponentLeft)

	got, err := store.Get(context.Background(), a.SessionID)
	require.NoError(t, err)
	assert.True(t, got.Forfeit)
	assert.Equal(t, "alice", got.Winner)
}
