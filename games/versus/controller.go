package versus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
)

const reportTimeout = 5 * time.Second

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSearching
	PhaseVersus
	PhasePlaying
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseSearching:
		return "searching"
	case PhaseVersus:
		return "versus"
	case PhasePlaying:
		return "playing"
	case PhaseFinished:
		return "finished"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is what a client renders. Every field is derived from the mirrored
// session plus local presence signals.
type State struct {
	Phase        Phase       `json:"phase"`
	SessionID    string      `json:"session_id,omitempty"`
	You          string      `json:"you,omitempty"`
	Opponent     string      `json:"opponent,omitempty"`
	Symbol       rules.Cell  `json:"symbol,omitempty"`
	Board        rules.Board `json:"board,omitempty"`
	Turn         string      `json:"turn,omitempty"`
	YourTurn     bool        `json:"your_turn"`
	Winner       string      `json:"winner,omitempty"`
	Line         []int       `json:"line,omitempty"`
	Draw         bool        `json:"draw"`
	Forfeit      bool        `json:"forfeit"`
	OpponentLeft bool        `json:"opponent_left"`
	Reconnecting bool        `json:"reconnecting"`
	Version      int64       `json:"version,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Won reports whether the viewing player won the finished session.
func (s State) Won() bool {
	return s.Phase == PhaseFinished && s.Winner != "" && s.Winner == s.You
}

func (s State) clone() State {
	s.Board = s.Board.Clone()
	if s.Line != nil {
		s.Line = append([]int(nil), s.Line...)
	}

	return s
}

// Controller drives one client through search, intro, play and result.
// It is safe for concurrent use; updates are published on a coalescing
// channel, so a slow reader always ends up on the newest State.
type Controller struct {
	engine  *Engine
	logger  *slog.Logger
	updates chan State

	mu            sync.Mutex
	state         State
	playerID      string
	sync          *Sync
	cancelMatch   context.CancelFunc
	cancelMonitor context.CancelFunc
	untrack       func()
	intro         *time.Timer
	reported      bool
	pending       bool
	cancelled     bool
	closed        bool
}

func (e *Engine) NewController() *Controller {
	activeControllers.Inc()

	return &Controller{
		engine:  e,
		logger:  e.logger.With(slog.String("component", "controller")),
		updates: make(chan State, 1),
		state:   State{Phase: PhaseIdle},
	}
}

// Updates streams State changes. The channel is closed by Exit.
func (c *Controller) Updates() <-chan State {
	return c.updates
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.clone()
}

func (c *Controller) publishLocked() {
	if c.closed {
		return
	}

	st := c.state.clone()
	select {
	case c.updates <- st:
		return
	default:
	}

	select {
	case <-c.updates:
	default:
	}

	select {
	case c.updates <- st:
	default:
	}
}

// detachLocked unbinds the current session and returns the teardown to run
// once the lock is released.
func (c *Controller) detachLocked() func() {
	sy, cancelMatch, cancelMonitor, untrack, intro := c.sync, c.cancelMatch, c.cancelMonitor, c.untrack, c.intro
	c.sync, c.cancelMatch, c.cancelMonitor, c.untrack, c.intro = nil, nil, nil, nil, nil

	return func() {
		if intro != nil {
			intro.Stop()
		}
		if sy != nil {
			sy.Stop()
		}
		if cancelMonitor != nil {
			cancelMonitor()
		}
		if untrack != nil {
			untrack()
		}
		if cancelMatch != nil {
			cancelMatch()
		}
	}
}

// StartSearch finds or opens a session for playerID. It may be called again
// after a finished match to play another.
//
// A search that already joined an opponent cannot be cancelled: if
// CancelSearch races with a successful join, the match goes ahead.
func (c *Controller) StartSearch(ctx context.Context, playerID string) error {
	if err := checkPlayerID(playerID); err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.pending || (c.state.Phase != PhaseIdle && c.state.Phase != PhaseFinished):
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	finishedID := ""
	if c.state.Phase == PhaseFinished {
		finishedID = c.state.SessionID
	}
	previous := c.detachLocked()
	c.playerID = playerID
	c.pending, c.cancelled, c.reported = true, false, false
	c.state = State{Phase: PhaseSearching, You: playerID}
	c.publishLocked()
	c.mu.Unlock()

	previous()
	if finishedID != "" {
		if err := c.deleteFinished(ctx, finishedID); err != nil {
			c.logger.Warn("finished session not deleted", slog.String("session_id", finishedID), slog.Any("error", err))
		}
	}

	s, err := c.engine.matchmaker.FindOrCreate(ctx, playerID)

	c.mu.Lock()
	c.pending = false
	if err != nil {
		if !c.closed && !c.cancelled {
			c.state = State{Phase: PhaseIdle, You: playerID, Error: Code(err)}
			c.publishLocked()
		}
		c.mu.Unlock()
		return err
	}

	if c.closed || (c.cancelled && s.Status == session.StatusWaiting) {
		c.mu.Unlock()

		if s.Status == session.StatusWaiting {
			if err := c.engine.matchmaker.Cancel(context.WithoutCancel(ctx), s.ID, playerID); err != nil {
				c.logger.Warn("abandoned search left a session behind",
					slog.String("session_id", s.ID),
					slog.Any("error", err),
				)
			}
		}
		return nil
	}

	matchCtx, cancelMatch := context.WithCancel(context.WithoutCancel(ctx))
	sy := NewSync(c.engine.cfg.Store, func(t Transition, s session.Session) {
		c.onChange(matchCtx, t, s)
	})
	c.sync = sy
	c.cancelMatch = cancelMatch
	c.state.SessionID = s.ID
	c.mu.Unlock()

	untrack, terr := c.engine.cfg.Presence.Track(matchCtx, s.ID, playerID)

	c.mu.Lock()
	if c.sync != sy {
		c.mu.Unlock()
		if terr == nil {
			untrack()
		}
		return nil
	}
	if terr != nil {
		c.logger.Warn("presence unavailable",
			slog.String("session_id", s.ID),
			slog.Any("error", terr),
		)
		c.state.Reconnecting = true
		c.publishLocked()
	} else {
		c.untrack = untrack
	}
	c.mu.Unlock()

	sy.Offer(session.Change{Session: s})
	if err := sy.Start(matchCtx, s.ID); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("session subscription failed",
			slog.String("session_id", s.ID),
			slog.Any("error", err),
		)

		c.mu.Lock()
		if c.sync == sy {
			c.state.Reconnecting = true
			c.publishLocked()
		}
		c.mu.Unlock()
	}

	return nil
}

// CancelSearch abandons a search that has not been matched yet, deleting the
// waiting session. It returns ErrStaleWrite if an opponent joined first.
func (c *Controller) CancelSearch(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.pending {
		c.cancelled = true
		c.state = State{Phase: PhaseIdle, You: c.playerID}
		c.publishLocked()
		c.mu.Unlock()
		return nil
	}
	if c.state.Phase != PhaseSearching {
		c.mu.Unlock()
		return ErrNotSearching
	}
	id, playerID, sy := c.state.SessionID, c.playerID, c.sync
	c.mu.Unlock()

	if err := c.engine.matchmaker.Cancel(ctx, id, playerID); err != nil {
		if errors.Is(err, ErrStaleWrite) && sy != nil {
			if rerr := sy.Resync(ctx); rerr != nil {
				c.logger.Warn("resync failed", slog.String("session_id", id), slog.Any("error", rerr))
			}
		}
		return err
	}

	c.mu.Lock()
	teardown := func() {}
	if c.state.SessionID == id && c.state.Phase == PhaseSearching {
		teardown = c.detachLocked()
		c.state = State{Phase: PhaseIdle, You: playerID}
		c.publishLocked()
	}
	c.mu.Unlock()

	teardown()

	return nil
}

// SubmitMove plays cell for this client. A lost race resynchronises the
// mirror and returns ErrStaleWrite; the caller decides again from the new
// State.
func (c *Controller) SubmitMove(ctx context.Context, cell int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sy, phase, playerID := c.sync, c.state.Phase, c.playerID
	c.mu.Unlock()

	if sy == nil || phase != PhasePlaying {
		return &MoveError{Reason: ReasonNotPlaying, Cell: cell}
	}

	s, ok := sy.Snapshot()
	if !ok {
		return ErrSessionNotFound
	}

	next, err := c.engine.arbiter.ApplyMove(ctx, s, playerID, cell)
	if err != nil {
		if errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrSessionNotFound) {
			if rerr := sy.Resync(ctx); rerr != nil {
				c.logger.Warn("resync failed", slog.String("session_id", s.ID), slog.Any("error", rerr))
			}
		}
		return err
	}

	sy.Offer(session.Change{Session: next})

	return nil
}

// SkipIntro ends the versus intro early.
func (c *Controller) SkipIntro() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseVersus {
		return
	}
	if c.intro != nil {
		c.intro.Stop()
		c.intro = nil
	}
	c.state.Phase = PhasePlaying
	c.publishLocked()
}

// Exit ends the controller. A pending search is cancelled and a finished
// session is deleted. Leaving a match in play deletes nothing: the opponent
// wins by forfeit once the grace period runs out.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	phase, id, playerID := c.state.Phase, c.state.SessionID, c.playerID
	teardown := c.detachLocked()
	close(c.updates)
	c.mu.Unlock()

	activeControllers.Dec()
	teardown()

	var err error
	switch {
	case id == "":
	case phase == PhaseSearching:
		err = c.engine.matchmaker.Cancel(ctx, id, playerID)
		if errors.Is(err, ErrStaleWrite) {
			c.logger.Info("left just after being matched", slog.String("session_id", id), slog.String("player_id", playerID))
			err = nil
		}
	case phase == PhaseFinished:
		err = c.deleteFinished(ctx, id)
	}

	return err
}

// deleteFinished removes a finished session. Either participant may do it;
// the second delete finds nothing and is not an error.
func (c *Controller) deleteFinished(ctx context.Context, id string) error {
	err := c.engine.cfg.Store.Delete(ctx, id, session.Predicate{Status: session.StatusFinished})
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrConflict) {
		return nil
	}

	return storeError("delete finished session", err)
}

func (c *Controller) applyLocked(s session.Session) {
	st := &c.state
	st.SessionID = s.ID
	st.You = c.playerID
	st.Opponent = s.Opponent(c.playerID)
	if role, ok := s.Role(c.playerID); ok {
		st.Symbol = c.engine.cfg.Symbols.Of(role)
	}
	st.Board = s.Board.Clone()
	st.Turn = s.Turn
	st.YourTurn = s.Status == session.StatusPlaying && s.Turn == c.playerID
	st.Winner = s.Winner
	st.Draw = s.Draw()
	st.Forfeit = s.Forfeit
	st.Version = s.Version
	st.Error = ""

	st.Line = nil
	if s.Status == session.StatusFinished && !s.Forfeit && !s.Draw() {
		if res := c.engine.cfg.Layout.Evaluate(s.Board); res.Outcome == rules.Won {
			st.Line = res.Line
		}
	}
}

// onChange runs on the Sync goroutine for every transition of the bound
// session.
func (c *Controller) onChange(matchCtx context.Context, t Transition, s session.Session) {
	c.mu.Lock()

	if c.closed || c.sync == nil || s.ID != c.state.SessionID {
		c.mu.Unlock()
		return
	}

	teardown := func() {}

	switch t {
	case TransitionWaiting:
		c.applyLocked(s)

	case TransitionMatched:
		c.applyLocked(s)
		c.startPlayLocked(matchCtx, s)

	case TransitionMoved:
		c.applyLocked(s)
		if c.state.Phase == PhaseVersus {
			if c.intro != nil {
				c.intro.Stop()
				c.intro = nil
			}
			c.state.Phase = PhasePlaying
		}

	case TransitionFinished:
		c.applyLocked(s)
		c.finishLocked(s)

	case TransitionDeleted:
		switch c.state.Phase {
		case PhaseFinished:
			// The result stays on screen after the row is gone.
		case PhaseSearching:
			teardown = c.detachLocked()
			c.state = State{Phase: PhaseIdle, You: c.playerID}
		default:
			teardown = c.detachLocked()
			c.state = State{Phase: PhaseIdle, You: c.playerID, Error: Code(ErrSessionNotFound)}
		}

	default:
		c.mu.Unlock()
		return
	}

	c.publishLocked()
	c.mu.Unlock()

	teardown()
}

func (c *Controller) startPlayLocked(matchCtx context.Context, s session.Session) {
	sy := c.sync

	if delay := c.engine.cfg.IntroDelay; delay > 0 {
		c.state.Phase = PhaseVersus
		c.intro = time.AfterFunc(delay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			if c.sync != sy || c.state.Phase != PhaseVersus {
				return
			}
			c.intro = nil
			c.state.Phase = PhasePlaying
			c.publishLocked()
		})
	} else {
		c.state.Phase = PhasePlaying
	}

	if c.cancelMonitor != nil {
		return
	}

	monitorCtx, cancel := context.WithCancel(matchCtx)
	c.cancelMonitor = cancel

	self, opponent := c.playerID, s.Opponent(c.playerID)
	go func() {
		err := c.engine.monitor.Run(monitorCtx, s.ID, self, opponent, func(sig Signal) {
			c.onSignal(monitorCtx, sy, sig)
		})
		if err != nil {
			c.logger.Warn("presence monitor stopped", slog.String("session_id", s.ID), slog.Any("error", err))
		}
	}()
}

func (c *Controller) finishLocked(s session.Session) {
	if c.intro != nil {
		c.intro.Stop()
		c.intro = nil
	}
	if c.cancelMonitor != nil {
		c.cancelMonitor()
	}
	c.state.Phase = PhaseFinished
	c.state.OpponentLeft = s.Forfeit && s.Winner == c.playerID

	if c.reported {
		return
	}
	c.reported = true

	r := ResultFor(s, c.playerID, c.engine.cfg.Symbols)
	go c.report(r)
}

func (c *Controller) report(r session.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if err := c.engine.cfg.Reporter.SubmitResult(ctx, r); err != nil {
		c.logger.Warn("result not recorded",
			slog.String("session_id", r.GameID),
			slog.String("player_id", r.PlayerID),
			slog.Any("error", err),
		)
	}
}

func (c *Controller) onSignal(ctx context.Context, sy *Sync, sig Signal) {
	c.mu.Lock()
	if c.closed || c.sync != sy {
		c.mu.Unlock()
		return
	}

	switch sig {
	case OpponentAway:
		c.state.OpponentLeft = true
	case OpponentBack:
		c.state.OpponentLeft = false
	case ChannelLost:
		c.state.Reconnecting = true
	case ChannelRestored:
		c.state.Reconnecting = false
	}
	c.publishLocked()
	c.mu.Unlock()

	if sig == ChannelRestored || sig == ForfeitDeclared {
		if err := sy.Resync(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("resync failed", slog.Any("error", err))
		}
	}
}
