package versus

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
)

// Arbiter validates and applies moves. Its local checks only save a round
// trip; the store re-checks the same conditions in the write predicate.
type Arbiter struct {
	store   session.Store
	layout  rules.Layout
	symbols rules.Symbols
	logger  *slog.Logger
}

func NewArbiter(store session.Store, layout rules.Layout, symbols rules.Symbols, logger *slog.Logger) *Arbiter {
	return &Arbiter{
		store:   store,
		layout:  layout,
		symbols: symbols,
		logger:  orDiscard(logger).With(slog.String("component", "arbiter")),
	}
}

// Check returns a *MoveError if playerID may not play cell on s.
func (a *Arbiter) Check(s session.Session, playerID string, cell int) error {
	switch {
	case s.Status != session.StatusPlaying:
		return &MoveError{Reason: ReasonNotPlaying, Cell: cell}
	case !s.Has(playerID):
		return &MoveError{Reason: ReasonNotSeated, Cell: cell}
	case s.Turn != playerID:
		return &MoveError{Reason: ReasonNotYourTurn, Cell: cell}
	case cell < 0 || cell >= len(s.Board):
		return &MoveError{Reason: ReasonOutOfRange, Cell: cell}
	case s.Board[cell] != rules.Empty:
		return &MoveError{Reason: ReasonOccupied, Cell: cell}
	}

	return nil
}

// ApplyMove places playerID's symbol on cell and evaluates the result. A
// winning or drawing move finishes the session in the same write; any other
// move hands the turn to the opponent. A lost race returns ErrStaleWrite and
// changes nothing.
func (a *Arbiter) ApplyMove(ctx context.Context, s session.Session, playerID string, cell int) (session.Session, error) {
	ctx, span := tracer.Start(ctx, "versus.ApplyMove", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("player.id", playerID),
		attribute.Int("cell", cell),
	))
	defer span.End()

	if err := a.Check(s, playerID, cell); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return session.Session{}, err
	}

	role, _ := s.Role(playerID)
	board := s.Board.Clone()
	board[cell] = a.symbols.Of(role)

	patch := session.Patch{Board: board}
	result := a.layout.Evaluate(board)
	switch result.Outcome {
	case rules.Won:
		patch.Status = session.Ptr(session.StatusFinished)
		patch.Winner = session.Ptr(playerID)
	case rules.Draw:
		patch.Status = session.Ptr(session.StatusFinished)
		patch.Winner = session.Ptr(session.Draw)
	default:
		patch.Turn = session.Ptr(s.Opponent(playerID))
	}

	next, err := a.store.ConditionalUpdate(ctx, s.ID, session.Predicate{
		Status:    session.StatusPlaying,
		Turn:      playerID,
		EmptyCell: session.Ptr(cell),
		Version:   s.Version,
	}, patch)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			conflictsTotal.WithLabelValues("move").Inc()
		}
		span.SetStatus(codes.Error, err.Error())
		return session.Session{}, storeError("apply move", err)
	}

	movesTotal.Inc()
	span.SetAttributes(attribute.String("outcome", result.Outcome.String()))

	switch result.Outcome {
	case rules.Won:
		finishedTotal.WithLabelValues("win").Inc()
	case rules.Draw:
		finishedTotal.WithLabelValues("draw").Inc()
	}

	a.logger.Debug("move applied",
		slog.String("session_id", s.ID),
		slog.String("player_id", playerID),
		slog.Int("cell", cell),
		slog.String("outcome", result.Outcome.String()),
		slog.Int64("version", next.Version),
	)

	return next, nil
}
