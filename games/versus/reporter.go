package versus

import (
	"context"
	"log/slog"
	"time"

	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
)

const (
	ScoreWin  = 3
	ScoreDraw = 1
	ScoreLoss = 0

	OutcomeWon  = "won"
	OutcomeLost = "lost"
	OutcomeDraw = "draw"

	// Forfeit outcomes keep the plain outcome as a prefix.
	OutcomeWonByForfeit  = "won_forfeit"
	OutcomeLostByForfeit = "lost_forfeit"
)

// Reporter receives one Result per participant per finished session.
// Failures never affect the game.
type Reporter interface {
	SubmitResult(ctx context.Context, r session.Result) error
}

type ReporterFunc func(ctx context.Context, r session.Result) error

func (f ReporterFunc) SubmitResult(ctx context.Context, r session.Result) error {
	return f(ctx, r)
}

// LogReporter writes results to the log and keeps nothing.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: orDiscard(logger).With(slog.String("component", "reporter"))}
}

func (l *LogReporter) SubmitResult(_ context.Context, r session.Result) error {
	l.logger.Info("result",
		slog.String("game_id", r.GameID),
		slog.String("player_id", r.PlayerID),
		slog.Int("score", r.Score),
		slog.Int("moves", r.Moves),
		slog.Float64("elapsed_seconds", r.ElapsedSeconds()),
		slog.String("outcome", r.Outcome),
	)

	return nil
}

// ResultFor scores a finished session from playerID's point of view.
func ResultFor(s session.Session, playerID string, symbols rules.Symbols) session.Result {
	r := session.Result{
		GameID:   s.ID,
		PlayerID: playerID,
		Elapsed:  s.UpdatedAt.Sub(s.CreatedAt),
	}
	if r.Elapsed < 0 {
		r.Elapsed = 0
	}
	r.Elapsed = r.Elapsed.Round(time.Millisecond)

	if role, ok := s.Role(playerID); ok {
		r.Moves = s.Board.Count(symbols.Of(role))
	}

	switch {
	case s.Draw():
		r.Score, r.Outcome = ScoreDraw, OutcomeDraw
	case s.Winner == playerID && s.Forfeit:
		r.Score, r.Outcome = ScoreWin, OutcomeWonByForfeit
	case s.Winner == playerID:
		r.Score, r.Outcome = ScoreWin, OutcomeWon
	case s.Forfeit:
		r.Score, r.Outcome = ScoreLoss, OutcomeLostByForfeit
	default:
		r.Score, r.Outcome = ScoreLoss, OutcomeLost
	}

	return r
}
