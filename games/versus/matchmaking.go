package versus

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
)

var tracer = otel.Tracer("github.com/Seednode/versus/games/versus")

// Matchmaker pairs players through the store. There is no central lock:
// joining a waiting session is a conditional update, and the loser of a
// join race simply searches again.
type Matchmaker struct {
	store    session.Store
	layout   rules.Layout
	attempts int
	coin     func() bool
	logger   *slog.Logger
}

// NewMatchmaker returns a Matchmaker that retries lost join races up to
// attempts times before opening a session of its own.
func NewMatchmaker(store session.Store, layout rules.Layout, attempts int, logger *slog.Logger) *Matchmaker {
	if attempts < 1 {
		attempts = 1
	}

	return &Matchmaker{
		store:    store,
		layout:   layout,
		attempts: attempts,
		coin:     cryptoCoin,
		logger:   orDiscard(logger).With(slog.String("component", "matchmaker")),
	}
}

// cryptoCoin flips a fair coin from crypto/rand; on read failure the
// session creator moves first.
func cryptoCoin() bool {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return false
	}

	return b[0]&1 == 1
}

// checkPlayerID rejects ids that cannot seat a player. session.Draw is taken
// by the winner column.
func checkPlayerID(playerID string) error {
	switch playerID {
	case "":
		return ErrNoPlayer
	case session.Draw:
		return ErrReservedPlayer
	default:
		return nil
	}
}

// FindOrCreate joins the oldest waiting session not created by playerID, or
// opens a new one. The returned session is playing when a match was made and
// waiting otherwise.
func (m *Matchmaker) FindOrCreate(ctx context.Context, playerID string) (session.Session, error) {
	ctx, span := tracer.Start(ctx, "versus.FindOrCreate", trace.WithAttributes(attribute.String("player.id", playerID)))
	defer span.End()

	if err := checkPlayerID(playerID); err != nil {
		return session.Session{}, err
	}

	for attempt := 1; attempt <= m.attempts; attempt++ {
		open, err := m.store.FindWaiting(ctx, playerID)
		if errors.Is(err, session.ErrNotFound) {
			break
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return session.Session{}, storeError("find waiting session", err)
		}

		first := open.Player1
		if m.coin() {
			first = playerID
		}

		joined, err := m.store.ConditionalUpdate(ctx, open.ID,
			session.Predicate{Status: session.StatusWaiting, Version: open.Version},
			session.Patch{
				Player2: session.Ptr(playerID),
				Status:  session.Ptr(session.StatusPlaying),
				Turn:    session.Ptr(first),
			},
		)
		if err == nil {
			matchesTotal.WithLabelValues("joined").Inc()
			span.SetAttributes(attribute.String("session.id", joined.ID), attribute.Int("attempt", attempt))
			m.logger.Info("joined session",
				slog.String("session_id", joined.ID),
				slog.String("player_1", joined.Player1),
				slog.String("player_2", joined.Player2),
				slog.String("turn", joined.Turn),
			)
			return joined, nil
		}
		if !errors.Is(err, session.ErrConflict) && !errors.Is(err, session.ErrNotFound) {
			span.SetStatus(codes.Error, err.Error())
			return session.Session{}, storeError("join session", err)
		}

		conflictsTotal.WithLabelValues("join").Inc()
		m.logger.Debug("lost join race",
			slog.String("session_id", open.ID),
			slog.String("player_id", playerID),
			slog.Int("attempt", attempt),
		)
	}

	created, err := m.store.Insert(ctx, session.Session{
		Player1: playerID,
		Board:   m.layout.NewBoard(),
		Status:  session.StatusWaiting,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return session.Session{}, storeError("create session", err)
	}

	matchesTotal.WithLabelValues("created").Inc()
	span.SetAttributes(attribute.String("session.id", created.ID))
	m.logger.Info("opened session", slog.String("session_id", created.ID), slog.String("player_1", playerID))

	return created, nil
}

// Cancel deletes playerID's own waiting session. If an opponent joined in the
// meantime the delete is refused with ErrStaleWrite. A session that is
// already gone counts as cancelled.
func (m *Matchmaker) Cancel(ctx context.Context, sessionID, playerID string) error {
	ctx, span := tracer.Start(ctx, "versus.Cancel", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("player.id", playerID),
	))
	defer span.End()

	err := m.store.Delete(ctx, sessionID, session.Predicate{Status: session.StatusWaiting, Player1: playerID})
	switch {
	case err == nil:
		m.logger.Info("cancelled search", slog.String("session_id", sessionID), slog.String("player_id", playerID))
		return nil
	case errors.Is(err, session.ErrNotFound):
		return nil
	case errors.Is(err, session.ErrConflict):
		conflictsTotal.WithLabelValues("cancel").Inc()
	}

	span.SetStatus(codes.Error, err.Error())

	return storeError("cancel search", err)
}
