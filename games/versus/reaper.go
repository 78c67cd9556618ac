package versus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Seednode/versus/games/presence"
	"github.com/Seednode/versus/games/session"
)

// Reaper periodically removes sessions that have been idle longer than the
// timeout. Waiting and finished sessions go unconditionally. A session in
// play is only removed once neither participant is present, since with
// nobody left there is no monitor to declare a forfeit.
type Reaper struct {
	store    session.Store
	presence presence.Channel
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewReaper(store session.Store, ch presence.Channel, timeout time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		presence: ch,
		timeout:  timeout,
		now:      time.Now,
		logger:   orDiscard(logger).With(slog.String("component", "reaper")),
	}
}

// Run sweeps every timeout/2 until ctx ends. A non-positive timeout
// disables reaping.
func (r *Reaper) Run(ctx context.Context) {
	if r.timeout <= 0 {
		return
	}

	ticker := time.NewTicker(r.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep runs one pass and returns how many sessions were removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	before := r.now().Add(-r.timeout)

	n, err := r.store.Sweep(ctx, before)
	if err != nil {
		return 0, storeError("sweep sessions", err)
	}

	abandoned, err := r.sweepAbandoned(ctx, before)
	n += abandoned
	if n > 0 {
		reapedTotal.Add(float64(n))
		r.logger.Info("reaped idle sessions", slog.Int("count", n), slog.Int("abandoned", abandoned))
	}

	return n, err
}

// sweepAbandoned deletes idle sessions in play whose participants are both
// gone. The delete is guarded by the version that was read, so a move made
// in the meantime keeps the session.
func (r *Reaper) sweepAbandoned(ctx context.Context, before time.Time) (int, error) {
	if r.presence == nil || !r.presence.Available() {
		return 0, nil
	}

	idle, err := r.store.ListIdle(ctx, session.StatusPlaying, before)
	if err != nil {
		return 0, storeError("list idle sessions", err)
	}

	removed := 0
	for _, s := range idle {
		if r.presence.Online(s.ID, s.Player1) || r.presence.Online(s.ID, s.Player2) {
			continue
		}

		err := r.store.Delete(ctx, s.ID, session.Predicate{Status: session.StatusPlaying, Version: s.Version})
		switch {
		case err == nil:
			removed++
			r.logger.Debug("abandoned match removed", slog.String("session_id", s.ID))
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrConflict):
		default:
			return removed, storeError("delete abandoned session", err)
		}
	}

	return removed, nil
}
