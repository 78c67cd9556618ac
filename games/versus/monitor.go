package versus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Seednode/versus/games/presence"
	"github.com/Seednode/versus/games/session"
)

type Signal int

const (
	OpponentAway Signal = iota
	OpponentBack
	ChannelLost
	ChannelRestored
	ForfeitDeclared
)

func (s Signal) String() string {
	switch s {
	case OpponentAway:
		return "opponent_away"
	case OpponentBack:
		return "opponent_back"
	case ChannelLost:
		return "channel_lost"
	case ChannelRestored:
		return "channel_restored"
	case ForfeitDeclared:
		return "forfeit_declared"
	default:
		return "unknown"
	}
}

const forfeitAttempts = 3

type forfeitResult int

const (
	forfeitWon forfeitResult = iota
	forfeitCancelled
	forfeitMoot
)

// Monitor watches an opponent's presence during play and claims a forfeit
// win once they have been gone for the whole grace period.
type Monitor struct {
	store    session.Store
	presence presence.Channel
	grace    time.Duration
	rewatch  time.Duration
	logger   *slog.Logger
}

func NewMonitor(store session.Store, ch presence.Channel, grace time.Duration, logger *slog.Logger) *Monitor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	return &Monitor{
		store:    store,
		presence: ch,
		grace:    grace,
		rewatch:  250 * time.Millisecond,
		logger:   orDiscard(logger).With(slog.String("component", "monitor")),
	}
}

// Run blocks until ctx ends, a forfeit is declared, or the session stops
// being playable. Signals are delivered on the calling goroutine.
//
// While the presence channel is down the grace timer stays disarmed: an
// outage is never taken as a departure. A store that fails while a forfeit
// is being checked is reported as ChannelLost and retried every rewatch
// interval until a read succeeds.
func (m *Monitor) Run(ctx context.Context, sessionID, self, opponent string, notify func(Signal)) error {
	if notify == nil {
		notify = func(Signal) {}
	}

	log := m.logger.With(slog.String("session_id", sessionID), slog.String("player_id", self))

	var (
		timer     *time.Timer
		expired   <-chan time.Time
		retry     *time.Timer
		retryC    <-chan time.Time
		away      bool
		storeDown bool
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(m.grace)
			expired = timer.C
		}
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer, expired = nil, nil
		}
	}
	retryLater := func() {
		if retry == nil {
			retry = time.NewTimer(m.rewatch)
			retryC = retry.C
		}
	}
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer disarm()
	defer stopRetry()

	// claim runs the forfeit check and reports whether Run is done.
	claim := func() bool {
		result, err := m.declareForfeit(ctx, sessionID, self)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			log.Warn("forfeit check failed", slog.Any("error", err))
			if !storeDown {
				storeDown = true
				notify(ChannelLost)
			}
			retryLater()
			return false
		}

		if storeDown {
			storeDown = false
			notify(ChannelRestored)
		}

		switch result {
		case forfeitWon:
			notify(ForfeitDeclared)
			return true
		case forfeitMoot:
			return true
		}

		if !m.presence.Online(sessionID, opponent) {
			arm()
		} else if away {
			away = false
			notify(OpponentBack)
		}
		return false
	}

	events, cancel, err := m.presence.Watch(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("presence watch failed", slog.Any("error", err))
		notify(ChannelLost)
		events, cancel = m.reconnect(ctx, sessionID)
		if events == nil {
			return nil
		}
		notify(ChannelRestored)
	}
	defer func() { cancel() }()

	if !m.presence.Online(sessionID, opponent) {
		away = true
		arm()
		notify(OpponentAway)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				disarm()
				stopRetry()
				cancel()
				log.Warn("presence channel lost")
				if !storeDown {
					notify(ChannelLost)
				}

				events, cancel = m.reconnect(ctx, sessionID)
				if events == nil {
					return nil
				}

				if storeDown {
					// Restored once the store answers again.
					retryLater()
				} else {
					notify(ChannelRestored)
				}

				if m.presence.Online(sessionID, opponent) {
					if away {
						away = false
						notify(OpponentBack)
					}
				} else {
					if !away {
						away = true
						notify(OpponentAway)
					}
					arm()
				}
				continue
			}

			if ev.PlayerID != opponent {
				continue
			}

			switch ev.Kind {
			case presence.Join:
				disarm()
				if away {
					away = false
					notify(OpponentBack)
				}
			case presence.Leave:
				arm()
				if !away {
					away = true
					notify(OpponentAway)
				}
			}

		case <-expired:
			timer, expired = nil, nil
			if claim() {
				return nil
			}

		case <-retryC:
			retry, retryC = nil, nil
			if timer == nil {
				if claim() {
					return nil
				}
				continue
			}

			// The opponent left again since the failure; only check the store
			// and let the running grace period decide.
			if _, err := m.store.Get(ctx, sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
				retryLater()
				continue
			}
			storeDown = false
			notify(ChannelRestored)
		}
	}
}

// reconnect re-establishes the watch, retrying until ctx ends. It returns a
// nil channel only when ctx is done.
func (m *Monitor) reconnect(ctx context.Context, sessionID string) (<-chan presence.Event, func()) {
	ticker := time.NewTicker(m.rewatch)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, func() {}
		case <-ticker.C:
		}

		events, cancel, err := m.presence.Watch(ctx, sessionID)
		if err == nil {
			return events, cancel
		}
	}
}

// declareForfeit re-reads the session and, if the opponent is still absent,
// finishes it in self's favour. The write is guarded by the version that was
// read, so of several concurrent claims only one lands.
func (m *Monitor) declareForfeit(ctx context.Context, sessionID, self string) (forfeitResult, error) {
	ctx, span := tracer.Start(ctx, "versus.DeclareForfeit", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("player.id", self),
	))
	defer span.End()

	for attempt := 1; attempt <= forfeitAttempts; attempt++ {
		s, err := m.store.Get(ctx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return forfeitMoot, nil
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return forfeitMoot, storeError("read session", err)
		}

		if s.Status != session.StatusPlaying || !s.Has(self) {
			return forfeitMoot, nil
		}
		if !m.presence.Available() || m.presence.Online(sessionID, s.Opponent(self)) {
			return forfeitCancelled, nil
		}

		_, err = m.store.ConditionalUpdate(ctx, sessionID,
			session.Predicate{Status: session.StatusPlaying, Version: s.Version},
			session.Patch{
				Status:  session.Ptr(session.StatusFinished),
				Winner:  session.Ptr(self),
				Forfeit: session.Ptr(true),
			},
		)
		switch {
		case err == nil:
			finishedTotal.WithLabelValues("forfeit").Inc()
			m.logger.Info("forfeit declared",
				slog.String("session_id", sessionID),
				slog.String("winner", self),
				slog.String("absent", s.Opponent(self)),
			)
			return forfeitWon, nil
		case errors.Is(err, session.ErrNotFound):
			return forfeitMoot, nil
		case errors.Is(err, session.ErrConflict):
			conflictsTotal.WithLabelValues("forfeit").Inc()
		default:
			span.SetStatus(codes.Error, err.Error())
			return forfeitMoot, storeError("declare forfeit", err)
		}
	}

	return forfeitCancelled, nil
}
