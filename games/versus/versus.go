// Package versus is the two-player match engine: matchmaking, move
// arbitration, liveness monitoring with forfeit, state mirroring and the
// per-client controller that ties them together.
//
// Nothing here holds a global lock. Every shared decision is a conditional
// write against the session store, and every client converges on the store's
// newest version through its subscription.
package versus

import (
	"log/slog"
	"time"

	"github.com/Seednode/versus/games/presence"
	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
)

const (
	DefaultGracePeriod   = 1500 * time.Millisecond
	DefaultIntroDelay    = 3500 * time.Millisecond
	DefaultMatchAttempts = 3
)

type Config struct {
	Store    session.Store
	Presence presence.Channel

	// Layout defaults to rules.TicTacToe and Symbols to rules.Classic.
	Layout  rules.Layout
	Symbols rules.Symbols

	// IntroDelay is how long the versus intro runs before play. Zero skips it.
	IntroDelay time.Duration

	// GracePeriod is how long an opponent may be absent before the remaining
	// player claims a forfeit win.
	GracePeriod time.Duration

	MatchAttempts int

	Reporter Reporter
	Logger   *slog.Logger
}

// Engine bundles the shared collaborators controllers are built from.
type Engine struct {
	cfg        Config
	matchmaker *Matchmaker
	arbiter    *Arbiter
	monitor    *Monitor
	logger     *slog.Logger
}

func New(cfg Config) *Engine {
	if cfg.Layout.Size == 0 {
		cfg.Layout = rules.TicTacToe
	}
	if cfg.Symbols == nil {
		cfg.Symbols = rules.Classic
	}
	if cfg.IntroDelay < 0 {
		cfg.IntroDelay = 0
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MatchAttempts <= 0 {
		cfg.MatchAttempts = DefaultMatchAttempts
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NewLogReporter(cfg.Logger)
	}
	cfg.Logger = orDiscard(cfg.Logger)

	return &Engine{
		cfg:        cfg,
		matchmaker: NewMatchmaker(cfg.Store, cfg.Layout, cfg.MatchAttempts, cfg.Logger),
		arbiter:    NewArbiter(cfg.Store, cfg.Layout, cfg.Symbols, cfg.Logger),
		monitor:    NewMonitor(cfg.Store, cfg.Presence, cfg.GracePeriod, cfg.Logger),
		logger:     cfg.Logger,
	}
}

func (e *Engine) Matchmaker() *Matchmaker { return e.matchmaker }

func (e *Engine) Arbiter() *Arbiter { return e.arbiter }

func (e *Engine) Monitor() *Monitor { return e.monitor }

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}

	return l
}
