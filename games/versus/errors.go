package versus

import (
	"errors"
	"fmt"

	"github.com/Seednode/versus/games/presence"
	"github.com/Seednode/versus/games/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")

	// ErrStaleWrite means a conditional write lost its race. The local mirror
	// has been resynchronised; decide again from the fresh state.
	ErrStaleWrite = errors.New("stale write rejected")

	ErrInvalidMove        = errors.New("invalid move")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrNotSearching       = errors.New("not searching")
	ErrAlreadyStarted     = errors.New("search already started")
	ErrClosed             = errors.New("controller closed")
	ErrNoPlayer           = errors.New("player id is required")
	ErrReservedPlayer     = errors.New("player id is reserved")
)

const (
	ReasonNotPlaying  = "session is not in play"
	ReasonNotSeated   = "player is not in this session"
	ReasonNotYourTurn = "not your turn"
	ReasonOutOfRange  = "cell out of range"
	ReasonOccupied    = "cell already taken"
)

// MoveError is a move rejected before reaching the store.
type MoveError struct {
	Reason string
	Cell   int
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("invalid move at cell %d: %s", e.Cell, e.Reason)
}

func (e *MoveError) Unwrap() error {
	return ErrInvalidMove
}

// storeError maps store sentinels onto the engine taxonomy.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrSessionNotFound, err)
	case errors.Is(err, session.ErrConflict):
		return fmt.Errorf("%s: %w: %w", op, ErrStaleWrite, err)
	case errors.Is(err, presence.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrChannelUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Code returns the stable wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrStaleWrite):
		return "stale_write"
	case errors.Is(err, ErrInvalidMove):
		return "invalid_move"
	case errors.Is(err, ErrChannelUnavailable):
		return "channel_unavailable"
	case errors.Is(err, ErrNotSearching):
		return "not_searching"
	case errors.Is(err, ErrAlreadyStarted):
		return "already_started"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrNoPlayer):
		return "no_player"
	case errors.Is(err, ErrReservedPlayer):
		return "reserved_player"
	default:
		return "internal"
	}
}
