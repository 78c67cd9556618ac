package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no session matches the id (or, for
	// FindWaiting, when no session is open for matching).
	ErrNotFound = errors.New("session not found")

	// ErrConflict means the predicate no longer held when the write reached
	// the store. Another writer won the race; re-read before deciding again.
	ErrConflict = errors.New("session changed concurrently")

	// ErrInvalid is returned for rows that break the data model invariants.
	ErrInvalid = errors.New("invalid session")
)

// Store is the persistence contract the engine consumes.
type Store interface {
	// Insert stores a new session and returns it with id, version and
	// timestamps filled in.
	Insert(ctx context.Context, s Session) (Session, error)

	// ConditionalUpdate applies patch only if pred holds against the current
	// row, atomically. Finished sessions never accept updates.
	ConditionalUpdate(ctx context.Context, id string, pred Predicate, patch Patch) (Session, error)

	Get(ctx context.Context, id string) (Session, error)

	// FindWaiting returns the oldest waiting session not created by
	// excludePlayer.
	FindWaiting(ctx context.Context, excludePlayer string) (Session, error)

	// Subscribe streams every accepted write to id until cancel is called or
	// ctx ends. Slow readers see the newest snapshot, not every one.
	Subscribe(ctx context.Context, id string) (<-chan Change, func(), error)

	// Delete removes the row if pred holds.
	Delete(ctx context.Context, id string, pred Predicate) error

	// Sweep deletes waiting and finished sessions last updated before the
	// cutoff and returns how many were removed.
	Sweep(ctx context.Context, before time.Time) (int, error)

	// ListIdle returns sessions in status last updated before the cutoff,
	// oldest first.
	ListIdle(ctx context.Context, status Status, before time.Time) ([]Session, error)
}

// NewID returns a fresh opaque session id.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the status invariants of the data model.
func Validate(s Session) error {
	if strings.TrimSpace(s.Player1) == "" {
		return errors.Join(ErrInvalid, errors.New("player_1 is required"))
	}

	switch s.Status {
	case StatusWaiting:
		if s.Player2 != "" || s.Turn != "" || s.Winner != "" {
			return errors.Join(ErrInvalid, errors.New("waiting session must not have player_2, turn or winner"))
		}
		for _, c := range s.Board {
			if c != "" {
				return errors.Join(ErrInvalid, errors.New("waiting session must have an empty board"))
			}
		}
	case StatusPlaying:
		if s.Player2 == "" {
			return errors.Join(ErrInvalid, errors.New("playing session requires player_2"))
		}
		if s.Turn != s.Player1 && s.Turn != s.Player2 {
			return errors.Join(ErrInvalid, errors.New("turn must name a participant"))
		}
	case StatusFinished:
		if s.Winner == "" {
			return errors.Join(ErrInvalid, errors.New("finished session requires a winner or draw"))
		}
	default:
		return errors.Join(ErrInvalid, errors.New("unknown status "+string(s.Status)))
	}

	return nil
}
