// Package session holds the shared match record and the store contract the
// engine relies on for every concurrent write.
//
// A Session is the only persistent entity. Writers never overwrite it
// directly: they describe the state they expect with a Predicate and the
// change they want with a Patch, and the store applies the Patch only if the
// Predicate still holds against the current row. Every accepted write bumps
// Version, so a client holding an older snapshot can always tell it is stale.
package session

import (
	"time"

	"github.com/Seednode/versus/games/rules"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Draw is the Winner marker for a finished session nobody won.
const Draw = "draw"

type Session struct {
	ID        string      `json:"id"`
	Player1   string      `json:"player_1"`
	Player2   string      `json:"player_2,omitempty"`
	Board     rules.Board `json:"board"`
	Turn      string      `json:"turn,omitempty"`
	Status    Status      `json:"status"`
	Winner    string      `json:"winner,omitempty"`
	Forfeit   bool        `json:"forfeit,omitempty"`
	Version   int64       `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Clone returns a deep copy; the board is the only shared slice.
func (s Session) Clone() Session {
	s.Board = s.Board.Clone()
	return s
}

// Has reports whether playerID is one of the two participants.
func (s Session) Has(playerID string) bool {
	return playerID != "" && (s.Player1 == playerID || s.Player2 == playerID)
}

// Opponent returns the other participant, or "" if playerID is not seated
// or the second seat is still open.
func (s Session) Opponent(playerID string) string {
	switch playerID {
	case "":
		return ""
	case s.Player1:
		return s.Player2
	case s.Player2:
		return s.Player1
	default:
		return ""
	}
}

// Role returns the seat playerID occupies.
func (s Session) Role(playerID string) (rules.Role, bool) {
	switch {
	case playerID == "":
		return 0, false
	case playerID == s.Player1:
		return rules.First, true
	case playerID == s.Player2:
		return rules.Second, true
	default:
		return 0, false
	}
}

// Draw reports whether the session finished without a winner.
func (s Session) Draw() bool {
	return s.Status == StatusFinished && s.Winner == Draw
}

// Predicate is the state a conditional write expects. Zero fields match anything.
type Predicate struct {
	Status    Status
	Player1   string
	Turn      string
	EmptyCell *int
	Version   int64
}

// Holds reports whether s satisfies every non-zero field of p.
func (p Predicate) Holds(s Session) bool {
	if p.Status != "" && s.Status != p.Status {
		return false
	}
	if p.Player1 != "" && s.Player1 != p.Player1 {
		return false
	}
	if p.Turn != "" && s.Turn != p.Turn {
		return false
	}
	if p.EmptyCell != nil {
		idx := *p.EmptyCell
		if idx < 0 || idx >= len(s.Board) || s.Board[idx] != rules.Empty {
			return false
		}
	}
	if p.Version != 0 && s.Version != p.Version {
		return false
	}

	return true
}

// Patch lists the fields a conditional write changes. Nil fields are left alone.
type Patch struct {
	Player2 *string
	Board   rules.Board
	Turn    *string
	Status  *Status
	Winner  *string
	Forfeit *bool
}

// Apply writes the patch into s. Version and timestamps are the store's job.
func (p Patch) Apply(s *Session) {
	if p.Player2 != nil {
		s.Player2 = *p.Player2
	}
	if p.Board != nil {
		s.Board = p.Board.Clone()
	}
	if p.Turn != nil {
		s.Turn = *p.Turn
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Winner != nil {
		s.Winner = *p.Winner
	}
	if p.Forfeit != nil {
		s.Forfeit = *p.Forfeit
	}
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Change is one pushed update. Deleted changes carry the last known row.
type Change struct {
	Session Session
	Deleted bool
}
