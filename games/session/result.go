package session

import "time"

// Result is one participant's score line, reported once per finished session.
type Result struct {
	GameID   string        `json:"game_id"`
	PlayerID string        `json:"player_id"`
	Score    int           `json:"score"`
	Moves    int           `json:"moves"`
	Elapsed  time.Duration `json:"elapsed"`
	Outcome  string        `json:"outcome"`
}

// ElapsedSeconds is the duration as reported to score sinks.
func (r Result) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}
