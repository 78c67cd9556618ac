// Package sqlite provides a SQLite-backed session store.
//
// Conditional updates are optimistic: the row is read, the predicate is
// checked in Go, and the write is issued as UPDATE … WHERE version = ?. If
// another writer got there first the statement touches no rows and the loop
// re-reads, so the predicate is always evaluated against the row the write
// actually replaces.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Seednode/versus/games/rules"
	"github.com/Seednode/versus/games/session"
	"github.com/Seednode/versus/games/session/sqlite/migrations"
	"github.com/Seednode/versus/internal/sqlitemigrate"
)

const maxCASAttempts = 8

// Store persists sessions and score results in SQLite. Change notifications
// are fanned out in-process, so every participant must be served by the same
// Store value.
type Store struct {
	sqlDB *sql.DB
	feed  *session.Feed
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		sqlDB: sqlDB,
		feed:  session.NewFeed(),
		now:   time.Now,
	}, nil
}

// Close ends subscriptions and closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}

	s.feed.Close()

	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	return nil
}

// Insert stores a new session.
func (s *Store) Insert(ctx context.Context, in session.Session) (session.Session, error) {
	if err := s.ready(ctx); err != nil {
		return session.Session{}, err
	}
	if err := session.Validate(in); err != nil {
		return session.Session{}, err
	}

	out := in.Clone()
	if out.ID == "" {
		out.ID = session.NewID()
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	out.Version = 1
	out.CreatedAt = now
	out.UpdatedAt = now

	board, err := encodeBoard(out.Board)
	if err != nil {
		return session.Session{}, err
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (
		   id, player_1, player_2, board, turn, status, winner, forfeit,
		   version, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID,
		out.Player1,
		out.Player2,
		board,
		out.Turn,
		string(out.Status),
		out.Winner,
		boolToInt(out.Forfeit),
		out.Version,
		toMillis(out.CreatedAt),
		toMillis(out.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return session.Session{}, session.ErrConflict
		}
		return session.Session{}, fmt.Errorf("insert session: %w", err)
	}

	s.feed.Publish(session.Change{Session: out.Clone()})

	return out, nil
}

// ConditionalUpdate applies patch if pred holds against the current row.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, pred session.Predicate, patch session.Patch) (session.Session, error) {
	if err := s.ready(ctx); err != nil {
		return session.Session{}, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return session.Session{}, err
		}
		if cur.Status == session.StatusFinished || !pred.Holds(cur) {
			return session.Session{}, session.ErrConflict
		}

		next := cur.Clone()
		patch.Apply(&next)
		if err := session.Validate(next); err != nil {
			return session.Session{}, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

		board, err := encodeBoard(next.Board)
		if err != nil {
			return session.Session{}, err
		}

		res, err := s.sqlDB.ExecContext(
			ctx,
			`UPDATE sessions
			    SET player_2 = ?, board = ?, turn = ?, status = ?, winner = ?,
			        forfeit = ?, version = ?, updated_at = ?
			  WHERE id = ? AND version = ?`,
			next.Player2,
			board,
			next.Turn,
			string(next.Status),
			next.Winner,
			boolToInt(next.Forfeit),
			next.Version,
			toMillis(next.UpdatedAt),
			id,
			cur.Version,
		)
		if err != nil {
			return session.Session{}, fmt.Errorf("update session: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return session.Session{}, fmt.Errorf("update session: %w", err)
		}
		if n == 1 {
			s.feed.Publish(session.Change{Session: next.Clone()})
			return next, nil
		}
	}

	return session.Session{}, session.ErrConflict
}

// Get returns one session by id.
func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	if err := s.ready(ctx); err != nil {
		return session.Session{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, player_1, player_2, board, turn, status, winner, forfeit,
		        version, created_at, updated_at
		   FROM sessions
		  WHERE id = ?`,
		id,
	)

	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}

	return out, nil
}

// FindWaiting returns the oldest open session not created by excludePlayer.
func (s *Store) FindWaiting(ctx context.Context, excludePlayer string) (session.Session, error) {
	if err := s.ready(ctx); err != nil {
		return session.Session{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, player_1, player_2, board, turn, status, winner, forfeit,
		        version, created_at, updated_at
		   FROM sessions
		  WHERE status = ? AND player_1 != ?
		  ORDER BY created_at ASC, id ASC
		  LIMIT 1`,
		string(session.StatusWaiting),
		excludePlayer,
	)

	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("find waiting session: %w", err)
	}

	return out, nil
}

// Subscribe streams accepted writes to id.
func (s *Store) Subscribe(ctx context.Context, id string) (<-chan session.Change, func(), error) {
	if err := s.ready(ctx); err != nil {
		return nil, nil, err
	}

	return s.feed.Subscribe(ctx, id)
}

// Delete removes the row if pred holds.
func (s *Store) Delete(ctx context.Context, id string, pred session.Predicate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !pred.Holds(cur) {
			return session.ErrConflict
		}

		ok, err := s.deleteVersion(ctx, cur)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	return session.ErrConflict
}

func (s *Store) deleteVersion(ctx context.Context, cur session.Session) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND version = ?`, cur.ID, cur.Version)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	s.feed.Publish(session.Change{Session: cur, Deleted: true})

	return true, nil
}

// Sweep deletes waiting and finished sessions idle since before.
func (s *Store) Sweep(ctx context.Context, before time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	stale, err := s.querySessions(ctx, "sweep sessions",
		`SELECT id, player_1, player_2, board, turn, status, winner, forfeit,
		        version, created_at, updated_at
		   FROM sessions
		  WHERE status != ? AND updated_at < ?`,
		string(session.StatusPlaying),
		toMillis(before),
	)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, cur := range stale {
		ok, err := s.deleteVersion(ctx, cur)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	return removed, nil
}

// ListIdle returns sessions in status last updated before the cutoff,
// oldest first.
func (s *Store) ListIdle(ctx context.Context, status session.Status, before time.Time) ([]session.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	return s.querySessions(ctx, "list idle sessions",
		`SELECT id, player_1, player_2, board, turn, status, winner, forfeit,
		        version, created_at, updated_at
		   FROM sessions
		  WHERE status = ? AND updated_at < ?
		  ORDER BY updated_at`,
		string(status),
		toMillis(before),
	)
}

func (s *Store) querySessions(ctx context.Context, op, query string, args ...any) ([]session.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		cur, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, cur)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// SubmitResult records a score line. A second report for the same game and
// player is ignored.
func (s *Store) SubmitResult(ctx context.Context, r session.Result) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(r.GameID) == "" || strings.TrimSpace(r.PlayerID) == "" {
		return fmt.Errorf("game id and player id are required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO results (
		   game_id, player_id, score, moves, elapsed_seconds, outcome, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.GameID,
		r.PlayerID,
		r.Score,
		r.Moves,
		r.ElapsedSeconds(),
		r.Outcome,
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("submit result: %w", err)
	}

	return nil
}

// Results returns the recorded score lines for a player, newest first.
func (s *Store) Results(ctx context.Context, playerID string) ([]session.Result, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT game_id, player_id, score, moves, elapsed_seconds, outcome
		   FROM results
		  WHERE player_id = ?
		  ORDER BY created_at DESC, id DESC`,
		playerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []session.Result
	for rows.Next() {
		var r session.Result
		var elapsed float64
		if err := rows.Scan(&r.GameID, &r.PlayerID, &r.Score, &r.Moves, &elapsed, &r.Outcome); err != nil {
			return nil, fmt.Errorf("list results: %w", err)
		}
		r.Elapsed = time.Duration(elapsed * float64(time.Second))
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var (
		out       session.Session
		board     string
		status    string
		forfeit   int
		createdAt int64
		updatedAt int64
	)

	if err := row.Scan(
		&out.ID,
		&out.Player1,
		&out.Player2,
		&board,
		&out.Turn,
		&status,
		&out.Winner,
		&forfeit,
		&out.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return session.Session{}, err
	}

	cells, err := decodeBoard(board)
	if err != nil {
		return session.Session{}, err
	}

	out.Board = cells
	out.Status = session.Status(status)
	out.Forfeit = forfeit != 0
	out.CreatedAt = fromMillis(createdAt)
	out.UpdatedAt = fromMillis(updatedAt)

	return out, nil
}

func encodeBoard(b rules.Board) (string, error) {
	if b == nil {
		b = rules.Board{}
	}

	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode board: %w", err)
	}

	return string(data), nil
}

func decodeBoard(raw string) (rules.Board, error) {
	var b rules.Board
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}

	return b, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}

	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}

	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ session.Store = (*Store)(nil)
