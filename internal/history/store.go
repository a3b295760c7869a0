// Package history keeps a small sqlite record of supervisor sessions and the
// launches that happened in them. It backs the run list of the status command.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file inside the session base directory.
const FileName = "history.db"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// Path returns the database location for the session base dir.
func Path(sessionDir string) string {
	return filepath.Join(sessionDir, FileName)
}

type Session struct {
	Name       string
	InProgress bool
	Started    time.Time
	Ended      *time.Time
	Reason     *string
}

type SessionRow struct {
	Session
	ID int
}

func (s SessionRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("name: %q, in_progress: %t, started: %s", s.Name, s.InProgress, s.Started.Format(time.RFC3339)))
	if s.Ended != nil {
		sb.WriteString(fmt.Sprintf(", ended: %s", s.Ended.Format(time.RFC3339)))
	} else {
		sb.WriteString(", ended: nil")
	}
	if s.Reason != nil {
		sb.WriteString(fmt.Sprintf(", reason: %q", *s.Reason))
	} else {
		sb.WriteString(", reason: nil")
	}
	return sb.String()
}

// Launch is the outcome of one service launch within a session.
type Launch struct {
	Session string
	Service string
	Status  string
	Pid     int32
	At      time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		in_progress BOOLEAN NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER DEFAULT NULL,
		reason TEXT DEFAULT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS launches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		service TEXT NOT NULL,
		status TEXT NOT NULL,
		pid INTEGER NOT NULL,
		at INTEGER NOT NULL
	)`,
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// the supervisor and the status command may open the file concurrently
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, name string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rolling back history transaction", "session", name, "error", err)
	}
}

// Start records that the session name is in progress. Starting a session that
// is still in progress is not an error, starting a finished one returns
// ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, name string, started time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, name)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM sessions WHERE name=?`, name,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil:
		return ErrAlreadyFinished
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (name, in_progress, started_at) VALUES (?,?,?);`,
		name, true, started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the end time and reason of the session name. It returns
// ErrAlreadyFinished when the session was already finished and ErrNotFound
// when it was never started.
func Finish(ctx context.Context, db *sql.DB, name, reason string, ended time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, name)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM sessions WHERE name=?`, name,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions
		 SET
			in_progress = false,
			ended_at = ?,
			reason = ?
		WHERE name = ?;
		`, ended.UnixMilli(), reason, name,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Abandon finishes every in-progress session except current with reason. It
// returns the number of sessions it finished.
func Abandon(ctx context.Context, db *sql.DB, current, reason string, at time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE sessions
		 SET
			in_progress = false,
			ended_at = ?,
			reason = ?
		WHERE in_progress AND name != ?;
		`, at.UnixMilli(), reason, current,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql update failed: %w", err)
	}
	return result.RowsAffected()
}

// Get returns the session name or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, name string) (SessionRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, in_progress, started_at, ended_at, reason FROM sessions WHERE name=?`, name,
	)
	s, err := scanSession(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return SessionRow{}, ErrNotFound
	case err != nil:
		return SessionRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return s, nil
}

// Recent returns at most n sessions, newest first.
func Recent(ctx context.Context, db *sql.DB, n int) ([]SessionRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, in_progress, started_at, ended_at, reason FROM sessions ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (SessionRow, error) {
	var (
		s       SessionRow
		started int64
		ended   sql.NullInt64
		reason  sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.Name, &s.InProgress, &started, &ended, &reason); err != nil {
		return SessionRow{}, err
	}
	s.Started = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		s.Ended = &t
	}
	if reason.Valid {
		s.Reason = &reason.String
	}
	return s, nil
}

// RecordLaunch appends a launch outcome to the session name.
func RecordLaunch(ctx context.Context, db *sql.DB, l Launch) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO launches (session, service, status, pid, at) VALUES (?,?,?,?,?);`,
		l.Session, l.Service, l.Status, l.Pid, l.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Launches returns the launches of the session name in the order they happened.
func Launches(ctx context.Context, db *sql.DB, name string) ([]Launch, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session, service, status, pid, at FROM launches WHERE session=? ORDER BY id`, name,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var out []Launch
	for rows.Next() {
		var (
			l  Launch
			at int64
		)
		if err := rows.Scan(&l.Session, &l.Service, &l.Status, &l.Pid, &at); err != nil {
			return nil, fmt.Errorf("scanning launch row: %w", err)
		}
		l.At = time.UnixMilli(at).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// Delete removes the session name and its launches.
func Delete(ctx context.Context, db *sql.DB, name string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, name)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE name=?`, name,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM launches WHERE session=?`, name); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}
