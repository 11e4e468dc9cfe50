// Package history persists resolved commands to SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markus-barta/homedash/internal/command"
	"github.com/markus-barta/homedash/internal/entity"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultLimit is used when callers pass a non-positive limit.
const DefaultLimit = 50

// Store is the command log.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates the database at path and its tables.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	// WAL lets the dashboard read while the dispatcher writes
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &Store{
		db:  db,
		log: log.With().Str("component", "history").Logger(),
	}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT,
		params_json TEXT,
		status TEXT NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_command_logs_entity ON command_logs(entity_id);
	CREATE INDEX IF NOT EXISTS idx_command_logs_started ON command_logs(started_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record implements command.Recorder.
func (s *Store) Record(ctx context.Context, rec command.Record) error {
	var params sql.NullString
	if len(rec.Params) > 0 {
		data, err := json.Marshal(rec.Params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		params = sql.NullString{String: string(data), Valid: true}
	}

	var completed sql.NullTime
	if !rec.CompletedAt.IsZero() {
		completed = sql.NullTime{Time: rec.CompletedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_logs (command_id, entity_id, kind, action, params_json, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.CommandID, string(rec.EntityID), string(rec.Kind), rec.Action, params,
		string(rec.Status), nullString(rec.Error), rec.StartedAt.UTC(), completed)
	if err != nil {
		return fmt.Errorf("inserting command log: %w", err)
	}

	s.log.Debug().
		Str("command_id", rec.CommandID).
		Str("entity_id", string(rec.EntityID)).
		Str("status", string(rec.Status)).
		Msg("recorded command")
	return nil
}

// Recent returns the newest entries across all entities.
func (s *Store) Recent(ctx context.Context, limit int) ([]command.Record, error) {
	return s.query(ctx, `
		SELECT command_id, entity_id, kind, action, params_json, status, error, started_at, completed_at
		FROM command_logs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, clampLimit(limit))
}

// ForEntity returns the newest entries for one entity.
func (s *Store) ForEntity(ctx context.Context, id entity.ID, limit int) ([]command.Record, error) {
	return s.query(ctx, `
		SELECT command_id, entity_id, kind, action, params_json, status, error, started_at, completed_at
		FROM command_logs
		WHERE entity_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, string(id), clampLimit(limit))
}

// Prune deletes entries started before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_logs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning command logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]command.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command logs: %w", err)
	}
	defer rows.Close()

	var out []command.Record
	for rows.Next() {
		var (
			rec                      command.Record
			entityID, kind, status   string
			action, params, errorMsg sql.NullString
			completed                sql.NullTime
		)
		if err := rows.Scan(&rec.CommandID, &entityID, &kind, &action, &params, &status, &errorMsg, &rec.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scanning command log: %w", err)
		}
		rec.EntityID = entity.ID(entityID)
		rec.Kind = command.Kind(kind)
		rec.Status = command.Status(status)
		rec.Action = action.String
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = completed.Time
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
				s.log.Warn().Err(err).Str("command_id", rec.CommandID).Msg("bad params in command log")
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ command.Recorder = (*Store)(nil)
