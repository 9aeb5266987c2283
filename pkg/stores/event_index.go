// Package stores provides the SQLite projection of the status ledger.
// The JSONL ledger stays authoritative; the index exists for fast
// status and history queries and is rebuilt from the ledger whenever
// it is missing or stale.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/sindri-dev/sindri/pkg/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventIndex mirrors ledger envelopes into SQLite.
type EventIndex struct {
	db   *sql.DB
	path string
}

// NewEventIndex creates an index instance for the given database path.
func NewEventIndex(path string) (*EventIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &EventIndex{path: path}, nil
}

// Init opens the database and enables WAL mode.
func (s *EventIndex) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *EventIndex) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded source.
func (s *EventIndex) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Index mirrors one envelope. Indexing the same event twice is a no-op.
func (s *EventIndex) Index(ctx context.Context, env *ledger.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	query := `
		INSERT INTO events (event_id, timestamp, extension_name, cli_version, state_before, state_after, event_type, version, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	var before *string
	if env.StateBefore != nil {
		v := string(*env.StateBefore)
		before = &v
	}

	_, err = s.db.ExecContext(ctx, query,
		env.EventID,
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		env.ExtensionName,
		env.CLIVersion,
		before,
		string(env.StateAfter),
		string(env.Event.Type),
		env.InstalledVersion(),
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	return nil
}

// Rebuild wipes the index and mirrors the given envelopes in order.
func (s *EventIndex) Rebuild(ctx context.Context, envelopes []ledger.Envelope) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (event_id, timestamp, extension_name, cli_version, state_before, state_after, event_type, version, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range envelopes {
		env := &envelopes[i]
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		var before *string
		if env.StateBefore != nil {
			v := string(*env.StateBefore)
			before = &v
		}
		if _, err := stmt.ExecContext(ctx,
			env.EventID,
			env.Timestamp.UTC().Format(time.RFC3339Nano),
			env.ExtensionName,
			env.CLIVersion,
			before,
			string(env.StateAfter),
			string(env.Event.Type),
			env.InstalledVersion(),
			string(raw),
		); err != nil {
			return fmt.Errorf("failed to index event %s: %w", env.EventID, err)
		}
	}

	return tx.Commit()
}

// History returns an extension's envelopes newest-first.
func (s *EventIndex) History(ctx context.Context, name string, limit int) ([]ledger.Envelope, error) {
	query := `
		SELECT envelope
		FROM events
		WHERE extension_name = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []ledger.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var env ledger.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// LatestStates returns each extension's most recent state and version.
func (s *EventIndex) LatestStates(ctx context.Context) (map[string]ledger.Status, error) {
	query := `
		SELECT e.extension_name, e.state_after, e.version, e.timestamp, e.event_id
		FROM events e
		JOIN (
			SELECT extension_name, MAX(timestamp) AS latest
			FROM events
			GROUP BY extension_name
		) last ON e.extension_name = last.extension_name AND e.timestamp = last.latest
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ledger.Status)
	for rows.Next() {
		var (
			st      ledger.Status
			state   string
			version sql.NullString
			ts      string
		)
		if err := rows.Scan(&st.ExtensionName, &state, &version, &ts, &st.LastEventID); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		st.CurrentState = ledger.ExtensionState(state)
		if version.Valid {
			st.Version = version.String
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			st.LastEventTime = t
		}
		out[st.ExtensionName] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statuses: %w", err)
	}
	return out, nil
}

// Count returns the number of indexed events, used to detect an index
// that has fallen behind the ledger.
func (s *EventIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *EventIndex) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
