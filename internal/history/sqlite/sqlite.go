package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/ollamad/internal/history"
)

// Sink keeps lifecycle events and resource samples in a local SQLite file.
type Sink struct {
	db *sql.DB
}

// New opens or creates the database.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS server_history(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		run_id TEXT,
		pid INTEGER NOT NULL,
		phase TEXT NOT NULL,
		reason TEXT,
		command TEXT,
		started_at TIMESTAMP,
		stopped_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS server_samples(
		timestamp TIMESTAMP NOT NULL,
		name TEXT NOT NULL,
		system_memory_used INTEGER,
		system_swap_used INTEGER,
		process_cpu_percent REAL,
		process_memory_used INTEGER,
		storage_used INTEGER,
		tokens_generated INTEGER NOT NULL,
		active_connections INTEGER,
		model TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS server_samples_name_ts ON server_samples(name, timestamp)`,
}

func (s *Sink) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.IsSample() {
		return s.insertSample(ctx, e)
	}
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_history(timestamp, type, name, run_id, pid, phase, reason, command, started_at, stopped_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Name, history.NullString(rec.RunID), rec.PID, rec.Phase,
		history.NullString(rec.Reason), history.NullString(rec.Command),
		history.NullTime(rec.StartedAt), history.NullTime(rec.StoppedAt))
	return err
}

func (s *Sink) insertSample(ctx context.Context, e history.Event) error {
	sm := e.Sample
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_samples(timestamp, name, system_memory_used, system_swap_used, process_cpu_percent,
			process_memory_used, storage_used, tokens_generated, active_connections, model)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), e.Record.Name,
		history.NullInt(sm.SystemMemoryUsed), history.NullInt(sm.SystemSwapUsed), history.NullFloat(sm.ProcessCPUPercent),
		history.NullInt(sm.ProcessMemoryUsed), history.NullInt(sm.StorageUsed), sm.TokensGenerated,
		history.NullInt(int64(sm.ActiveConnections)), history.NullString(sm.Model))
	return err
}

// Count returns how many events of the given type were stored for name.
// EventSample counts rows in the sample table.
func (s *Sink) Count(ctx context.Context, name string, typ history.EventType) (int, error) {
	var n int
	if typ == history.EventSample {
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM server_samples WHERE name = ?`, name).Scan(&n)
		return n, err
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM server_history WHERE name = ? AND type = ?`, name, string(typ)).Scan(&n)
	return n, err
}

// LastTokens returns the tokens_generated of the newest stored sample for name.
func (s *Sink) LastTokens(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_generated FROM server_samples WHERE name = ? ORDER BY timestamp DESC LIMIT 1`, name).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
