package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/ollamad/internal/history"
)

// Options selects the server and the event table. Samples go to Table+"_samples".
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn    driver.Conn
	table   string
	samples string
}

// New connects, pings and creates both tables when missing.
func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "server_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table, samples: opts.Table + "_samples"}
	if err := s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create ClickHouse tables: %w", err)
	}
	return s, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	events := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type LowCardinality(String),
		occurred_at DateTime64(6),
		name String,
		run_id String,
		pid UInt32,
		phase LowCardinality(String),
		reason Nullable(String),
		command String,
		started_at Nullable(DateTime64(6)),
		stopped_at Nullable(DateTime64(6))
	) ENGINE = MergeTree()
	ORDER BY (name, occurred_at)`, s.table)
	samples := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(6),
		name String,
		system_memory_used Nullable(Int64),
		system_swap_used Nullable(Int64),
		process_cpu_percent Nullable(Float64),
		process_memory_used Nullable(Int64),
		storage_used Nullable(Int64),
		tokens_generated Int64,
		active_connections Nullable(Int64),
		model Nullable(String)
	) ENGINE = MergeTree()
	ORDER BY (name, occurred_at)`, s.samples)
	for _, stmt := range []string{events, samples} {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var err error
	if e.IsSample() {
		sm := e.Sample
		err = s.conn.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (occurred_at, name, system_memory_used, system_swap_used, process_cpu_percent, process_memory_used, storage_used, tokens_generated, active_connections, model) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.samples),
			e.OccurredAt,
			e.Record.Name,
			history.NullInt(sm.SystemMemoryUsed),
			history.NullInt(sm.SystemSwapUsed),
			history.NullFloat(sm.ProcessCPUPercent),
			history.NullInt(sm.ProcessMemoryUsed),
			history.NullInt(sm.StorageUsed),
			sm.TokensGenerated,
			history.NullInt(int64(sm.ActiveConnections)),
			history.NullString(sm.Model),
		)
	} else {
		rec := e.Record
		err = s.conn.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (type, occurred_at, name, run_id, pid, phase, reason, command, started_at, stopped_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table),
			string(e.Type),
			e.OccurredAt,
			rec.Name,
			rec.RunID,
			uint32(rec.PID), // #nosec G115 -- pids are non-negative
			rec.Phase,
			history.NullString(rec.Reason),
			rec.Command,
			history.NullTime(rec.StartedAt),
			history.NullTime(rec.StoppedAt),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s event into ClickHouse: %w", e.Type, err)
	}
	return nil
}
