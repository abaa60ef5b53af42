package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/sessionr/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options for connecting to ClickHouse.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
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
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s, err := NewWithConn(conn, opts.Table)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// NewWithConn wraps an existing connection. The table must already exist.
func NewWithConn(conn driver.Conn, table string) (*Sink, error) {
	if table == "" {
		table = "node_history"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", table)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		occurred_at DateTime64(6),
		session String,
		event String,
		node String,
		pid Int32,
		from_phase String,
		phase String,
		exit_code Nullable(Int32),
		error Nullable(String),
		restarts UInt32
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, node)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, session, event, node, pid, from_phase, phase, exit_code, error, restarts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	var exitCode *int32
	if rec.ExitCode != nil {
		v := int32(*rec.ExitCode)
		exitCode = &v
	}
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	err := s.conn.Exec(ctx, query,
		e.OccurredAt.UTC(),
		rec.Session,
		string(e.Type),
		rec.Node,
		int32(rec.PID),
		rec.From,
		rec.Phase,
		exitCode,
		errText,
		uint32(max(rec.Restarts, 0)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
