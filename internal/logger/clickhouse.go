package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createRequestLogTable = `
CREATE TABLE IF NOT EXISTS request_log (
	request_id    String,
	model         LowCardinality(String),
	stream        Bool,
	credential_id Int64,
	attempts      UInt16,
	status        UInt16,
	latency_ms    UInt32,
	outcome       LowCardinality(String),
	created_at    DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, request_id)`

// ClickHouseSink writes request logs to the request_log table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects using a clickhouse:// DSN and creates the table
// if needed.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	if err := conn.Exec(ctx, createRequestLogTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_log")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.RequestID,
			e.Model,
			e.Stream,
			e.CredentialID,
			e.Attempts,
			e.Status,
			e.LatencyMs,
			e.Outcome,
			e.CreatedAt,
		); err != nil {
			_ = b.Abort()
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

// Ping checks the server is reachable.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
