package artgate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

const (
	postgresAuditTableName = "artgate_audit"
	postgresAuditTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresAuditSink journals terminal outcomes into Postgres. The table is
// created lazily on first use.
type PostgresAuditSink struct {
	dsn       string
	tableName string
	builder   sq.StatementBuilderType
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresAuditSink(dsn string) (AuditSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresAuditSink{
		dsn:       dsn,
		tableName: postgresAuditTableName,
		builder:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresAuditSink) Record(ctx context.Context, entry AuditEntry) error {
	if s == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query, args, err := s.builder.
		Insert(postgresQuoteIdentifier(s.tableName)).
		Columns("correlation_id", "source_event_id", "category", "action", "status", "path", "actor", "reason", "occurred_at").
		Values(entry.CorrelationID, entry.SourceEventID, entry.Category, entry.Action, entry.Status, entry.Path, entry.Actor, entry.Reason, entry.OccurredAt).
		ToSql()
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresAuditTimeout)
	defer cancel()
	_, err = s.db.ExecContext(opCtx, query, args...)
	return err
}

// ListRecent returns the newest journal entries, most recent first.
func (s *PostgresAuditSink) ListRecent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	query, args, err := s.builder.
		Select("correlation_id", "source_event_id", "category", "action", "status", "path", "actor", "reason", "occurred_at").
		From(postgresQuoteIdentifier(s.tableName)).
		OrderBy("id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresAuditTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.CorrelationID, &entry.SourceEventID, &entry.Category, &entry.Action, &entry.Status, &entry.Path, &entry.Actor, &entry.Reason, &entry.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresAuditSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresAuditSink) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresAuditTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				correlation_id TEXT NOT NULL,
				source_event_id TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				status TEXT NOT NULL,
				path TEXT NOT NULL DEFAULT '',
				actor TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				occurred_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_occurred_at_idx"
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (occurred_at)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
