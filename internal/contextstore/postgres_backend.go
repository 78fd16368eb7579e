package contextstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordTableName  = "tenant_context_records"
	postgresRecordKey        = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend keeps one record per key in a shared table, which lets
// several processes on different hosts observe the same last-known context.
type PostgresBackend struct {
	dsn       string
	tableName string
	recordKey string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresRecordTableName,
		recordKey: postgresRecordKey,
		openDB:    sql.Open,
	}, nil
}

// WithRecordKey scopes the backend to one key, typically a user or device id.
func (b *PostgresBackend) WithRecordKey(key string) *PostgresBackend {
	if b != nil && strings.TrimSpace(key) != "" {
		b.recordKey = strings.TrimSpace(key)
	}
	return b
}

func (b *PostgresBackend) Load(ctx context.Context) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT payload FROM %s WHERE record_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.recordKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (b *PostgresBackend) Save(ctx context.Context, payload []byte) error {
	if b == nil {
		return nil
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	if err := b.ensureReady(ctx); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (record_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (record_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, b.recordKey, string(payload))
	return err
}

func (b *PostgresBackend) Remove(ctx context.Context) error {
	if b == nil {
		return nil
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE record_key = $1", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, b.recordKey)
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				record_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
