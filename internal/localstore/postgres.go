package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

const (
	postgresEntityTableName = "worksync_entities"
	postgresQueueTableName  = "worksync_queue"
)

type PostgresBackend struct {
	sqlBackend
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	b := &PostgresBackend{
		dsn:    dsn,
		openDB: sql.Open,
	}
	b.sqlBackend = sqlBackend{
		dialect:     postgresDialect,
		entityTable: postgresEntityTableName,
		queueTable:  postgresQueueTableName,
		ready:       b.ensureReady,
	}
	return b, nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					kind TEXT NOT NULL,
					id TEXT NOT NULL,
					data TEXT NOT NULL,
					sync_status TEXT NOT NULL DEFAULT 'synced',
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (kind, id)
				)`, quoteIdentifier(b.entityTable)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (kind, sync_status)`,
				quoteIdentifier(b.entityTable+"_kind_sync_status_idx"), quoteIdentifier(b.entityTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					action TEXT NOT NULL,
					payload TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'PENDING',
					created_at BIGINT NOT NULL,
					error TEXT,
					attempts INTEGER NOT NULL DEFAULT 0,
					last_attempt_at BIGINT
				)`, quoteIdentifier(b.queueTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.db, b.initErr
}
