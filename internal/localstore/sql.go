package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name string
	bind func(n int) string
}

var (
	postgresDialect = sqlDialect{name: "postgres", bind: func(n int) string { return fmt.Sprintf("$%d", n) }}
	sqliteDialect   = sqlDialect{name: "sqlite3", bind: func(int) string { return "?" }}
)

// sqlBackend holds the queries shared by the sqlite and postgres backends.
// Entity rows are keyed by (kind, id) and carry the flat record JSON.
type sqlBackend struct {
	dialect     sqlDialect
	entityTable string
	queueTable  string
	ready       func() (*sql.DB, error)
	now         func() time.Time
}

func (b *sqlBackend) Get(ctx context.Context, kind, id string) (Record, error) {
	if !validKind(kind) || strings.TrimSpace(id) == "" {
		return Record{}, ErrInvalidInput
	}
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer cancel()

	query := fmt.Sprintf("SELECT data FROM %s WHERE kind = %s AND id = %s",
		quoteIdentifier(b.entityTable), b.dialect.bind(1), b.dialect.bind(2))
	var payload string
	err = db.QueryRowContext(ctx, query, kind, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, storageError("get", err)
	}
	return decodeRecord(payload)
}

func (b *sqlBackend) Put(ctx context.Context, kind string, record Record) error {
	return b.BulkPut(ctx, kind, []Record{record})
}

func (b *sqlBackend) BulkPut(ctx context.Context, kind string, records []Record) error {
	if !validKind(kind) {
		return ErrInvalidInput
	}
	if len(records) == 0 {
		return nil
	}
	return b.withTx(ctx, "bulk put", func(ctx context.Context, tx *sql.Tx) error {
		for _, record := range records {
			if err := b.upsertTx(ctx, tx, kind, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *sqlBackend) Delete(ctx context.Context, kind, id string) error {
	if !validKind(kind) || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE kind = %s AND id = %s",
		quoteIdentifier(b.entityTable), b.dialect.bind(1), b.dialect.bind(2))
	result, err := db.ExecContext(ctx, query, kind, id)
	if err != nil {
		return storageError("delete", err)
	}
	return requireAffected(result)
}

func (b *sqlBackend) Replace(ctx context.Context, kind, oldID string, record Record) error {
	if !validKind(kind) || strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	return b.withTx(ctx, "replace", func(ctx context.Context, tx *sql.Tx) error {
		if oldID != "" && oldID != record.ID {
			query := fmt.Sprintf("DELETE FROM %s WHERE kind = %s AND id = %s",
				quoteIdentifier(b.entityTable), b.dialect.bind(1), b.dialect.bind(2))
			if _, err := tx.ExecContext(ctx, query, kind, oldID); err != nil {
				return err
			}
		}
		return b.upsertTx(ctx, tx, kind, record)
	})
}

func (b *sqlBackend) Scan(ctx context.Context, kind string, equals map[string]string) ([]Record, error) {
	if !validKind(kind) {
		return nil, ErrInvalidInput
	}
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	args := []any{kind}
	query := fmt.Sprintf("SELECT data FROM %s WHERE kind = %s",
		quoteIdentifier(b.entityTable), b.dialect.bind(1))
	if status, ok := equals["syncStatus"]; ok {
		args = append(args, strings.TrimSpace(status))
		query += fmt.Sprintf(" AND sync_status = %s", b.dialect.bind(len(args)))
	}
	query += " ORDER BY id ASC"
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("scan", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageError("scan", err)
		}
		record, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		if MatchesAll(record, equals) {
			out = append(out, record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("scan", err)
	}
	return out, nil
}

func (b *sqlBackend) Enqueue(ctx context.Context, item QueueItem) (int64, error) {
	if strings.TrimSpace(item.Action) == "" {
		return 0, ErrInvalidInput
	}
	if item.Status == "" {
		item.Status = QueueStatusPending
	}
	if len(item.Payload) == 0 {
		item.Payload = json.RawMessage("null")
	}
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (action, payload, status, created_at, error, attempts, last_attempt_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
		RETURNING id`,
		quoteIdentifier(b.queueTable),
		b.dialect.bind(1), b.dialect.bind(2), b.dialect.bind(3), b.dialect.bind(4),
		b.dialect.bind(5), b.dialect.bind(6), b.dialect.bind(7))
	var id int64
	err = db.QueryRowContext(ctx, query,
		item.Action, string(item.Payload), string(item.Status), item.CreatedAt,
		item.Error, item.Attempts, item.LastAttemptAt,
	).Scan(&id)
	if err != nil {
		return 0, storageError("enqueue", err)
	}
	return id, nil
}

func (b *sqlBackend) QueueItems(ctx context.Context) ([]QueueItem, error) {
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, action, payload, status, created_at, error, attempts, last_attempt_at
		FROM %s
		ORDER BY id ASC`, quoteIdentifier(b.queueTable))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageError("queue items", err)
	}
	defer rows.Close()

	items := []QueueItem{}
	for rows.Next() {
		var (
			item    QueueItem
			payload string
			status  string
			errText sql.NullString
			lastAt  sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.Action, &payload, &status, &item.CreatedAt, &errText, &item.Attempts, &lastAt); err != nil {
			return nil, storageError("queue items", err)
		}
		item.Payload = json.RawMessage(payload)
		item.Status = QueueStatus(status)
		item.Error = errText.String
		item.LastAttemptAt = lastAt.Int64
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("queue items", err)
	}
	return items, nil
}

func (b *sqlBackend) UpdateQueueItem(ctx context.Context, item QueueItem) error {
	if item.ID <= 0 {
		return ErrInvalidInput
	}
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET payload = %s, status = %s, error = %s, attempts = %s, last_attempt_at = %s
		WHERE id = %s`,
		quoteIdentifier(b.queueTable),
		b.dialect.bind(1), b.dialect.bind(2), b.dialect.bind(3), b.dialect.bind(4), b.dialect.bind(5), b.dialect.bind(6))
	result, err := db.ExecContext(ctx, query,
		string(item.Payload), string(item.Status), item.Error, item.Attempts, item.LastAttemptAt, item.ID)
	if err != nil {
		return storageError("update queue item", err)
	}
	return requireAffected(result)
}

func (b *sqlBackend) RemoveQueueItem(ctx context.Context, id int64) error {
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", quoteIdentifier(b.queueTable), b.dialect.bind(1))
	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return storageError("remove queue item", err)
	}
	return requireAffected(result)
}

func (b *sqlBackend) upsertTx(ctx context.Context, tx *sql.Tx, kind string, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	status := record.SyncStatus
	if status == "" {
		status = SyncStatusSynced
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (kind, id, data, sync_status, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (kind, id)
		DO UPDATE SET data = EXCLUDED.data, sync_status = EXCLUDED.sync_status, updated_at = EXCLUDED.updated_at`,
		quoteIdentifier(b.entityTable),
		b.dialect.bind(1), b.dialect.bind(2), b.dialect.bind(3), b.dialect.bind(4), b.dialect.bind(5))
	_, err = tx.ExecContext(ctx, query, kind, record.ID, string(payload), string(status), b.clock().UnixMilli())
	return err
}

func (b *sqlBackend) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	db, ctx, cancel, err := b.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(op, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return storageError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageError(op, err)
	}
	return nil
}

func (b *sqlBackend) begin(ctx context.Context) (*sql.DB, context.Context, context.CancelFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := b.ready()
	if err != nil {
		return nil, nil, nil, storageError("open", err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	return db, ctx, cancel, nil
}

func (b *sqlBackend) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func decodeRecord(payload string) (Record, error) {
	var record Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return Record{}, storageError("decode record", err)
	}
	return record, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
