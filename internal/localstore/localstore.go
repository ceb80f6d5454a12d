package localstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
)

type QueueStatus string

const (
	QueueStatusPending QueueStatus = "PENDING"
	QueueStatusError   QueueStatus = "ERROR"
)

// Record is a cached entity: its domain fields plus the local sync marker.
// It marshals flat, with id and syncStatus next to the domain fields.
type Record struct {
	ID         string
	Fields     map[string]any
	SyncStatus SyncStatus
}

type QueueItem struct {
	ID            int64           `json:"id"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	Status        QueueStatus     `json:"status"`
	CreatedAt     int64           `json:"createdAt"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	LastAttemptAt int64           `json:"lastAttemptAt,omitempty"`
}

type EntityStore interface {
	Get(ctx context.Context, kind, id string) (Record, error)
	Put(ctx context.Context, kind string, record Record) error
	BulkPut(ctx context.Context, kind string, records []Record) error
	Delete(ctx context.Context, kind, id string) error
	// Replace removes oldID and upserts record in one write to the kind's table.
	Replace(ctx context.Context, kind, oldID string, record Record) error
	// Scan returns the kind's records matching every equality filter, in id order.
	Scan(ctx context.Context, kind string, equals map[string]string) ([]Record, error)
}

type QueueStore interface {
	Enqueue(ctx context.Context, item QueueItem) (int64, error)
	QueueItems(ctx context.Context) ([]QueueItem, error)
	UpdateQueueItem(ctx context.Context, item QueueItem) error
	RemoveQueueItem(ctx context.Context, id int64) error
}

type Backend interface {
	EntityStore
	QueueStore
	Close() error
}

func (r Record) Clone() Record {
	out := Record{
		ID:         r.ID,
		SyncStatus: r.SyncStatus,
		Fields:     make(map[string]any, len(r.Fields)),
	}
	for key, value := range r.Fields {
		out.Fields[key] = value
	}
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+2)
	for key, value := range r.Fields {
		flat[key] = value
	}
	flat["id"] = r.ID
	if r.SyncStatus != "" {
		flat["syncStatus"] = r.SyncStatus
	}
	return json.Marshal(flat)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var flat map[string]any
	if err := decoder.Decode(&flat); err != nil {
		return err
	}
	if flat == nil {
		*r = Record{}
		return nil
	}
	r.ID = FieldString(flat["id"])
	r.SyncStatus = SyncStatus(FieldString(flat["syncStatus"]))
	delete(flat, "id")
	delete(flat, "syncStatus")
	r.Fields = normalizeNumbers(flat).(map[string]any)
	return nil
}

// FieldString renders a field value the way equality filters compare it.
func FieldString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func MatchesAll(record Record, equals map[string]string) bool {
	for field, want := range equals {
		var got string
		switch field {
		case "id":
			got = record.ID
		case "syncStatus":
			got = string(record.SyncStatus)
		default:
			value, ok := record.Fields[field]
			if !ok {
				return false
			}
			got = FieldString(value)
		}
		if got != strings.TrimSpace(want) {
			return false
		}
	}
	return true
}

func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for key, inner := range v {
			v[key] = normalizeNumbers(inner)
		}
		return v
	case []any:
		for i, inner := range v {
			v[i] = normalizeNumbers(inner)
		}
		return v
	default:
		return value
	}
}

func validKind(kind string) bool {
	return strings.TrimSpace(kind) != ""
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
