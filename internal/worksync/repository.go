package worksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/worksync/internal/localstore"
)

const defaultRemoteTimeout = 15 * time.Second

// Deps is what a repository or drainer needs from the outside world.
type Deps struct {
	Store         localstore.Backend
	Connectivity  Connectivity
	Client        RemoteClient
	Queue         *Queue
	Now           func() time.Time
	NewID         func() string
	Logger        *slog.Logger
	RemoteTimeout time.Duration
}

func (d Deps) normalize() (Deps, error) {
	if d.Store == nil {
		return Deps{}, fmt.Errorf("store is required")
	}
	if d.Connectivity == nil {
		return Deps{}, fmt.Errorf("connectivity is required")
	}
	if d.Client == nil {
		return Deps{}, fmt.Errorf("client is required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.NewString() }
	}
	if d.Queue == nil {
		d.Queue = NewQueue(d.Store, d.Now)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RemoteTimeout <= 0 {
		d.RemoteTimeout = defaultRemoteTimeout
	}
	return d, nil
}

// ignoredFilters are accepted by the remote API but have no exact-match
// meaning locally.
var ignoredFilters = map[string]struct{}{
	"search":   {},
	"q":        {},
	"sort":     {},
	"order":    {},
	"page":     {},
	"pageSize": {},
}

type Repository struct {
	kind *EntityKind
	deps Deps
}

func NewRepository(kind *EntityKind, deps Deps) (*Repository, error) {
	if kind == nil || strings.TrimSpace(kind.Name) == "" {
		return nil, fmt.Errorf("entity kind is required")
	}
	deps, err := deps.normalize()
	if err != nil {
		return nil, err
	}
	if err := kind.compile(); err != nil {
		return nil, err
	}
	return &Repository{kind: kind, deps: deps}, nil
}

func (r *Repository) Kind() *EntityKind {
	return r.kind
}

func (r *Repository) GetAll(ctx context.Context, query ListQuery) (ListResult, error) {
	if r.deps.Connectivity.IsOnline() {
		callCtx, cancel := context.WithTimeout(ctx, r.deps.RemoteTimeout)
		result, err := r.deps.Client.List(callCtx, r.kind, query)
		cancel()
		if err == nil {
			items, mirrorErr := r.mirror(ctx, result.Items())
			if mirrorErr != nil {
				return nil, mirrorErr
			}
			return withItems(result, items), nil
		}
		if !remoteUnavailable(err) {
			return nil, err
		}
		r.deps.Logger.Info("remote list failed, serving local cache", "kind", r.kind.Name, "err", err)
	}
	return r.localList(ctx, query)
}

func (r *Repository) GetByID(ctx context.Context, id string) (localstore.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return localstore.Record{}, ErrInvalidInput
	}
	id = r.resolveID(id)
	if r.deps.Connectivity.IsOnline() {
		pending, err := r.hasPending(ctx, id)
		if err != nil {
			return localstore.Record{}, err
		}
		if !pending {
			callCtx, cancel := context.WithTimeout(ctx, r.deps.RemoteTimeout)
			record, err := r.deps.Client.Get(callCtx, r.kind, id)
			cancel()
			if err == nil {
				items, mirrorErr := r.mirror(ctx, []localstore.Record{record})
				if mirrorErr != nil {
					return localstore.Record{}, mirrorErr
				}
				return items[0], nil
			}
			if !remoteUnavailable(err) {
				return localstore.Record{}, err
			}
			r.deps.Logger.Info("remote get failed, serving local cache", "kind", r.kind.Name, "id", id, "err", err)
		}
	}
	return r.deps.Store.Get(ctx, r.kind.Name, id)
}

func (r *Repository) Create(ctx context.Context, data map[string]any) (localstore.Record, error) {
	if err := r.kind.ValidateCreate(data); err != nil {
		return localstore.Record{}, err
	}
	clientID := r.deps.NewID()
	if r.deps.Connectivity.IsOnline() {
		callCtx, cancel := context.WithTimeout(ctx, r.deps.RemoteTimeout)
		record, err := r.deps.Client.Create(callCtx, r.kind, clientID, copyFields(data))
		cancel()
		if err == nil {
			if err := requireID(record); err != nil {
				return localstore.Record{}, err
			}
			record.SyncStatus = localstore.SyncStatusSynced
			if err := r.deps.Store.Put(ctx, r.kind.Name, record); err != nil {
				return localstore.Record{}, err
			}
			return record, nil
		}
		if !IsTransient(err) {
			return localstore.Record{}, err
		}
		r.deps.Logger.Info("remote create failed, queueing", "kind", r.kind.Name, "client_id", clientID, "err", err)
	}

	provisional := localstore.Record{
		ID:         clientID,
		Fields:     copyFields(data),
		SyncStatus: localstore.SyncStatusPending,
	}
	if r.kind.StatusField != "" && r.kind.DraftStatus != "" {
		provisional.Fields[r.kind.StatusField] = r.kind.DraftStatus
	}
	err := r.deps.Queue.locked(func() error {
		if err := r.deps.Store.Put(ctx, r.kind.Name, provisional); err != nil {
			return err
		}
		payload := createPayload{ClientID: clientID, Data: copyFields(data)}
		if _, err := r.deps.Queue.Enqueue(ctx, NewAction(OpCreate, r.kind.Name), payload); err != nil {
			_ = r.deps.Store.Delete(ctx, r.kind.Name, clientID)
			return err
		}
		return nil
	})
	if err != nil {
		return localstore.Record{}, err
	}
	return provisional, nil
}

func (r *Repository) Update(ctx context.Context, id string, data map[string]any) (localstore.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return localstore.Record{}, ErrInvalidInput
	}
	if err := r.kind.ValidateUpdate(data); err != nil {
		return localstore.Record{}, err
	}
	id = r.resolveID(id)
	if r.deps.Connectivity.IsOnline() {
		// Queued mutations for this entity must reach the authority first.
		pending, err := r.hasPending(ctx, id)
		if err != nil {
			return localstore.Record{}, err
		}
		if !pending {
			callCtx, cancel := context.WithTimeout(ctx, r.deps.RemoteTimeout)
			record, err := r.deps.Client.Update(callCtx, r.kind, id, copyFields(data))
			cancel()
			if err == nil {
				if record.ID == "" {
					record.ID = id
				}
				record.SyncStatus = localstore.SyncStatusSynced
				if err := r.deps.Store.Put(ctx, r.kind.Name, record); err != nil {
					return localstore.Record{}, err
				}
				return record, nil
			}
			if !IsTransient(err) {
				return localstore.Record{}, err
			}
			r.deps.Logger.Info("remote update failed, queueing", "kind", r.kind.Name, "id", id, "err", err)
		}
	}

	var merged localstore.Record
	err := r.deps.Queue.locked(func() error {
		// A drain may have resolved the provisional id since the caller read it.
		id = r.deps.Queue.resolve(r.kind.Name, id)
		cached, err := r.deps.Store.Get(ctx, r.kind.Name, id)
		if errors.Is(err, localstore.ErrNotFound) {
			return fmt.Errorf("%w: %s %s is not cached locally", ErrNotFound, r.kind.Name, id)
		}
		if err != nil {
			return err
		}
		merged = cached.Clone()
		for key, value := range data {
			merged.Fields[key] = value
		}
		merged.SyncStatus = localstore.SyncStatusPending
		if err := r.deps.Store.Put(ctx, r.kind.Name, merged); err != nil {
			return err
		}
		payload := updatePayload{ID: id, Data: copyFields(data)}
		if _, err := r.deps.Queue.Enqueue(ctx, NewAction(OpUpdate, r.kind.Name), payload); err != nil {
			_ = r.deps.Store.Put(ctx, r.kind.Name, cached)
			return err
		}
		return nil
	})
	if err != nil {
		return localstore.Record{}, err
	}
	return merged, nil
}

func (r *Repository) Submit(ctx context.Context, id string) (localstore.Record, error) {
	return r.Transition(ctx, id, "submit", nil)
}

func (r *Repository) Validate(ctx context.Context, id string) (localstore.Record, error) {
	return r.Transition(ctx, id, "validate", nil)
}

func (r *Repository) Reject(ctx context.Context, id, reason string) (localstore.Record, error) {
	body := map[string]any{}
	if reason = strings.TrimSpace(reason); reason != "" {
		body["motifRejet"] = reason
	}
	return r.Transition(ctx, id, "reject", body)
}

// Transition runs an authority-side state change. It is never queued.
func (r *Repository) Transition(ctx context.Context, id, name string, body map[string]any) (localstore.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return localstore.Record{}, ErrInvalidInput
	}
	t, ok := r.kind.Transitions[name]
	if !ok {
		return localstore.Record{}, fmt.Errorf("%w: %s has no %q transition", ErrInvalidInput, r.kind.Name, name)
	}
	id = r.resolveID(id)
	if err := r.requireOnline(ctx, id, t.Name); err != nil {
		return localstore.Record{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.deps.RemoteTimeout)
	record, err := r.deps.Client.Transition(callCtx, r.kind, id, t.Name, body)
	cancel()
	if err != nil {
		return localstore.Record{}, err
	}
	if record.ID == "" {
		record.ID = id
	}
	record.SyncStatus = localstore.SyncStatusSynced
	if err := r.deps.Store.Put(ctx, r.kind.Name, record); err != nil {
		return localstore.Record{}, err
	}
	return record, nil
}

// Delete removes the entity remotely and then from the cache. It is never queued.
func (r *Repository) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	id = r.resolveID(id)
	if err := r.requireOnline(ctx, id, "delete"); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.deps.RemoteTimeout)
	err := r.deps.Client.Delete(callCtx, r.kind, id)
	cancel()
	if err != nil {
		return err
	}
	if err := r.deps.Store.Delete(ctx, r.kind.Name, id); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	return nil
}

func (r *Repository) requireOnline(ctx context.Context, id, operation string) error {
	if !r.deps.Connectivity.IsOnline() {
		return fmt.Errorf("%w: %s %s requires a connection", ErrOffline, r.kind.Name, operation)
	}
	pending, err := r.hasPending(ctx, id)
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("%w: %s %s must be synchronized before %s", ErrPendingSync, r.kind.Name, id, operation)
	}
	return nil
}

func (r *Repository) localList(ctx context.Context, query ListQuery) (Paginated, error) {
	equals := map[string]string{}
	for key, value := range query.Filters {
		if _, skip := ignoredFilters[key]; skip {
			continue
		}
		if value = strings.TrimSpace(value); value == "" {
			continue
		}
		equals[key] = value
	}
	records, err := r.deps.Store.Scan(ctx, r.kind.Name, equals)
	if err != nil {
		return Paginated{}, err
	}
	localstore.SortRecords(records, r.kind.Sort)
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = r.kind.DefaultPageSize
	}
	return paginate(records, query.Page, pageSize), nil
}

// mirror caches remote records as synced, except entities that still have
// queued mutations; those keep their local pending version.
func (r *Repository) mirror(ctx context.Context, records []localstore.Record) ([]localstore.Record, error) {
	if len(records) == 0 {
		return records, nil
	}
	var out []localstore.Record
	err := r.deps.Queue.locked(func() error {
		var err error
		out, err = r.mirrorLocked(ctx, records)
		return err
	})
	return out, err
}

func (r *Repository) mirrorLocked(ctx context.Context, records []localstore.Record) ([]localstore.Record, error) {
	refs, err := r.deps.Queue.pendingRefs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]localstore.Record, 0, len(records))
	toStore := make([]localstore.Record, 0, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		if refs[refKey(r.kind.Name, record.ID)] > 0 {
			local, err := r.deps.Store.Get(ctx, r.kind.Name, record.ID)
			if err == nil {
				out = append(out, local)
				continue
			}
			if !errors.Is(err, localstore.ErrNotFound) {
				return nil, err
			}
		}
		record.SyncStatus = localstore.SyncStatusSynced
		toStore = append(toStore, record)
		out = append(out, record)
	}
	if err := r.deps.Store.BulkPut(ctx, r.kind.Name, toStore); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveID follows a provisional id that a drain already replaced.
func (r *Repository) resolveID(id string) string {
	_ = r.deps.Queue.locked(func() error {
		id = r.deps.Queue.resolve(r.kind.Name, id)
		return nil
	})
	return id
}

func (r *Repository) hasPending(ctx context.Context, id string) (bool, error) {
	refs, err := r.deps.Queue.pendingRefs(ctx)
	if err != nil {
		return false, err
	}
	return refs[refKey(r.kind.Name, id)] > 0, nil
}

func requireID(record localstore.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return &ServerRejection{StatusCode: 502, Code: "missing_id", Message: "authority returned an entity without id"}
	}
	return nil
}

func copyFields(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		out[key] = value
	}
	return out
}
