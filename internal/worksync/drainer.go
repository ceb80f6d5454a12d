package worksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/worksync/internal/localstore"
)

type DrainReport struct {
	Skipped    bool                `json:"skipped,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Attempted  int                 `json:"attempted"`
	Succeeded  int                 `json:"succeeded"`
	Failed     int                 `json:"failed"`
	Failures   []*QueueItemFailure `json:"failures,omitempty"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
}

type DrainerOptions struct {
	// CallTimeout bounds each remote call so one stuck request cannot hold
	// up the rest of the queue.
	CallTimeout time.Duration
	Logger      *slog.Logger
	// OnComplete runs after every drain that was not skipped.
	OnComplete func(DrainReport)
}

type Drainer struct {
	kinds       *KindRegistry
	deps        Deps
	callTimeout time.Duration
	logger      *slog.Logger
	onComplete  func(DrainReport)
	running     atomic.Bool

	mu   sync.Mutex
	last *DrainReport
}

func NewDrainer(kinds *KindRegistry, deps Deps, opts DrainerOptions) (*Drainer, error) {
	if kinds == nil {
		return nil, fmt.Errorf("kind registry is required")
	}
	deps, err := deps.normalize()
	if err != nil {
		return nil, err
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = deps.RemoteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = deps.Logger
	}
	return &Drainer{
		kinds:       kinds,
		deps:        deps,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger,
		onComplete:  opts.OnComplete,
	}, nil
}

func (d *Drainer) Running() bool {
	return d.running.Load()
}

func (d *Drainer) LastReport() (DrainReport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return DrainReport{}, false
	}
	return *d.last, true
}

// Drain replays the queue once. A call made while another drain is running
// returns a skipped report immediately.
func (d *Drainer) Drain(ctx context.Context) (DrainReport, error) {
	if !d.running.CompareAndSwap(false, true) {
		return DrainReport{Skipped: true, Reason: "drain already running"}, nil
	}
	defer d.running.Store(false)

	if !d.deps.Connectivity.IsOnline() {
		return DrainReport{Skipped: true, Reason: "offline"}, nil
	}
	report := DrainReport{StartedAt: d.deps.Now()}
	items, err := d.deps.Queue.Items(ctx)
	if err != nil {
		return report, err
	}
	run := &drainRun{
		items:   items,
		blocked: map[string]int64{},
	}
	for i := range run.items {
		if err := ctx.Err(); err != nil {
			d.finish(&report)
			return report, err
		}
		item := run.items[i]
		report.Attempted++
		failure, err := d.replay(ctx, run, i)
		if err != nil {
			d.finish(&report)
			return report, err
		}
		if failure != nil {
			report.Failed++
			report.Failures = append(report.Failures, failure)
			d.logger.Warn("queue item failed", "queue_id", item.ID, "action", item.Action, "err", failure.Err)
			continue
		}
		report.Succeeded++
	}
	d.finish(&report)
	if report.Attempted > 0 {
		d.logger.Info("drain completed", "attempted", report.Attempted, "succeeded", report.Succeeded, "failed", report.Failed)
	}
	return report, nil
}

// DrainOnReconnect starts a drain every time the monitor flips to online.
func (d *Drainer) DrainOnReconnect(ctx context.Context, monitor *Monitor) (stop func()) {
	return monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := d.Drain(ctx); err != nil {
				d.logger.Error("reconnect drain failed", "err", err)
			}
		}()
	})
}

func (d *Drainer) finish(report *DrainReport) {
	report.FinishedAt = d.deps.Now()
	d.mu.Lock()
	snapshot := *report
	d.last = &snapshot
	d.mu.Unlock()
	if d.onComplete != nil {
		d.onComplete(snapshot)
	}
}

type drainRun struct {
	items []localstore.QueueItem
	// blocked maps an entity ref to the queue item whose failure blocks it.
	blocked map[string]int64
}

// replay applies run.items[i]. Remote and payload problems come back as a
// failure for that item; a non-nil error means the local store failed and
// the drain has to stop.
func (d *Drainer) replay(ctx context.Context, run *drainRun, i int) (*QueueItemFailure, error) {
	item := run.items[i]
	fail := func(cause error) (*QueueItemFailure, error) {
		if _, err := d.deps.Queue.markAttempt(ctx, item, cause); err != nil {
			return nil, err
		}
		return &QueueItemFailure{ItemID: item.ID, Action: item.Action, Err: cause}, nil
	}

	op, kindName, err := ParseAction(item.Action)
	if err != nil {
		return fail(err)
	}
	kind, ok := d.kinds.Lookup(kindName)
	if !ok {
		return fail(fmt.Errorf("%w: no entity kind %s", ErrUnknownAction, kindName))
	}
	id, err := entityRef(op, item.Payload)
	if err != nil || id == "" {
		return fail(fmt.Errorf("%w: unreadable %s payload", ErrInvalidInput, item.Action))
	}
	ref := refKey(kind.Name, id)
	if blocker, ok := run.blocked[ref]; ok {
		return fail(fmt.Errorf("blocked by failed queue item %d for the same entity", blocker))
	}

	switch op {
	case OpCreate:
		var payload createPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fail(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		record, err := d.deps.Client.Create(callCtx, kind, payload.ClientID, payload.Data)
		cancel()
		if err == nil {
			err = requireID(record)
		}
		if err != nil {
			run.blocked[ref] = item.ID
			return fail(err)
		}
		return nil, d.resolveCreate(ctx, run, i, kind, payload.ClientID, record)
	case OpUpdate:
		var payload updatePayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fail(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		record, err := d.deps.Client.Update(callCtx, kind, payload.ID, payload.Data)
		cancel()
		if err != nil {
			run.blocked[ref] = item.ID
			return fail(err)
		}
		if record.ID == "" {
			record.ID = payload.ID
		}
		return nil, d.deps.Queue.locked(func() error {
			if err := d.remove(ctx, item.ID); err != nil {
				return err
			}
			// Anything queued for the entity since the drain started keeps
			// the local pending version in place.
			refs, err := d.deps.Queue.pendingRefs(ctx)
			if err != nil {
				return err
			}
			if refs[ref] > 0 {
				return nil
			}
			record.SyncStatus = localstore.SyncStatusSynced
			return d.deps.Store.Put(ctx, kind.Name, record)
		})
	case OpDelete:
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		err := d.deps.Client.Delete(callCtx, kind, id)
		cancel()
		if err != nil && !errors.Is(err, ErrNotFound) {
			run.blocked[ref] = item.ID
			return fail(err)
		}
		return nil, d.deps.Queue.locked(func() error {
			if err := d.deps.Store.Delete(ctx, kind.Name, id); err != nil && !errors.Is(err, localstore.ErrNotFound) {
				return err
			}
			return d.remove(ctx, item.ID)
		})
	}
	return nil, d.remove(ctx, item.ID)
}

func (d *Drainer) remove(ctx context.Context, id int64) error {
	if err := d.deps.Queue.Remove(ctx, id); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	return nil
}

// resolveCreate swaps the provisional record for the authority's one and
// points every queued mutation of that entity at the server id, including
// items enqueued while the create call was in flight.
func (d *Drainer) resolveCreate(ctx context.Context, run *drainRun, i int, kind *EntityKind, clientID string, record localstore.Record) error {
	queue := d.deps.Queue
	createID := run.items[i].ID
	return queue.locked(func() error {
		live, err := queue.Items(ctx)
		if err != nil {
			return err
		}
		oldRef := refKey(kind.Name, clientID)
		var later []localstore.QueueItem
		for _, item := range live {
			if item.ID == createID {
				continue
			}
			if ref, ok := itemRef(item); ok && ref == oldRef {
				later = append(later, item)
			}
		}

		record.SyncStatus = localstore.SyncStatusSynced
		if len(later) > 0 {
			// Later offline edits are not on the server yet; show them on
			// top of the authoritative record until they drain.
			record = record.Clone()
			for _, item := range later {
				var payload updatePayload
				if item.Action != string(NewAction(OpUpdate, kind.Name)) {
					continue
				}
				if err := json.Unmarshal(item.Payload, &payload); err != nil {
					continue
				}
				for key, value := range payload.Data {
					record.Fields[key] = value
				}
			}
			record.SyncStatus = localstore.SyncStatusPending
		}
		if err := d.deps.Store.Replace(ctx, kind.Name, clientID, record); err != nil {
			return err
		}
		if record.ID != clientID {
			queue.markResolved(kind.Name, clientID, record.ID)
			for _, item := range later {
				rewritten, err := rewriteEntityID(item, record.ID)
				if err != nil {
					continue
				}
				if err := queue.Update(ctx, rewritten); err != nil {
					return err
				}
				run.swap(rewritten)
			}
		}
		return d.remove(ctx, createID)
	})
}

// swap replaces the snapshot copy of item, if this run holds one.
func (r *drainRun) swap(item localstore.QueueItem) {
	for j := range r.items {
		if r.items[j].ID == item.ID {
			r.items[j] = item
			return
		}
	}
}

func itemRef(item localstore.QueueItem) (string, bool) {
	op, kind, err := ParseAction(item.Action)
	if err != nil {
		return "", false
	}
	id, err := entityRef(op, item.Payload)
	if err != nil || id == "" {
		return "", false
	}
	return refKey(kind, id), true
}

func rewriteEntityID(item localstore.QueueItem, id string) (localstore.QueueItem, error) {
	op, _, err := ParseAction(item.Action)
	if err != nil {
		return item, err
	}
	var body map[string]any
	if err := json.Unmarshal(item.Payload, &body); err != nil {
		return item, err
	}
	switch op {
	case OpUpdate, OpDelete:
		body["id"] = id
	default:
		return item, fmt.Errorf("%w: %s cannot be retargeted", ErrInvalidInput, item.Action)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return item, err
	}
	item.Payload = raw
	return item, nil
}
