package worksync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/worksync/internal/localstore"
)

type QueueStats struct {
	Pending int `json:"pending"`
	Errored int `json:"errored"`
}

func (s QueueStats) Total() int {
	return s.Pending + s.Errored
}

// Queue is the durable mutation log. Ids come from the store and define the
// replay order across every entity kind.
//
// Repositories and the drainer must share one Queue: its lock orders local
// cache+queue writes against the drainer settling an item, and it remembers
// which provisional ids have been resolved to server ids.
type Queue struct {
	store localstore.QueueStore
	now   func() time.Time

	mu       sync.Mutex
	resolved map[string]string
}

func NewQueue(store localstore.QueueStore, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, now: now, resolved: map[string]string{}}
}

// locked runs fn while holding the queue's write lock. fn must not call
// locked again.
func (q *Queue) locked(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fn()
}

// resolve maps a provisional id to the server id it was replaced by, if any.
// Callers hold the lock.
func (q *Queue) resolve(kind, id string) string {
	if serverID, ok := q.resolved[refKey(kind, id)]; ok {
		return serverID
	}
	return id
}

func (q *Queue) markResolved(kind, clientID, serverID string) {
	q.resolved[refKey(kind, clientID)] = serverID
}

func (q *Queue) Enqueue(ctx context.Context, action Action, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: encode %s payload: %v", ErrInvalidInput, action, err)
	}
	return q.store.Enqueue(ctx, localstore.QueueItem{
		Action:    string(action),
		Payload:   raw,
		Status:    localstore.QueueStatusPending,
		CreatedAt: q.now().UnixMilli(),
	})
}

func (q *Queue) Items(ctx context.Context) ([]localstore.QueueItem, error) {
	return q.store.QueueItems(ctx)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.store.QueueItems(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	items, err := q.store.QueueItems(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	var stats QueueStats
	for _, item := range items {
		if item.Status == localstore.QueueStatusError {
			stats.Errored++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.store.RemoveQueueItem(ctx, id)
}

func (q *Queue) Update(ctx context.Context, item localstore.QueueItem) error {
	return q.store.UpdateQueueItem(ctx, item)
}

func (q *Queue) markAttempt(ctx context.Context, item localstore.QueueItem, cause error) (localstore.QueueItem, error) {
	item.Status = localstore.QueueStatusError
	item.Error = errorString(cause)
	item.Attempts++
	item.LastAttemptAt = q.now().UnixMilli()
	return item, q.store.UpdateQueueItem(ctx, item)
}

// pendingRefs maps "KIND:id" to the number of queued items that mutate it.
func (q *Queue) pendingRefs(ctx context.Context) (map[string]int, error) {
	items, err := q.store.QueueItems(ctx)
	if err != nil {
		return nil, err
	}
	refs := map[string]int{}
	for _, item := range items {
		if ref, ok := itemRef(item); ok {
			refs[ref]++
		}
	}
	return refs, nil
}

func refKey(kind, id string) string {
	return kind + ":" + id
}
