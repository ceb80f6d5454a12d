package localstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryState struct {
	Tables      map[string]map[string]Record `json:"tables"`
	Queue       []QueueItem                  `json:"queue"`
	NextQueueID int64                        `json:"nextQueueId"`
}

func newMemoryState() memoryState {
	return memoryState{
		Tables:      map[string]map[string]Record{},
		Queue:       []QueueItem{},
		NextQueueID: 1,
	}
}

type MemoryBackend struct {
	mu     sync.Mutex
	state  memoryState
	closed bool
	// persist runs after every mutation while mu is held; a failure reverts
	// the in-memory state to what restore returns.
	persist func(state memoryState) error
	restore func() (memoryState, error)
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: newMemoryState()}
}

func (b *MemoryBackend) Get(ctx context.Context, kind, id string) (Record, error) {
	if !validKind(kind) || strings.TrimSpace(id) == "" {
		return Record{}, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(ctx); err != nil {
		return Record{}, err
	}
	record, ok := b.state.Tables[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record.Clone(), nil
}

func (b *MemoryBackend) Put(ctx context.Context, kind string, record Record) error {
	return b.BulkPut(ctx, kind, []Record{record})
}

func (b *MemoryBackend) BulkPut(ctx context.Context, kind string, records []Record) error {
	if !validKind(kind) {
		return ErrInvalidInput
	}
	for _, record := range records {
		if strings.TrimSpace(record.ID) == "" {
			return ErrInvalidInput
		}
	}
	return b.mutate(ctx, func(state *memoryState) error {
		table := state.table(kind)
		for _, record := range records {
			table[record.ID] = record.Clone()
		}
		return nil
	})
}

func (b *MemoryBackend) Delete(ctx context.Context, kind, id string) error {
	if !validKind(kind) || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return b.mutate(ctx, func(state *memoryState) error {
		table := state.table(kind)
		if _, ok := table[id]; !ok {
			return ErrNotFound
		}
		delete(table, id)
		return nil
	})
}

func (b *MemoryBackend) Replace(ctx context.Context, kind, oldID string, record Record) error {
	if !validKind(kind) || strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	return b.mutate(ctx, func(state *memoryState) error {
		table := state.table(kind)
		if oldID != "" && oldID != record.ID {
			delete(table, oldID)
		}
		table[record.ID] = record.Clone()
		return nil
	})
}

func (b *MemoryBackend) Scan(ctx context.Context, kind string, equals map[string]string) ([]Record, error) {
	if !validKind(kind) {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(ctx); err != nil {
		return nil, err
	}
	out := []Record{}
	for _, record := range b.state.Tables[kind] {
		if MatchesAll(record, equals) {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBackend) Enqueue(ctx context.Context, item QueueItem) (int64, error) {
	if strings.TrimSpace(item.Action) == "" {
		return 0, ErrInvalidInput
	}
	var id int64
	err := b.mutate(ctx, func(state *memoryState) error {
		id = state.NextQueueID
		state.NextQueueID++
		item.ID = id
		if item.Status == "" {
			item.Status = QueueStatusPending
		}
		state.Queue = append(state.Queue, item)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (b *MemoryBackend) QueueItems(ctx context.Context) ([]QueueItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(ctx); err != nil {
		return nil, err
	}
	out := append([]QueueItem(nil), b.state.Queue...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBackend) UpdateQueueItem(ctx context.Context, item QueueItem) error {
	return b.mutate(ctx, func(state *memoryState) error {
		for i := range state.Queue {
			if state.Queue[i].ID == item.ID {
				item.CreatedAt = state.Queue[i].CreatedAt
				state.Queue[i] = item
				return nil
			}
		}
		return ErrNotFound
	})
}

func (b *MemoryBackend) RemoveQueueItem(ctx context.Context, id int64) error {
	return b.mutate(ctx, func(state *memoryState) error {
		for i := range state.Queue {
			if state.Queue[i].ID == id {
				state.Queue = append(state.Queue[:i], state.Queue[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBackend) mutate(ctx context.Context, fn func(state *memoryState) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(ctx); err != nil {
		return err
	}
	if err := fn(&b.state); err != nil {
		return err
	}
	if b.persist == nil {
		return nil
	}
	if err := b.persist(b.state); err != nil {
		if b.restore != nil {
			if previous, restoreErr := b.restore(); restoreErr == nil {
				b.state = previous
			}
		}
		return storageError("persist", err)
	}
	return nil
}

func (b *MemoryBackend) usableLocked(ctx context.Context) error {
	if b.closed {
		return storageError("closed", ErrStorageUnavailable)
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryState) table(kind string) map[string]Record {
	if s.Tables == nil {
		s.Tables = map[string]map[string]Record{}
	}
	table, ok := s.Tables[kind]
	if !ok {
		table = map[string]Record{}
		s.Tables[kind] = table
	}
	return table
}
