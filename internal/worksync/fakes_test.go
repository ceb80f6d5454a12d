package worksync

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/worksync/internal/localstore"
)

type fakeCall struct {
	Method string
	Kind   string
	ID     string
	Data   map[string]any
}

type fakeClient struct {
	mu        sync.Mutex
	entities  map[string]map[string]localstore.Record
	byClient  map[string]string
	nextID    int
	calls     []fakeCall
	failWith  func(call fakeCall) error
	beforeRun func(call fakeCall)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		entities: map[string]map[string]localstore.Record{},
		byClient: map[string]string{},
		nextID:   100,
	}
}

func (c *fakeClient) record(call fakeCall) error {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	failWith := c.failWith
	beforeRun := c.beforeRun
	c.mu.Unlock()
	if beforeRun != nil {
		beforeRun(call)
	}
	if failWith != nil {
		return failWith(call)
	}
	return nil
}

func (c *fakeClient) callsFor(method string) []fakeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fakeCall
	for _, call := range c.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (c *fakeClient) seed(kind string, records ...localstore.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.table(kind)
	for _, record := range records {
		table[record.ID] = record.Clone()
	}
}

func (c *fakeClient) table(kind string) map[string]localstore.Record {
	table, ok := c.entities[kind]
	if !ok {
		table = map[string]localstore.Record{}
		c.entities[kind] = table
	}
	return table
}

func (c *fakeClient) List(ctx context.Context, kind *EntityKind, query ListQuery) (ListResult, error) {
	if err := c.record(fakeCall{Method: "list", Kind: kind.Name}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	var records []localstore.Record
	for _, record := range c.table(kind.Name) {
		if localstore.MatchesAll(record, query.Filters) {
			records = append(records, record.Clone())
		}
	}
	c.mu.Unlock()
	localstore.SortRecords(records, kind.Sort)
	if query.Page > 0 {
		return paginate(records, query.Page, query.PageSize), nil
	}
	return Plain{Data: records}, nil
}

func (c *fakeClient) Get(ctx context.Context, kind *EntityKind, id string) (localstore.Record, error) {
	if err := c.record(fakeCall{Method: "get", Kind: kind.Name, ID: id}); err != nil {
		return localstore.Record{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.table(kind.Name)[id]
	if !ok {
		return localstore.Record{}, &ServerRejection{StatusCode: http.StatusNotFound, Code: "not_found", Message: "no such entity"}
	}
	return record.Clone(), nil
}

func (c *fakeClient) Create(ctx context.Context, kind *EntityKind, clientID string, data map[string]any) (localstore.Record, error) {
	if err := c.record(fakeCall{Method: "create", Kind: kind.Name, ID: clientID, Data: data}); err != nil {
		return localstore.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return localstore.Record{}, &TransientNetworkError{Op: "create", Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.table(kind.Name)
	if existing, ok := c.byClient[clientID]; ok && clientID != "" {
		return table[existing].Clone(), nil
	}
	c.nextID++
	record := localstore.Record{ID: strconv.Itoa(c.nextID), Fields: copyFields(data)}
	if kind.StatusField != "" {
		if _, ok := record.Fields[kind.StatusField]; !ok {
			record.Fields[kind.StatusField] = kind.DraftStatus
		}
	}
	table[record.ID] = record
	if clientID != "" {
		c.byClient[clientID] = record.ID
	}
	return record.Clone(), nil
}

func (c *fakeClient) Update(ctx context.Context, kind *EntityKind, id string, data map[string]any) (localstore.Record, error) {
	if err := c.record(fakeCall{Method: "update", Kind: kind.Name, ID: id, Data: data}); err != nil {
		return localstore.Record{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.table(kind.Name)
	record, ok := table[id]
	if !ok {
		return localstore.Record{}, &ServerRejection{StatusCode: http.StatusNotFound, Code: "not_found", Message: "no such entity"}
	}
	record = record.Clone()
	for key, value := range data {
		record.Fields[key] = value
	}
	table[id] = record
	return record.Clone(), nil
}

func (c *fakeClient) Transition(ctx context.Context, kind *EntityKind, id, transition string, body map[string]any) (localstore.Record, error) {
	if err := c.record(fakeCall{Method: transition, Kind: kind.Name, ID: id, Data: body}); err != nil {
		return localstore.Record{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.table(kind.Name)
	record, ok := table[id]
	if !ok {
		return localstore.Record{}, &ServerRejection{StatusCode: http.StatusNotFound, Code: "not_found", Message: "no such entity"}
	}
	record = record.Clone()
	record.Fields[kind.StatusField] = kind.Transitions[transition].ToStatus
	for key, value := range body {
		record.Fields[key] = value
	}
	table[id] = record
	return record.Clone(), nil
}

func (c *fakeClient) Delete(ctx context.Context, kind *EntityKind, id string) error {
	if err := c.record(fakeCall{Method: "delete", Kind: kind.Name, ID: id}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.table(kind.Name)
	if _, ok := table[id]; !ok {
		return &ServerRejection{StatusCode: http.StatusNotFound, Code: "not_found", Message: "no such entity"}
	}
	delete(table, id)
	return nil
}

type fakeConnectivity struct {
	online atomic.Bool
}

func newFakeConnectivity(online bool) *fakeConnectivity {
	c := &fakeConnectivity{}
	c.online.Store(online)
	return c
}

func (c *fakeConnectivity) IsOnline() bool {
	return c.online.Load()
}

func (c *fakeConnectivity) set(online bool) {
	c.online.Store(online)
}

type testEnv struct {
	store  *localstore.MemoryBackend
	client *fakeClient
	net    *fakeConnectivity
	deps   Deps
	kinds  *KindRegistry
	orders *Repository
	sites  *Repository
}

func newTestEnv(t *testing.T, online bool) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  localstore.NewMemoryBackend(),
		client: newFakeClient(),
		net:    newFakeConnectivity(online),
		kinds:  DefaultKinds(),
	}
	clock := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	now := func() time.Time {
		return clock
	}
	var ids atomic.Int64
	env.deps = Deps{
		Store:        env.store,
		Connectivity: env.net,
		Client:       env.client,
		Queue:        NewQueue(env.store, now),
		Now:          now,
		NewID: func() string {
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", ids.Add(1))
		},
		RemoteTimeout: time.Second,
	}
	workOrders, _ := env.kinds.Lookup(WorkOrderKind)
	sites, _ := env.kinds.Lookup(SiteKind)
	var err error
	env.orders, err = NewRepository(workOrders, env.deps)
	require.NoError(t, err)
	env.sites, err = NewRepository(sites, env.deps)
	require.NoError(t, err)
	return env
}

func (e *testEnv) drainer(t *testing.T) *Drainer {
	t.Helper()
	d, err := NewDrainer(e.kinds, e.deps, DrainerOptions{CallTimeout: time.Second})
	require.NoError(t, err)
	return d
}

func (e *testEnv) queueItems(t *testing.T) []localstore.QueueItem {
	t.Helper()
	items, err := e.store.QueueItems(context.Background())
	require.NoError(t, err)
	return items
}

func transientErr() error {
	return &TransientNetworkError{Op: "test", Err: fmt.Errorf("connection refused")}
}
