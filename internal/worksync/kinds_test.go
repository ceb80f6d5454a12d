package worksync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/worksync/internal/localstore"
)

func TestKindRegistryLookups(t *testing.T) {
	kinds := DefaultKinds()

	orders, ok := kinds.Lookup("work_order")
	require.True(t, ok)
	assert.Equal(t, "work-orders", orders.Segment())

	sites, ok := kinds.BySegment("sites")
	require.True(t, ok)
	assert.Equal(t, SiteKind, sites.Name)

	_, ok = kinds.BySegment("invoices")
	assert.False(t, ok)

	all := kinds.All()
	require.Len(t, all, 2)
	assert.Equal(t, SiteKind, all[0].Name)
	assert.Equal(t, WorkOrderKind, all[1].Name)
}

func TestActionRoundTrip(t *testing.T) {
	action := NewAction(OpCreate, "work_order")
	assert.Equal(t, Action("CREATE_WORK_ORDER"), action)

	op, kind, err := ParseAction(string(action))
	require.NoError(t, err)
	assert.Equal(t, OpCreate, op)
	assert.Equal(t, WorkOrderKind, kind)

	for _, raw := range []string{"", "CREATE_", "PATCH_WORK_ORDER", "create_work_order"} {
		_, _, err := ParseAction(raw)
		assert.ErrorIs(t, err, ErrUnknownAction, raw)
	}
}

func TestCreatePayloadIsFlatWithClientID(t *testing.T) {
	raw, err := json.Marshal(createPayload{ClientID: "c-1", Data: map[string]any{"nom": "A"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientId":"c-1","nom":"A"}`, string(raw))

	id, err := entityRef(OpCreate, raw)
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)

	id, err = entityRef(OpUpdate, json.RawMessage(`{"id":"9","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "9", id)
}

func TestRewriteEntityIDTargetsServerID(t *testing.T) {
	item := localstore.QueueItem{
		ID:      3,
		Action:  "UPDATE_WORK_ORDER",
		Payload: json.RawMessage(`{"id":"c-1","data":{"nom":"B"}}`),
	}
	rewritten, err := rewriteEntityID(item, "101")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"101","data":{"nom":"B"}}`, string(rewritten.Payload))
	assert.Equal(t, int64(3), rewritten.ID)

	_, err = rewriteEntityID(localstore.QueueItem{Action: "CREATE_WORK_ORDER", Payload: json.RawMessage(`{"clientId":"c"}`)}, "1")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListResultJSONShapes(t *testing.T) {
	plain, err := json.Marshal(Plain{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(plain))

	paged, err := json.Marshal(paginate([]localstore.Record{{ID: "1", Fields: map[string]any{"nom": "A"}}}, 1, 10))
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[{"id":"1","nom":"A"}],"pagination":{"page":1,"pageSize":10,"total":1,"totalPages":1}}`, string(paged))
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t, false)
	queue := NewQueue(env.store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	_, err := queue.Enqueue(ctx, NewAction(OpDelete, WorkOrderKind), deletePayload{ID: "1"})
	require.NoError(t, err)
	id, err := queue.Enqueue(ctx, NewAction(OpDelete, WorkOrderKind), deletePayload{ID: "2"})
	require.NoError(t, err)

	items, err := queue.Items(ctx)
	require.NoError(t, err)
	_, err = queue.markAttempt(ctx, items[1], transientErr())
	require.NoError(t, err)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Pending: 1, Errored: 1}, stats)
	assert.Equal(t, 2, stats.Total())

	require.NoError(t, queue.Remove(ctx, id))
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
