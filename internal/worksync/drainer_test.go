package worksync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/worksync/internal/localstore"
)

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	env := newTestEnv(t, true)
	report, err := env.drainer(t).Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Zero(t, report.Attempted)
	assert.Empty(t, env.client.calls)
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	_, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)

	report, err := env.drainer(t).Drain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, "offline", report.Reason)
	assert.Len(t, env.queueItems(t), 1)
	assert.Empty(t, env.client.calls)
}

func TestDrainRemapsProvisionalIDForLaterUpdates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	created, err := env.orders.Create(ctx, map[string]any{"nom": "A", "date": "2024-03-01"})
	require.NoError(t, err)
	_, err = env.orders.Update(ctx, created.ID, map[string]any{"nom": "A bis", "heures": 3})
	require.NoError(t, err)
	require.Len(t, env.queueItems(t), 2)

	env.net.set(true)
	report, err := env.drainer(t).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Empty(t, env.queueItems(t))

	updates := env.client.callsFor("update")
	require.Len(t, updates, 1)
	assert.Equal(t, "101", updates[0].ID)

	cached, err := env.store.Scan(ctx, WorkOrderKind, nil)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "101", cached[0].ID)
	assert.Equal(t, "A bis", cached[0].Fields["nom"])
	assert.Equal(t, localstore.SyncStatusSynced, cached[0].SyncStatus)
}

func TestUpdateDuringInFlightCreateFollowsServerID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	created, err := env.orders.Create(ctx, map[string]any{"nom": "A", "date": "2024-03-01"})
	require.NoError(t, err)

	env.net.set(true)
	var editErr error
	env.client.beforeRun = func(call fakeCall) {
		if call.Method == "create" {
			_, editErr = env.orders.Update(ctx, created.ID, map[string]any{"nom": "edited"})
		}
	}
	drainer := env.drainer(t)
	report, err := drainer.Drain(ctx)
	require.NoError(t, err)
	require.NoError(t, editErr)
	assert.Equal(t, 1, report.Succeeded)

	items := env.queueItems(t)
	require.Len(t, items, 1)
	assert.Equal(t, "UPDATE_WORK_ORDER", items[0].Action)
	assert.Equal(t, localstore.QueueStatusPending, items[0].Status)
	var payload updatePayload
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	assert.Equal(t, "101", payload.ID)

	cached, err := env.store.Scan(ctx, WorkOrderKind, nil)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "101", cached[0].ID)
	assert.Equal(t, "edited", cached[0].Fields["nom"])
	assert.Equal(t, localstore.SyncStatusPending, cached[0].SyncStatus)

	env.client.beforeRun = nil
	report, err = drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Empty(t, env.queueItems(t))

	updates := env.client.callsFor("update")
	require.Len(t, updates, 1)
	assert.Equal(t, "101", updates[0].ID)
	assert.Equal(t, "edited", updates[0].Data["nom"])

	record, err := env.store.Get(ctx, WorkOrderKind, "101")
	require.NoError(t, err)
	assert.Equal(t, "edited", record.Fields["nom"])
	assert.Equal(t, localstore.SyncStatusSynced, record.SyncStatus)

	// The provisional id keeps working after the drain replaced it.
	_, err = env.orders.Update(ctx, created.ID, map[string]any{"heures": 2})
	require.NoError(t, err)
	updates = env.client.callsFor("update")
	require.Len(t, updates, 2)
	assert.Equal(t, "101", updates[1].ID)
}

func TestUpdateDuringInFlightUpdateStaysPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	existing := workOrder("5", "A", "2024-01-01", StatusDraft)
	env.client.seed(WorkOrderKind, existing)
	require.NoError(t, env.store.Put(ctx, WorkOrderKind, existing))
	_, err := env.orders.Update(ctx, "5", map[string]any{"nom": "B"})
	require.NoError(t, err)

	env.net.set(true)
	var once sync.Once
	var editErr error
	env.client.beforeRun = func(call fakeCall) {
		if call.Method == "update" {
			once.Do(func() {
				_, editErr = env.orders.Update(ctx, "5", map[string]any{"nom": "C"})
			})
		}
	}
	drainer := env.drainer(t)
	report, err := drainer.Drain(ctx)
	require.NoError(t, err)
	require.NoError(t, editErr)
	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, env.queueItems(t), 1)

	record, err := env.store.Get(ctx, WorkOrderKind, "5")
	require.NoError(t, err)
	assert.Equal(t, "C", record.Fields["nom"])
	assert.Equal(t, localstore.SyncStatusPending, record.SyncStatus)

	report, err = drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, env.queueItems(t))

	record, err = env.store.Get(ctx, WorkOrderKind, "5")
	require.NoError(t, err)
	assert.Equal(t, "C", record.Fields["nom"])
	assert.Equal(t, localstore.SyncStatusSynced, record.SyncStatus)
}

func TestDrainReplaysInQueueOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	for _, nom := range []string{"first", "second", "third"} {
		_, err := env.orders.Create(ctx, map[string]any{"nom": nom})
		require.NoError(t, err)
	}
	_, err := env.sites.Create(ctx, map[string]any{"nom": "depot"})
	require.NoError(t, err)

	env.net.set(true)
	_, err = env.drainer(t).Drain(ctx)
	require.NoError(t, err)

	creates := env.client.callsFor("create")
	require.Len(t, creates, 4)
	var order []string
	for _, call := range creates {
		order = append(order, call.Data["nom"].(string))
	}
	assert.Equal(t, []string{"first", "second", "third", "depot"}, order)
	assert.Equal(t, SiteKind, creates[3].Kind)
}

func TestFailedCreateBlocksLaterMutationsOfSameEntity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	created, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)
	_, err = env.orders.Update(ctx, created.ID, map[string]any{"nom": "B"})
	require.NoError(t, err)

	env.net.set(true)
	env.client.failWith = func(call fakeCall) error {
		return &ServerRejection{StatusCode: http.StatusUnprocessableEntity, Message: "site inconnu"}
	}
	report, err := env.drainer(t).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Failures, 2)
	assert.Contains(t, report.Failures[1].Error(), "blocked")
	assert.Empty(t, env.client.callsFor("update"))

	items := env.queueItems(t)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, localstore.QueueStatusError, item.Status)
		assert.Equal(t, 1, item.Attempts)
		assert.NotEmpty(t, item.Error)
	}
	assert.Contains(t, items[0].Error, "site inconnu")

	provisional, err := env.store.Get(ctx, WorkOrderKind, created.ID)
	require.NoError(t, err)
	assert.Equal(t, localstore.SyncStatusPending, provisional.SyncStatus)
}

func TestDrainIsolatesFailuresAcrossEntities(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	for _, nom := range []string{"bad", "good"} {
		_, err := env.orders.Create(ctx, map[string]any{"nom": nom})
		require.NoError(t, err)
	}

	env.net.set(true)
	env.client.failWith = func(call fakeCall) error {
		if call.Data["nom"] == "bad" {
			return &ServerRejection{StatusCode: http.StatusBadRequest, Message: "rejected"}
		}
		return nil
	}
	report, err := env.drainer(t).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	items := env.queueItems(t)
	require.Len(t, items, 1)
	var payload createPayload
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	assert.Equal(t, "bad", payload.Data["nom"])
}

func TestErroredItemsAreRetriedWithSameClientID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	created, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)

	env.net.set(true)
	env.client.failWith = func(call fakeCall) error { return transientErr() }
	drainer := env.drainer(t)
	report, err := drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	env.client.failWith = nil
	report, err = drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, env.queueItems(t))

	creates := env.client.callsFor("create")
	require.Len(t, creates, 2)
	assert.Equal(t, created.ID, creates[0].ID)
	assert.Equal(t, created.ID, creates[1].ID)
}

func TestSecondDrainDoesNotRepeatRemoteCalls(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	_, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)

	env.net.set(true)
	drainer := env.drainer(t)
	_, err = drainer.Drain(ctx)
	require.NoError(t, err)
	report, err := drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Len(t, env.client.callsFor("create"), 1)
}

func TestDrainIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	_, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.client.beforeRun = func(call fakeCall) {
		once.Do(func() { close(entered) })
		<-release
	}
	env.net.set(true)
	drainer := env.drainer(t)

	done := make(chan DrainReport, 1)
	go func() {
		report, _ := drainer.Drain(ctx)
		done <- report
	}()
	<-entered
	assert.True(t, drainer.Running())

	concurrent, err := drainer.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, concurrent.Skipped)
	assert.Equal(t, "drain already running", concurrent.Reason)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.False(t, drainer.Running())
	assert.Len(t, env.client.callsFor("create"), 1)
}

func TestDrainBoundsEachRemoteCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	for _, nom := range []string{"slow", "fast"} {
		_, err := env.orders.Create(ctx, map[string]any{"nom": nom})
		require.NoError(t, err)
	}
	env.client.beforeRun = func(call fakeCall) {
		if call.Data["nom"] == "slow" {
			time.Sleep(100 * time.Millisecond)
		}
	}
	env.net.set(true)
	drainer, err := NewDrainer(env.kinds, env.deps, DrainerOptions{CallTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	report, err := drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.ErrorIs(t, report.Failures[0], ErrTransientNetwork)
}

func TestDrainReplaysQueuedDeletes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	env.client.seed(WorkOrderKind, workOrder("5", "A", "2024-01-01", StatusDraft))
	require.NoError(t, env.store.Put(ctx, WorkOrderKind, workOrder("5", "A", "2024-01-01", StatusDraft)))
	queue := NewQueue(env.store, nil)
	_, err := queue.Enqueue(ctx, NewAction(OpDelete, WorkOrderKind), deletePayload{ID: "5"})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, NewAction(OpDelete, WorkOrderKind), deletePayload{ID: "gone"})
	require.NoError(t, err)

	report, err := env.drainer(t).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	_, err = env.store.Get(ctx, WorkOrderKind, "5")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
	assert.Empty(t, env.queueItems(t))
}

func TestDrainMarksUnknownActionsWithoutStopping(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	_, err := env.store.Enqueue(ctx, localstore.QueueItem{
		Action:  "ARCHIVE_WORK_ORDER",
		Payload: json.RawMessage(`{"id":"1"}`),
		Status:  localstore.QueueStatusPending,
	})
	require.NoError(t, err)
	_, err = env.store.Enqueue(ctx, localstore.QueueItem{
		Action:  "CREATE_INVOICE",
		Payload: json.RawMessage(`{"clientId":"x"}`),
		Status:  localstore.QueueStatusPending,
	})
	require.NoError(t, err)
	_, err = env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)

	report, err := env.drainer(t).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.ErrorIs(t, report.Failures[0], ErrUnknownAction)
	assert.ErrorIs(t, report.Failures[1], ErrUnknownAction)
	assert.Len(t, env.queueItems(t), 2)
}

func TestDrainStopsOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	_, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)
	require.NoError(t, env.store.Close())

	env.net.set(true)
	_, err = env.drainer(t).Drain(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Empty(t, env.client.calls)
}

func TestDrainReportsCompletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	_, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)

	var reports []DrainReport
	drainer, err := NewDrainer(env.kinds, env.deps, DrainerOptions{
		OnComplete: func(report DrainReport) { reports = append(reports, report) },
	})
	require.NoError(t, err)
	_, ok := drainer.LastReport()
	assert.False(t, ok)

	env.net.set(true)
	_, err = drainer.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	last, ok := drainer.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, last.Succeeded)
	assert.False(t, last.FinishedAt.IsZero())
}

func TestDrainOnReconnect(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	_, err := env.orders.Create(ctx, map[string]any{"nom": "A"})
	require.NoError(t, err)

	monitor := NewMonitor(false, nil)
	deps := env.deps
	deps.Connectivity = monitor
	drainer, err := NewDrainer(env.kinds, deps, DrainerOptions{})
	require.NoError(t, err)
	stop := drainer.DrainOnReconnect(ctx, monitor)
	defer stop()

	monitor.Set(true)
	require.Eventually(t, func() bool {
		items, err := env.store.QueueItems(ctx)
		return err == nil && len(items) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, env.client.callsFor("create"), 1)
}
