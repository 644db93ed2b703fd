package messaging_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"analysis-coordinator/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []messaging.DispatchPayload
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, taskId, backendId uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, messaging.DispatchPayload{TaskId: taskId, BackendId: backendId})
	return d.err
}

func (d *recordingDispatcher) dispatched() []messaging.DispatchPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]messaging.DispatchPayload(nil), d.calls...)
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls []messaging.SyncPayload
}

func (s *recordingSyncer) Sync(ctx context.Context, userId uuid.UUID, serviceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messaging.SyncPayload{UserId: userId, ServiceType: serviceType})
	return nil
}

func (s *recordingSyncer) synced() []messaging.SyncPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.SyncPayload(nil), s.calls...)
}

func runWorker(t *testing.T, queue *messaging.InMemoryQueue, dispatcher messaging.DispatchHandler, syncer messaging.SyncHandler) {
	worker := messaging.NewWorker(queue, dispatcher, syncer, 2)

	done := make(chan struct{})
	go func() {
		worker.Run(context.Background())
		close(done)
	}()

	// queue drained, closing the receiver stops the worker loops
	time.Sleep(50 * time.Millisecond)
	queue.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after the queue closed")
	}
}

func TestWorkerRoutesDispatchTasks(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	dispatcher := &recordingDispatcher{}
	syncer := &recordingSyncer{}

	payloads := []messaging.DispatchPayload{
		{TaskId: uuid.New(), BackendId: uuid.New()},
		{TaskId: uuid.New(), BackendId: uuid.New()},
	}
	for _, payload := range payloads {
		require.NoError(t, queue.PublishDispatchTask(context.Background(), payload))
	}

	runWorker(t, queue, dispatcher, syncer)

	assert.ElementsMatch(t, payloads, dispatcher.dispatched())
	assert.Empty(t, syncer.synced())
}

func TestWorkerRoutesSyncTasks(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	dispatcher := &recordingDispatcher{}
	syncer := &recordingSyncer{}

	payload := messaging.SyncPayload{UserId: uuid.New(), ServiceType: "content_storage"}
	require.NoError(t, queue.PublishSyncTask(context.Background(), payload))

	runWorker(t, queue, dispatcher, syncer)

	assert.Equal(t, []messaging.SyncPayload{payload}, syncer.synced())
	assert.Empty(t, dispatcher.dispatched())
}

func TestWorkerSurvivesHandlerErrors(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	dispatcher := &recordingDispatcher{err: assert.AnError}
	syncer := &recordingSyncer{}

	require.NoError(t, queue.PublishDispatchTask(context.Background(), messaging.DispatchPayload{TaskId: uuid.New(), BackendId: uuid.New()}))
	require.NoError(t, queue.PublishSyncTask(context.Background(), messaging.SyncPayload{UserId: uuid.New(), ServiceType: "content_storage"}))

	runWorker(t, queue, dispatcher, syncer)

	// the failed dispatch does not stop the sync task from being handled
	assert.Len(t, dispatcher.dispatched(), 1)
	assert.Len(t, syncer.synced(), 1)
}

func TestWorkerWithoutSyncer(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	dispatcher := &recordingDispatcher{}

	require.NoError(t, queue.PublishSyncTask(context.Background(), messaging.SyncPayload{UserId: uuid.New(), ServiceType: "content_storage"}))
	require.NoError(t, queue.PublishDispatchTask(context.Background(), messaging.DispatchPayload{TaskId: uuid.New(), BackendId: uuid.New()}))

	runWorker(t, queue, dispatcher, nil)

	assert.Len(t, dispatcher.dispatched(), 1)
}
