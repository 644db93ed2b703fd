package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DispatchHandler delivers the task details for one assignment to its
// backend.
type DispatchHandler interface {
	Dispatch(ctx context.Context, taskId, backendId uuid.UUID) error
}

// SyncHandler runs one content synchronization pass for a user account.
type SyncHandler interface {
	Sync(ctx context.Context, userId uuid.UUID, serviceType string) error
}

// Worker drains the queues with a bounded number of goroutines. Outbound
// sends never run unbounded: concurrency is capped by the worker count.
type Worker struct {
	receiver   Receiver
	dispatcher DispatchHandler
	syncer     SyncHandler
	workers    int
}

func NewWorker(receiver Receiver, dispatcher DispatchHandler, syncer SyncHandler, workers int) *Worker {
	if workers <= 0 {
		workers = 1
	}
	return &Worker{receiver: receiver, dispatcher: dispatcher, syncer: syncer, workers: workers}
}

// Run consumes tasks until the receiver's channel closes or the context is
// cancelled. It blocks; callers usually run it from main.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("starting worker goroutines", "count", w.workers)

	var wg sync.WaitGroup
	wg.Add(w.workers)

	for i := 0; i < w.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-w.receiver.Tasks():
					if !ok {
						return
					}
					w.processTask(ctx, task)
				}
			}
		}()
	}

	wg.Wait()
}

func (w *Worker) processTask(ctx context.Context, task Task) {
	var err error

	switch task.Type() {
	case DispatchQueue:
		var payload DispatchPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling dispatch task, discarding", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting malformed dispatch task", "error", err)
			}
			return
		}
		err = w.dispatcher.Dispatch(ctx, payload.TaskId, payload.BackendId)

	case SyncQueue:
		if w.syncer == nil {
			slog.Warn("no synchronizer configured, discarding sync task")
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting sync task", "error", err)
			}
			return
		}
		var payload SyncPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling sync task, discarding", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting malformed sync task", "error", err)
			}
			return
		}
		err = w.syncer.Sync(ctx, payload.UserId, payload.ServiceType)

	default:
		slog.Warn("received message from unknown queue, discarding", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting unknown task", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error nacking task", "error", err)
		}
		return
	}

	if err := task.Ack(); err != nil {
		slog.Error("error acking task", "error", err)
	}
}
