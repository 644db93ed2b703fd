package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DispatchQueue   = "dispatch_queue"
	SyncQueue       = "sync_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// DispatchPayload asks the worker to send the task details for one backend
// assignment. The send itself is fire-and-forget from the submitter's view.
type DispatchPayload struct {
	TaskId    uuid.UUID
	BackendId uuid.UUID
}

// SyncPayload triggers a content synchronization run for one user account
// against an external content source.
type SyncPayload struct {
	UserId      uuid.UUID
	ServiceType string
}

type Publisher interface {
	PublishDispatchTask(ctx context.Context, payload DispatchPayload) error

	PublishSyncTask(ctx context.Context, payload SyncPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
