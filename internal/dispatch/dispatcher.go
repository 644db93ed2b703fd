package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/registry"
	"analysis-coordinator/internal/tasks"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// fixed intake path on every backend endpoint
const addTaskPath = "/addTask"

// charset is part of the wire contract with the backends
const contentType = "application/json; charset=utf-8"

const sendTimeout = 30 * time.Second

// Dispatcher delivers task details to backend intake endpoints. Delivery is
// best-effort: a failed send leaves the assignment NOT_STARTED and is
// recovered through an operator reschedule, never auto-retried here.
type Dispatcher struct {
	db       *gorm.DB
	service  *tasks.Service
	registry *registry.Registry
	client   *resty.Client
}

func NewDispatcher(db *gorm.DB, service *tasks.Service, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{
		db:       db,
		service:  service,
		registry: reg,
		client:   resty.New().SetTimeout(sendTimeout),
	}
}

// Dispatch sends the task details for one assignment. Assignments that have
// already progressed past NOT_STARTED are skipped, which makes duplicate and
// stale dispatch messages harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, taskId, backendId uuid.UUID) error {
	assignment, err := database.GetBackendAssignment(ctx, d.db, backendId, taskId)
	if err != nil {
		if errors.Is(err, database.ErrAssignmentNotFound) {
			slog.Warn("dispatch message for unknown assignment, discarding", "task_id", taskId, "backend_id", backendId)
			return nil
		}
		return err
	}
	if assignment.Status != database.TaskNotStarted {
		slog.Debug("skipping dispatch, assignment already progressed", "task_id", taskId, "backend_id", backendId, "status", assignment.Status)
		return nil
	}

	backend, err := d.registry.Get(ctx, backendId)
	if err != nil {
		return fmt.Errorf("error resolving dispatch target: %w", err)
	}
	if !backend.Enabled {
		slog.Warn("skipping dispatch to disabled backend", "backend_id", backendId, "task_id", taskId)
		return nil
	}

	details, err := d.service.GetTaskDetails(ctx, taskId, backendId)
	if err != nil {
		return fmt.Errorf("error building task details: %w", err)
	}

	url := backend.EndpointUri + addTaskPath
	res, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(details).
		Post(url)

	if err != nil {
		slog.Warn("failed to deliver task to backend, assignment stays NOT_STARTED", "url", url, "task_id", taskId, "backend_id", backendId, "error", err)
		return nil
	}
	if !res.IsSuccess() {
		slog.Warn("backend rejected task delivery, assignment stays NOT_STARTED", "url", url, "task_id", taskId, "backend_id", backendId, "status_code", res.StatusCode())
		return nil
	}

	slog.Info("task delivered to backend", "task_id", taskId, "backend_id", backendId)
	return nil
}
