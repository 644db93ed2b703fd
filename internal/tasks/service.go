package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/messaging"
	"analysis-coordinator/internal/registry"
	"analysis-coordinator/internal/utils"
	"analysis-coordinator/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// at most this many assignments may be mid-callback at once
const maxConcurrentCallbacks = 4096

// Service implements the task lifecycle: creation with type-specific
// validation, assignment of capable backends, reschedule, and the completion
// callback protocol.
type Service struct {
	db        *gorm.DB
	registry  *registry.Registry
	publisher messaging.Publisher

	// base URL backends use to reach the coordinator, the callback URI is
	// derived from it
	callbackBaseUrl string

	assignmentLocks utils.MutexMap
}

func NewService(db *gorm.DB, reg *registry.Registry, publisher messaging.Publisher, callbackBaseUrl string) *Service {
	return &Service{
		db:              db,
		registry:        reg,
		publisher:       publisher,
		callbackBaseUrl: callbackBaseUrl,
		assignmentLocks: utils.NewMutexMap(maxConcurrentCallbacks),
	}
}

// capability each task type requires of its dispatch targets
func requiredCapability(taskType string) string {
	switch taskType {
	case database.TaskTypeAnalysis:
		return registry.CapabilityPhotoAnalysis
	case database.TaskTypeFeedback, database.TaskTypeSummarizationFeedback:
		return registry.CapabilityUserFeedback
	case database.TaskTypeBackendFeedback:
		return registry.CapabilityBackendFeedback
	case database.TaskTypeSummarization:
		return registry.CapabilitySummarization
	default:
		return ""
	}
}

// CreateTask validates the payload for the requested type, persists the task
// with one NOT_STARTED assignment per target backend and hands one dispatch
// message per assignment to the queue. Nothing is persisted on a validation
// failure.
func (s *Service) CreateTask(ctx context.Context, req *api.CreateTaskRequest) (*database.Task, error) {
	payload, err := BuildPayload(req)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	backends, err := s.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}

	task, err := s.persistTask(ctx, req, payload, backends)
	if err != nil {
		return nil, err
	}

	s.publishDispatches(ctx, task.Id, backends)

	return task, nil
}

func (s *Service) resolveTargets(ctx context.Context, req *api.CreateTaskRequest) ([]database.AnalysisBackend, error) {
	if len(req.BackendIds) > 0 {
		// explicit targets bypass the capability filter
		backends := make([]database.AnalysisBackend, 0, len(req.BackendIds))
		for _, backendId := range req.BackendIds {
			backend, err := s.registry.Get(ctx, backendId)
			if err != nil {
				if errors.Is(err, registry.ErrBackendNotFound) {
					return nil, fmt.Errorf("%w: unknown backend: %s", ErrInvalidTask, backendId)
				}
				return nil, err
			}
			backends = append(backends, *backend)
		}
		return backends, nil
	}

	var capabilities []string
	if capability := requiredCapability(req.TaskType); capability != "" {
		capabilities = []string{capability}
	}

	backends, err := s.registry.ListEligible(ctx, capabilities)
	if err != nil {
		return nil, err
	}

	if req.OwnerUserId == nil {
		// anonymous tasks only go to backends that accept them
		anonymous := backends[:0]
		for _, backend := range backends {
			if registry.HasCapability(&backend, registry.CapabilityAnonymousTask) {
				anonymous = append(anonymous, backend)
			} else {
				slog.Warn("backend cannot process anonymous tasks, ignoring", "backend_id", backend.Id)
			}
		}
		backends = anonymous
	}

	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	return backends, nil
}

func (s *Service) persistTask(ctx context.Context, req *api.CreateTaskRequest, payload Payload, backends []database.AnalysisBackend) (*database.Task, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	var parametersJson []byte
	if len(req.Parameters) > 0 {
		if parametersJson, err = json.Marshal(req.Parameters); err != nil {
			return nil, fmt.Errorf("failed to marshal task parameters: %w", err)
		}
	}

	task := &database.Task{
		Id:           uuid.New(),
		Type:         req.TaskType,
		CallbackUri:  s.callbackBaseUrl + "/tasks/finished",
		Payload:      payloadJson,
		Parameters:   parametersJson,
		CreationTime: time.Now().UTC(),
	}
	if req.OwnerUserId != nil {
		task.OwnerUserId = uuid.NullUUID{UUID: *req.OwnerUserId, Valid: true}
	}

	for _, backend := range backends {
		task.Assignments = append(task.Assignments, database.BackendAssignment{
			TaskId:      task.Id,
			BackendId:   backend.Id,
			Status:      database.TaskNotStarted,
			LastUpdated: time.Now().UTC(),
		})
	}

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		slog.Error("error creating task", "task_type", req.TaskType, "error", err)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return task, nil
}

// publishDispatches is fire-and-forget: a failed publish is logged, the
// assignment remains NOT_STARTED and is recoverable via Reschedule.
func (s *Service) publishDispatches(ctx context.Context, taskId uuid.UUID, backends []database.AnalysisBackend) {
	for _, backend := range backends {
		payload := messaging.DispatchPayload{TaskId: taskId, BackendId: backend.Id}
		if err := s.publisher.PublishDispatchTask(ctx, payload); err != nil {
			slog.Error("error publishing dispatch task", "task_id", taskId, "backend_id", backend.Id, "error", err)
		}
	}
}

// Reschedule resets the named assignments to NOT_STARTED and re-publishes
// their dispatch messages. Backends that were never assigned the task are an
// error; nothing is reset in that case.
func (s *Service) Reschedule(ctx context.Context, taskId uuid.UUID, backendIds []uuid.UUID) error {
	if len(backendIds) == 0 {
		return fmt.Errorf("%w: no backends given", ErrInvalidTask)
	}

	task, err := s.GetTask(ctx, taskId)
	if err != nil {
		return err
	}

	assigned := make(map[uuid.UUID]bool, len(task.Assignments))
	for _, assignment := range task.Assignments {
		assigned[assignment.BackendId] = true
	}
	for _, backendId := range backendIds {
		if !assigned[backendId] {
			return fmt.Errorf("%w: backend %s", ErrNotAssigned, backendId)
		}
	}

	for _, backendId := range backendIds {
		if err := database.UpdateAssignmentStatus(ctx, s.db, backendId, taskId, database.TaskNotStarted); err != nil {
			return err
		}
		payload := messaging.DispatchPayload{TaskId: taskId, BackendId: backendId}
		if err := s.publisher.PublishDispatchTask(ctx, payload); err != nil {
			slog.Error("error publishing dispatch task on reschedule", "task_id", taskId, "backend_id", backendId, "error", err)
		}
	}

	slog.Info("task rescheduled", "task_id", taskId, "backends", len(backendIds))
	return nil
}

func (s *Service) GetTask(ctx context.Context, taskId uuid.UUID) (*database.Task, error) {
	var task database.Task
	err := s.db.WithContext(ctx).Preload("Assignments").First(&task, "id = ?", taskId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("error retrieving task %s: %w", taskId, err)
	}
	return &task, nil
}

// GetTaskDetails builds the task-details message for one (task, backend)
// pair, as posted to the backend on dispatch and as served when a backend
// re-fetches its task.
func (s *Service) GetTaskDetails(ctx context.Context, taskId, backendId uuid.UUID) (*api.TaskDetails, error) {
	task, err := s.GetTask(ctx, taskId)
	if err != nil {
		return nil, err
	}

	if _, err := database.GetBackendAssignment(ctx, s.db, backendId, taskId); err != nil {
		if errors.Is(err, database.ErrAssignmentNotFound) {
			return nil, ErrNotAssigned
		}
		return nil, err
	}

	backend, err := s.registry.Get(ctx, backendId)
	if err != nil {
		return nil, err
	}

	payload, err := LoadPayload(task.Type, task.Payload)
	if err != nil {
		return nil, err
	}

	details := &api.TaskDetails{
		TaskId:      task.Id,
		TaskType:    task.Type,
		BackendId:   backendId,
		CallbackUri: task.CallbackUri,
		DataGroups:  backend.DefaultTaskDataGroups,
	}
	if task.OwnerUserId.Valid {
		owner := task.OwnerUserId.UUID
		details.OwnerUserId = &owner
	}
	if len(task.Parameters) > 0 {
		if err := json.Unmarshal(task.Parameters, &details.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task parameters: %w", err)
		}
	}
	payload.Fill(details)

	return details, nil
}
