package api

import (
	"errors"
	"log/slog"
	"net/http"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/messaging"
	"analysis-coordinator/internal/registry"
	"analysis-coordinator/internal/tasks"
	"analysis-coordinator/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CoordinatorService exposes the coordination protocol over HTTP: task
// creation and inspection for clients, the task details and completion
// callback endpoints for backends, and the backend admin surface.
type CoordinatorService struct {
	db        *gorm.DB
	service   *tasks.Service
	registry  *registry.Registry
	publisher messaging.Publisher
}

func NewCoordinatorService(db *gorm.DB, service *tasks.Service, reg *registry.Registry, publisher messaging.Publisher) *CoordinatorService {
	return &CoordinatorService{db: db, service: service, registry: reg, publisher: publisher}
}

func (s *CoordinatorService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateTask))
		r.Post("/finished", RestHandler(s.TaskFinished))
		r.Get("/{task_id}", RestHandler(s.GetTask))
		r.Get("/{task_id}/details", RestHandler(s.GetTaskDetails))
		r.Post("/{task_id}/reschedule", RestHandler(s.RescheduleTask))
	})
	r.Route("/backends", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateBackend))
		r.Get("/", RestHandler(s.ListBackends))
		r.Get("/{backend_id}", RestHandler(s.GetBackend))
		r.Put("/{backend_id}", RestHandler(s.UpdateBackend))
		r.Put("/{backend_id}/enabled", RestHandler(s.SetBackendEnabled))
	})
	r.Get("/media/{guid}/objects", RestHandler(s.GetMediaObjects))
	r.Post("/users/{user_id}/sync", RestHandler(s.SyncUser))
}

// serviceError translates the task service error taxonomy to status codes.
func serviceError(err error) error {
	switch {
	case errors.Is(err, tasks.ErrInvalidTask), errors.Is(err, tasks.ErrNoBackends):
		return CodedError(http.StatusBadRequest, err)
	case errors.Is(err, tasks.ErrNotAssigned):
		return CodedError(http.StatusForbidden, err)
	case errors.Is(err, tasks.ErrTaskNotFound), errors.Is(err, registry.ErrBackendNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, tasks.ErrInvalidResponse):
		return CodedError(http.StatusUnprocessableEntity, err)
	default:
		return CodedErrorf(http.StatusInternalServerError, "internal error: %v", err)
	}
}

func (s *CoordinatorService) CreateTask(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateTaskRequest](r)
	if err != nil {
		return nil, err
	}

	task, err := s.service.CreateTask(r.Context(), &req)
	if err != nil {
		return nil, serviceError(err)
	}

	slog.Info("task created", "task_id", task.Id, "task_type", task.Type, "backends", len(task.Assignments))
	return api.CreateTaskResponse{
		Message:      "task created",
		TaskId:       task.Id,
		BackendCount: len(task.Assignments),
	}, nil
}

func (s *CoordinatorService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	task, err := s.service.GetTask(r.Context(), taskId)
	if err != nil {
		return nil, serviceError(err)
	}
	return convertTask(task), nil
}

type taskDetailsParams struct {
	BackendId string `schema:"backend_id,required"`
}

// GetTaskDetails serves the same message the dispatcher posts to a backend,
// for backends that pull their task content instead.
func (s *CoordinatorService) GetTaskDetails(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[taskDetailsParams](r)
	if err != nil {
		return nil, err
	}
	backendId, err := uuid.Parse(params.BackendId)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid backend_id query param: %v", err)
	}

	details, err := s.service.GetTaskDetails(r.Context(), taskId, backendId)
	if err != nil {
		return nil, serviceError(err)
	}
	return details, nil
}

func (s *CoordinatorService) RescheduleTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.RescheduleRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.service.Reschedule(r.Context(), taskId, req.BackendIds); err != nil {
		return nil, serviceError(err)
	}
	return nil, nil
}

func (s *CoordinatorService) TaskFinished(r *http.Request) (any, error) {
	response, err := ParseRequest[api.TaskResponse](r)
	if err != nil {
		return nil, err
	}

	if err := s.service.TaskFinished(r.Context(), &response); err != nil {
		if errors.Is(err, tasks.ErrNotAssigned) {
			// a backend reporting a task it was never given is worth noticing
			slog.Warn("completion callback from unassigned backend", "task_id", response.TaskId, "backend_id", response.BackendId)
		}
		return nil, serviceError(err)
	}
	return nil, nil
}

func (s *CoordinatorService) CreateBackend(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateBackendRequest](r)
	if err != nil {
		return nil, err
	}

	if req.EndpointUri == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "endpoint uri is required")
	}

	backend := &database.AnalysisBackend{
		Id:                    uuid.New(),
		Name:                  req.Name,
		EndpointUri:           req.EndpointUri,
		Enabled:               req.Enabled == nil || *req.Enabled,
		DefaultTaskDataGroups: req.DataGroups,
	}
	for _, capability := range req.Capabilities {
		backend.Capabilities = append(backend.Capabilities, database.BackendCapability{
			BackendId:  backend.Id,
			Capability: capability,
		})
	}

	if err := s.registry.Create(r.Context(), backend); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "failed to create backend: %v", err)
	}

	slog.Info("backend registered", "backend_id", backend.Id, "name", backend.Name)
	return convertBackend(backend), nil
}

func (s *CoordinatorService) ListBackends(r *http.Request) (any, error) {
	backends, err := s.registry.List(r.Context())
	if err != nil {
		return nil, serviceError(err)
	}

	out := make([]api.Backend, 0, len(backends))
	for i := range backends {
		out = append(out, convertBackend(&backends[i]))
	}
	return out, nil
}

func (s *CoordinatorService) GetBackend(r *http.Request) (any, error) {
	backendId, err := URLParamUUID(r, "backend_id")
	if err != nil {
		return nil, err
	}

	backend, err := s.registry.Get(r.Context(), backendId)
	if err != nil {
		return nil, serviceError(err)
	}
	return convertBackend(backend), nil
}

func (s *CoordinatorService) UpdateBackend(r *http.Request) (any, error) {
	backendId, err := URLParamUUID(r, "backend_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.CreateBackendRequest](r)
	if err != nil {
		return nil, err
	}
	if req.EndpointUri == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "endpoint uri is required")
	}

	backend := &database.AnalysisBackend{
		Id:                    backendId,
		Name:                  req.Name,
		EndpointUri:           req.EndpointUri,
		Enabled:               req.Enabled == nil || *req.Enabled,
		DefaultTaskDataGroups: req.DataGroups,
	}
	for _, capability := range req.Capabilities {
		backend.Capabilities = append(backend.Capabilities, database.BackendCapability{
			BackendId:  backendId,
			Capability: capability,
		})
	}

	if err := s.registry.Update(r.Context(), backend); err != nil {
		if errors.Is(err, registry.ErrBackendNotFound) {
			return nil, serviceError(err)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "failed to update backend: %v", err)
	}
	return convertBackend(backend), nil
}

type setEnabledRequest struct {
	Enabled bool
}

func (s *CoordinatorService) SetBackendEnabled(r *http.Request) (any, error) {
	backendId, err := URLParamUUID(r, "backend_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[setEnabledRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.registry.SetEnabled(r.Context(), backendId, req.Enabled); err != nil {
		return nil, serviceError(err)
	}

	slog.Info("backend enabled flag updated", "backend_id", backendId, "enabled", req.Enabled)
	return nil, nil
}

type mediaObjectsParams struct {
	BackendId   string `schema:"backend_id"`
	ServiceType string `schema:"service_type"`
}

func (s *CoordinatorService) GetMediaObjects(r *http.Request) (any, error) {
	guid := chi.URLParam(r, "guid")
	if guid == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing {guid} url parameter")
	}

	params, err := ParseRequestQueryParams[mediaObjectsParams](r)
	if err != nil {
		return nil, err
	}

	var record database.Media
	err = s.db.WithContext(r.Context()).Preload("Objects").First(&record, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "media %s not found", guid)
		}
		slog.Error("error retrieving media", "guid", guid, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving media record")
	}

	media := convertMedia(&record)
	if params.BackendId != "" || params.ServiceType != "" {
		filtered := media.Objects[:0]
		for _, object := range media.Objects {
			if params.BackendId != "" && (object.BackendId == nil || object.BackendId.String() != params.BackendId) {
				continue
			}
			if params.ServiceType != "" && object.ServiceType != params.ServiceType {
				continue
			}
			filtered = append(filtered, object)
		}
		media.Objects = filtered
	}
	return media, nil
}

type syncUserParams struct {
	ServiceType string `schema:"service_type,required"`
}

// SyncUser queues a content synchronization run for one user account. The
// worker pulls the account's media listing and creates analysis tasks for
// anything not yet seen.
func (s *CoordinatorService) SyncUser(r *http.Request) (any, error) {
	userId, err := URLParamUUID(r, "user_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[syncUserParams](r)
	if err != nil {
		return nil, err
	}

	payload := messaging.SyncPayload{UserId: userId, ServiceType: params.ServiceType}
	if err := s.publisher.PublishSyncTask(r.Context(), payload); err != nil {
		slog.Error("error publishing sync task", "user_id", userId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue sync task")
	}

	slog.Info("sync queued", "user_id", userId, "service_type", params.ServiceType)
	return struct{ Message string }{Message: "sync queued"}, nil
}
