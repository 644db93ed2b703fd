package tasks

import (
	"context"
	"log/slog"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/registry"
	"analysis-coordinator/pkg/api"

	"github.com/google/uuid"
)

// scheduleBackendFeedback propagates one backend's merged results to the
// other capable backends as a BACKEND_FEEDBACK task. This is how deletions
// and updates spread without a central broadcast mechanism. Failure to
// schedule is logged, never surfaced: the primary merge already succeeded.
func (s *Service) scheduleBackendFeedback(ctx context.Context, task *database.Task, reportingBackendId uuid.UUID, media []api.Media) {
	backends, err := s.registry.ListEligible(ctx, []string{registry.CapabilityBackendFeedback})
	if err != nil {
		slog.Error("error resolving backend feedback targets", "task_id", task.Id, "error", err)
		return
	}

	targets := make([]uuid.UUID, 0, len(backends))
	for _, backend := range backends {
		if backend.Id != reportingBackendId {
			targets = append(targets, backend.Id)
		}
	}
	if len(targets) == 0 {
		slog.Debug("no other backends to notify", "task_id", task.Id)
		return
	}

	// strip result-only fields, the notified backends need the content
	// references, not the reporter's status bookkeeping
	feedbackMedia := make([]api.Media, 0, len(media))
	for _, m := range media {
		if m.GUID == "" || len(m.Objects) == 0 {
			continue
		}
		feedbackMedia = append(feedbackMedia, api.Media{
			GUID:        m.GUID,
			ServiceType: m.ServiceType,
			Objects:     m.Objects,
		})
	}
	if len(feedbackMedia) == 0 {
		return
	}

	req := &api.CreateTaskRequest{
		TaskType:   database.TaskTypeBackendFeedback,
		BackendIds: targets,
		Media:      feedbackMedia,
	}
	if task.OwnerUserId.Valid {
		owner := task.OwnerUserId.UUID
		req.OwnerUserId = &owner
	}

	feedbackTask, err := s.CreateTask(ctx, req)
	if err != nil {
		slog.Error("error scheduling backend feedback task", "task_id", task.Id, "error", err)
		return
	}

	slog.Info("scheduled backend feedback task", "task_id", task.Id, "feedback_task_id", feedbackTask.Id, "targets", len(targets))
}
