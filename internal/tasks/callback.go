package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskFinished processes a completion callback from a backend. Steps, in
// order, each a hard precondition for the next:
//
//  1. backendId, taskId, status and taskType must all be present.
//  2. The (backend, task) assignment must exist; an unassigned backend
//     cannot inject results.
//  3. The result payload must satisfy the shape rules of the task type.
//  4. Every entity must pass the ownership checks and is normalized
//     (backend stamp, owner stamp, rank/confidence/visibility defaults).
//  5. Entities are merged: no identifier inserts, identifier updates.
//     Repeated deliveries are idempotent by identifier.
//  6. The assignment status is set to the reported status (UNKNOWN if the
//     reported value was unparsable).
//  7. An ANALYSIS merge that changed content schedules a BACKEND_FEEDBACK
//     task for the other capable backends.
//
// Failures in steps 1-4 set the assignment status to ERROR when an
// assignment was found; no partial merge occurs.
func (s *Service) TaskFinished(ctx context.Context, response *api.TaskResponse) error {
	if response == nil || response.TaskId == nil || response.BackendId == nil || response.Status == "" || response.TaskType == "" {
		return fmt.Errorf("%w: missing task id, backend id, status or task type", ErrInvalidResponse)
	}

	taskId := *response.TaskId
	backendId := *response.BackendId

	// two callbacks for the same assignment must not interleave their
	// read-modify-write of the status and their entity merge
	lockKey := taskId.String() + ":" + backendId.String()
	if err := s.assignmentLocks.Lock(lockKey); err != nil {
		return fmt.Errorf("failed to serialize callback processing: %w", err)
	}
	defer func() {
		if err := s.assignmentLocks.Unlock(lockKey); err != nil {
			slog.Error("error releasing assignment lock", "key", lockKey, "error", err)
		}
	}()

	if _, err := database.GetBackendAssignment(ctx, s.db, backendId, taskId); err != nil {
		if errors.Is(err, database.ErrAssignmentNotFound) {
			slog.Warn("backend returned results for a task not given to it", "backend_id", backendId, "task_id", taskId)
			return fmt.Errorf("%w: backend %s, task %s", ErrNotAssigned, backendId, taskId)
		}
		return err
	}

	task, err := s.GetTask(ctx, taskId)
	if err != nil {
		return err
	}

	if response.TaskType != task.Type {
		s.markAssignmentError(ctx, backendId, task, fmt.Sprintf("reported task type %s does not match %s", response.TaskType, task.Type))
		return fmt.Errorf("%w: task type mismatch", ErrInvalidResponse)
	}

	status, ok := ParseTaskStatus(response.Status)
	if !ok {
		slog.Warn("unparsable task status in callback", "status", response.Status, "task_id", taskId, "backend_id", backendId)
	}

	switch task.Type {
	case database.TaskTypeBackendFeedback:
		// feedback acknowledgements carry no result content, anything sent
		// along (including nothing) is accepted and ignored
	case database.TaskTypeSearch:
		s.markAssignmentError(ctx, backendId, task, "completion callbacks for search tasks are not supported")
		return fmt.Errorf("%w: asynchronous search tasks are not supported", ErrInvalidResponse)
	default:
		changed, err := s.mergeResults(ctx, task, backendId, response.Media)
		if err != nil {
			s.markAssignmentError(ctx, backendId, task, err.Error())
			return err
		}

		if err := database.UpdateAssignmentStatus(ctx, s.db, backendId, taskId, status); err != nil {
			return err
		}
		if status == database.TaskError && response.Message != "" {
			database.SaveTaskError(ctx, s.db, taskId, uuid.NullUUID{UUID: backendId, Valid: true}, response.Message)
		}

		if changed && task.Type == database.TaskTypeAnalysis {
			s.scheduleBackendFeedback(ctx, task, backendId, response.Media)
		}
		return nil
	}

	if err := database.UpdateAssignmentStatus(ctx, s.db, backendId, taskId, status); err != nil {
		return err
	}
	if status == database.TaskError && response.Message != "" {
		database.SaveTaskError(ctx, s.db, taskId, uuid.NullUUID{UUID: backendId, Valid: true}, response.Message)
	}
	return nil
}

func (s *Service) markAssignmentError(ctx context.Context, backendId uuid.UUID, task *database.Task, message string) {
	if err := database.UpdateAssignmentStatus(ctx, s.db, backendId, task.Id, database.TaskError); err != nil {
		slog.Error("error marking assignment as failed", "task_id", task.Id, "backend_id", backendId, "error", err)
	}
	database.SaveTaskError(ctx, s.db, task.Id, uuid.NullUUID{UUID: backendId, Valid: true}, message)
}

// pendingObject is a fully validated and normalized entity waiting for the
// merge transaction.
type pendingObject struct {
	object database.MediaObject
	insert bool
}

// mergeResults validates the reported media list and merges its entities.
// Validation runs over the complete payload before anything is written: a
// single bad entity rejects the whole delivery.
func (s *Service) mergeResults(ctx context.Context, task *database.Task, backendId uuid.UUID, media []api.Media) (bool, error) {
	if len(media) == 0 {
		slog.Warn("no results returned by backend", "backend_id", backendId, "task_id", task.Id)
		return false, nil
	}

	guids := make([]string, 0, len(media))
	for _, m := range media {
		if m.GUID == "" {
			return false, fmt.Errorf("%w: media without guid", ErrInvalidResponse)
		}
		guids = append(guids, m.GUID)
	}

	known, err := database.SetMediaOwners(ctx, s.db, guids)
	if err != nil {
		return false, fmt.Errorf("could not resolve media owners: %w", err)
	}

	var pending []pendingObject
	for _, m := range media {
		record, exists := known[m.GUID]
		if !exists {
			// no stored record means no owner, the entity cannot be anchored
			slog.Warn("ignoring unknown media from backend", "guid", m.GUID, "backend_id", backendId)
			continue
		}

		if len(m.Status) > 1 {
			return false, fmt.Errorf("%w: multiple backend statuses for media %s", ErrInvalidResponse, m.GUID)
		}
		if len(m.Status) == 1 && m.Status[0].BackendId != backendId {
			return false, fmt.Errorf("%w: media %s carries a status for another backend", ErrInvalidResponse, m.GUID)
		}

		if len(m.Objects) == 0 {
			slog.Warn("ignoring media without objects", "guid", m.GUID, "backend_id", backendId)
			continue
		}

		for _, object := range m.Objects {
			normalized, err := s.normalizeObject(task, backendId, &record, &object)
			if err != nil {
				return false, err
			}

			insert := object.ObjectId == nil
			if insert {
				// repeated deliveries of the same unidentified entity must
				// not duplicate it, resolve its identity by content
				existingId, err := s.resolveObjectId(ctx, normalized)
				if err != nil {
					return false, err
				}
				if existingId != nil {
					normalized.Id = *existingId
					insert = false
				}
			}
			pending = append(pending, pendingObject{object: *normalized, insert: insert})
		}
	}

	if len(pending) == 0 {
		return false, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for _, p := range pending {
			if p.insert {
				if err := txn.Create(&p.object).Error; err != nil {
					return fmt.Errorf("failed to insert media object: %w", err)
				}
			} else {
				if err := txn.Save(&p.object).Error; err != nil {
					return fmt.Errorf("failed to update media object %s: %w", p.object.Id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	slog.Info("merged callback results", "task_id", task.Id, "backend_id", backendId, "objects", len(pending))
	return true, nil
}

// normalizeObject enforces the per-entity invariants and applies defaults.
// A backend stamp naming another backend rejects the delivery outright, even
// when the rest of the payload is well formed.
func (s *Service) normalizeObject(task *database.Task, backendId uuid.UUID, record *database.Media, object *api.MediaObject) (*database.MediaObject, error) {
	if object.BackendId != nil && *object.BackendId != backendId {
		return nil, fmt.Errorf("%w: media object carries backend id %s, reported by %s", ErrInvalidResponse, object.BackendId, backendId)
	}
	if object.OwnerUserId != nil && task.OwnerUserId.Valid && *object.OwnerUserId != task.OwnerUserId.UUID {
		return nil, fmt.Errorf("%w: media object owner does not match task owner", ErrInvalidResponse)
	}
	if object.Value == "" {
		return nil, fmt.Errorf("%w: media object without value, guid: %s", ErrInvalidResponse, record.GUID)
	}

	visibility, err := ParseVisibility(object.Visibility)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	normalized := &database.MediaObject{
		Id:          uuid.New(),
		GUID:        record.GUID,
		OwnerUserId: record.OwnerUserId,
		BackendId:   uuid.NullUUID{UUID: backendId, Valid: true},
		Value:       object.Value,
		Type:        object.Type,
		ServiceType: record.ServiceType,
		Visibility:  visibility,
		Rank:        1,
		Confidence:  1.0,
		LastUpdated: time.Now().UTC(),
	}
	if object.ObjectId != nil {
		normalized.Id = *object.ObjectId
	}
	if object.Rank != nil {
		normalized.Rank = *object.Rank
	}
	if object.Confidence != nil {
		normalized.Confidence = *object.Confidence
	}

	return normalized, nil
}

// resolveObjectId looks up a previously merged entity with the same content
// fingerprint so re-deliveries update instead of duplicate.
func (s *Service) resolveObjectId(ctx context.Context, object *database.MediaObject) (*uuid.UUID, error) {
	var existing database.MediaObject
	err := s.db.WithContext(ctx).
		Where("guid = ? AND backend_id = ? AND value = ? AND type = ?", object.GUID, object.BackendId, object.Value, object.Type).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error resolving media object id: %w", err)
	}
	return &existing.Id, nil
}
