package database

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrAssignmentNotFound = errors.New("backend assignment not found")

// GetBackendAssignment resolves the (backend, task) pairing. A missing row
// means the backend was never given the task.
func GetBackendAssignment(ctx context.Context, txn *gorm.DB, backendId, taskId uuid.UUID) (*BackendAssignment, error) {
	var assignment BackendAssignment
	err := txn.WithContext(ctx).
		Where("task_id = ? AND backend_id = ?", taskId, backendId).
		First(&assignment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssignmentNotFound
		}
		return nil, err
	}
	return &assignment, nil
}

func UpdateAssignmentStatus(ctx context.Context, txn *gorm.DB, backendId, taskId uuid.UUID, status string) error {
	updates := map[string]any{"status": status, "last_updated": time.Now().UTC()}

	if err := txn.WithContext(ctx).
		Model(&BackendAssignment{}).
		Where("task_id = ? AND backend_id = ?", taskId, backendId).
		Updates(updates).Error; err != nil {
		slog.Error("error updating assignment status", "task_id", taskId, "backend_id", backendId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveTaskError(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, backendId uuid.NullUUID, errorMessage string) {
	taskError := TaskErrorRecord{
		TaskId:    taskId,
		ErrorId:   uuid.New(),
		BackendId: backendId,
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&taskError).Error; err != nil {
		slog.Error("error saving task error", "task_id", taskId, "error", err)
	}
}

// SetMediaOwners fills in OwnerUserId and ServiceType for the given GUIDs from
// the media store. GUIDs with no stored media record are absent from the result.
func SetMediaOwners(ctx context.Context, txn *gorm.DB, guids []string) (map[string]Media, error) {
	var media []Media
	if err := txn.WithContext(ctx).Where("guid IN ?", guids).Find(&media).Error; err != nil {
		return nil, err
	}

	known := make(map[string]Media, len(media))
	for _, m := range media {
		known[m.GUID] = m
	}
	return known, nil
}
