package tasks

import (
	"errors"
	"fmt"
	"strings"

	"analysis-coordinator/internal/database"
)

// Error taxonomy of the completion protocol. The HTTP layer maps these to
// status codes; none of them is retryable.
var (
	// ErrInvalidTask marks a task creation payload that violates the
	// type-specific validation rules. Nothing is persisted when returned.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidResponse marks a completion callback missing required fields
	// or carrying a malformed result payload.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrNotAssigned is returned for a completion callback from a backend
	// that was never given the task.
	ErrNotAssigned = errors.New("task not assigned to backend")

	// ErrTaskNotFound is returned by lookups for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoBackends is returned when no enabled backend has the capabilities
	// a new task requires.
	ErrNoBackends = errors.New("no capable backends available")
)

var taskTypes = map[string]bool{
	database.TaskTypeAnalysis:              true,
	database.TaskTypeFeedback:              true,
	database.TaskTypeBackendFeedback:       true,
	database.TaskTypeSummarization:         true,
	database.TaskTypeSummarizationFeedback: true,
	database.TaskTypeSearch:                true,
}

func IsTaskType(value string) bool {
	return taskTypes[value]
}

// ParseTaskStatus maps a reported status onto the closed status set. Values
// outside the set (including the empty string) parse to UNKNOWN with ok=false
// so that an unparsable status is recorded rather than silently dropped.
func ParseTaskStatus(value string) (string, bool) {
	switch strings.ToUpper(value) {
	case database.TaskNotStarted:
		return database.TaskNotStarted, true
	case database.TaskCompleted:
		return database.TaskCompleted, true
	case database.TaskError:
		return database.TaskError, true
	case database.TaskUnknown:
		return database.TaskUnknown, true
	default:
		return database.TaskUnknown, false
	}
}

// Content types accepted for profile summarization tasks.
const (
	ContentTypeGeneratedTags     = "GENERATED_TAGS"
	ContentTypePhotoDescriptions = "PHOTO_DESCRIPTIONS"
	ContentTypeStatusMessages    = "STATUS_MESSAGES"
	ContentTypeVideoDescriptions = "VIDEO_DESCRIPTIONS"
)

var contentTypes = map[string]bool{
	ContentTypeGeneratedTags:     true,
	ContentTypePhotoDescriptions: true,
	ContentTypeStatusMessages:    true,
	ContentTypeVideoDescriptions: true,
}

func validateContentTypes(values []string) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: at least one content type is required", ErrInvalidTask)
	}
	for _, value := range values {
		if !contentTypes[strings.ToUpper(value)] {
			return fmt.Errorf("%w: bad content type: %s", ErrInvalidTask, value)
		}
	}
	return nil
}

func ParseVisibility(value string) (string, error) {
	switch strings.ToUpper(value) {
	case "":
		return database.VisibilityPrivate, nil
	case database.VisibilityPublic:
		return database.VisibilityPublic, nil
	case database.VisibilityPrivate:
		return database.VisibilityPrivate, nil
	case database.VisibilityGroup:
		return database.VisibilityGroup, nil
	default:
		return "", fmt.Errorf("bad visibility: %s", value)
	}
}
