package tasks

import (
	"encoding/json"
	"fmt"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/pkg/api"
)

// Payload is the tagged union over the task types. Each variant carries only
// the sub-lists valid for its type, so most of the mutual-exclusivity rules
// hold by construction; the remaining shape rules live in Validate.
type Payload interface {
	// Validate checks the structural rules of the payload. It is run at task
	// creation time, before anything is persisted.
	Validate() error

	// Fill copies the payload content into an outgoing task-details message.
	Fill(details *api.TaskDetails)
}

// AnalysisPayload is the payload of ANALYSIS tasks: the primary content list
// to be analyzed. No other list is representable.
type AnalysisPayload struct {
	Media []api.Media
}

func (p *AnalysisPayload) Validate() error {
	if len(p.Media) == 0 {
		return fmt.Errorf("%w: analysis requires a non-empty media list", ErrInvalidTask)
	}
	return validateMediaList(p.Media, ErrInvalidTask)
}

func (p *AnalysisPayload) Fill(details *api.TaskDetails) {
	details.Media = p.Media
}

// FeedbackPayload is the payload of FEEDBACK and SUMMARIZATION_FEEDBACK
// tasks. Exactly one of three shapes must be present: a deleted list alone,
// a media list alone, or a reference list with similar and/or dissimilar
// lists.
type FeedbackPayload struct {
	Media      []api.Media `json:",omitempty"`
	References []api.Media `json:",omitempty"`
	Similar    []api.Media `json:",omitempty"`
	Dissimilar []api.Media `json:",omitempty"`
	Deleted    []api.Media `json:",omitempty"`
}

func (p *FeedbackPayload) Validate() error {
	hasMedia := len(p.Media) > 0
	hasReferences := len(p.References) > 0
	hasSimilar := len(p.Similar) > 0
	hasDissimilar := len(p.Dissimilar) > 0
	hasDeleted := len(p.Deleted) > 0

	switch {
	case hasDeleted:
		if hasMedia || hasReferences || hasSimilar || hasDissimilar {
			return fmt.Errorf("%w: deleted media must appear alone", ErrInvalidTask)
		}
		// the deleted list only requires guids
		return validateGUIDs(p.Deleted, ErrInvalidTask)
	case hasMedia:
		if hasReferences || hasSimilar || hasDissimilar {
			return fmt.Errorf("%w: media must appear alone", ErrInvalidTask)
		}
		return validateMediaList(p.Media, ErrInvalidTask)
	case hasReferences:
		if !hasSimilar && !hasDissimilar {
			return fmt.Errorf("%w: references require similar or dissimilar media", ErrInvalidTask)
		}
		if err := validateGUIDs(p.References, ErrInvalidTask); err != nil {
			return err
		}
		if hasSimilar {
			if err := validateMediaList(p.Similar, ErrInvalidTask); err != nil {
				return err
			}
		}
		if hasDissimilar {
			if err := validateMediaList(p.Dissimilar, ErrInvalidTask); err != nil {
				return err
			}
		}
		return nil
	case hasSimilar || hasDissimilar:
		return fmt.Errorf("%w: similar and dissimilar media cannot appear without references", ErrInvalidTask)
	default:
		return fmt.Errorf("%w: no content", ErrInvalidTask)
	}
}

func (p *FeedbackPayload) Fill(details *api.TaskDetails) {
	details.Media = p.Media
	details.References = p.References
	details.Similar = p.Similar
	details.Dissimilar = p.Dissimilar
	details.Deleted = p.Deleted
}

// BackendFeedbackPayload is the payload of BACKEND_FEEDBACK tasks: the
// content another backend produced results for. Completion of this type
// carries no response content.
type BackendFeedbackPayload struct {
	Media []api.Media
}

func (p *BackendFeedbackPayload) Validate() error {
	if len(p.Media) == 0 {
		return fmt.Errorf("%w: backend feedback requires a non-empty media list", ErrInvalidTask)
	}
	return validateMediaList(p.Media, ErrInvalidTask)
}

func (p *BackendFeedbackPayload) Fill(details *api.TaskDetails) {
	details.Media = p.Media
}

// SummarizationPayload is the payload of SUMMARIZATION tasks: the profile to
// summarize and the content types the summarization should cover.
type SummarizationPayload struct {
	Profile api.Profile
}

func (p *SummarizationPayload) Validate() error {
	return validateContentTypes(p.Profile.ContentTypes)
}

func (p *SummarizationPayload) Fill(details *api.TaskDetails) {
	profile := p.Profile
	details.Profile = &profile
}

// BuildPayload constructs the payload variant for the requested task type and
// rejects lists that are not valid for that type, making the exclusivity
// rules visible to the caller rather than silently dropping content.
func BuildPayload(req *api.CreateTaskRequest) (Payload, error) {
	switch req.TaskType {
	case database.TaskTypeAnalysis:
		if len(req.References) > 0 || len(req.Similar) > 0 || len(req.Dissimilar) > 0 || len(req.Deleted) > 0 {
			return nil, fmt.Errorf("%w: analysis accepts only a media list", ErrInvalidTask)
		}
		return &AnalysisPayload{Media: req.Media}, nil
	case database.TaskTypeFeedback, database.TaskTypeSummarizationFeedback:
		return &FeedbackPayload{
			Media:      req.Media,
			References: req.References,
			Similar:    req.Similar,
			Dissimilar: req.Dissimilar,
			Deleted:    req.Deleted,
		}, nil
	case database.TaskTypeBackendFeedback:
		if len(req.References) > 0 || len(req.Similar) > 0 || len(req.Dissimilar) > 0 || len(req.Deleted) > 0 {
			return nil, fmt.Errorf("%w: backend feedback accepts only a media list", ErrInvalidTask)
		}
		return &BackendFeedbackPayload{Media: req.Media}, nil
	case database.TaskTypeSummarization:
		if req.Profile == nil {
			return nil, fmt.Errorf("%w: summarization requires a profile", ErrInvalidTask)
		}
		return &SummarizationPayload{Profile: *req.Profile}, nil
	case database.TaskTypeSearch:
		return nil, fmt.Errorf("%w: asynchronous search tasks are not supported", ErrInvalidTask)
	default:
		return nil, fmt.Errorf("%w: unsupported task type: %s", ErrInvalidTask, req.TaskType)
	}
}

// LoadPayload unmarshals a stored payload back into its typed variant.
func LoadPayload(taskType string, data []byte) (Payload, error) {
	var payload Payload
	switch taskType {
	case database.TaskTypeAnalysis:
		payload = &AnalysisPayload{}
	case database.TaskTypeFeedback, database.TaskTypeSummarizationFeedback:
		payload = &FeedbackPayload{}
	case database.TaskTypeBackendFeedback:
		payload = &BackendFeedbackPayload{}
	case database.TaskTypeSummarization:
		payload = &SummarizationPayload{}
	default:
		return nil, fmt.Errorf("unsupported task type: %s", taskType)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", taskType, err)
	}
	return payload, nil
}

func validateMediaList(media []api.Media, base error) error {
	for _, m := range media {
		if m.GUID == "" {
			return fmt.Errorf("%w: media without guid", base)
		}
		for _, object := range m.Objects {
			if object.Value == "" {
				return fmt.Errorf("%w: media object without value, guid: %s", base, m.GUID)
			}
			if object.Visibility != "" {
				if _, err := ParseVisibility(object.Visibility); err != nil {
					return fmt.Errorf("%w: %v, guid: %s", base, err, m.GUID)
				}
			}
		}
	}
	return nil
}

func validateGUIDs(media []api.Media, base error) error {
	for _, m := range media {
		if m.GUID == "" {
			return fmt.Errorf("%w: media without guid", base)
		}
	}
	return nil
}
