package api

import (
	"analysis-coordinator/internal/database"
	"analysis-coordinator/pkg/api"

	"github.com/google/uuid"
)

func convertTask(task *database.Task) api.Task {
	out := api.Task{
		TaskId:   task.Id,
		TaskType: task.Type,
		Backends: make([]api.BackendStatus, 0, len(task.Assignments)),
	}
	if task.OwnerUserId.Valid {
		owner := task.OwnerUserId.UUID
		out.OwnerUserId = &owner
	}
	for _, assignment := range task.Assignments {
		out.Backends = append(out.Backends, api.BackendStatus{
			BackendId:   assignment.BackendId,
			Status:      assignment.Status,
			LastUpdated: assignment.LastUpdated,
		})
	}
	return out
}

func convertBackend(backend *database.AnalysisBackend) api.Backend {
	out := api.Backend{
		Id:           backend.Id,
		Name:         backend.Name,
		EndpointUri:  backend.EndpointUri,
		Enabled:      backend.Enabled,
		DataGroups:   backend.DefaultTaskDataGroups,
		Capabilities: make([]string, 0, len(backend.Capabilities)),
	}
	for _, c := range backend.Capabilities {
		out.Capabilities = append(out.Capabilities, c.Capability)
	}
	return out
}

func convertMediaObject(object *database.MediaObject) api.MediaObject {
	objectId := object.Id
	rank := object.Rank
	confidence := object.Confidence
	out := api.MediaObject{
		ObjectId:    &objectId,
		Value:       object.Value,
		Type:        object.Type,
		ServiceType: object.ServiceType,
		Visibility:  object.Visibility,
		Rank:        &rank,
		Confidence:  &confidence,
	}
	if object.OwnerUserId != uuid.Nil {
		owner := object.OwnerUserId
		out.OwnerUserId = &owner
	}
	if object.BackendId.Valid {
		backendId := object.BackendId.UUID
		out.BackendId = &backendId
	}
	return out
}

func convertMedia(record *database.Media) api.Media {
	owner := record.OwnerUserId
	out := api.Media{
		GUID:        record.GUID,
		OwnerUserId: &owner,
		ServiceType: record.ServiceType,
		MediaType:   record.MediaType,
		Url:         record.Url,
		Objects:     make([]api.MediaObject, 0, len(record.Objects)),
	}
	for i := range record.Objects {
		out.Objects = append(out.Objects, convertMediaObject(&record.Objects[i]))
	}
	return out
}
