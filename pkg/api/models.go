package api

import (
	"time"

	"github.com/google/uuid"
)

// Media is a single content item (photo, video frame set, ...) as it appears
// on the wire. Objects carry the analysis results attached to the item.
type Media struct {
	GUID        string
	OwnerUserId *uuid.UUID `json:",omitempty"`
	ServiceType string     `json:",omitempty"`
	MediaType   string     `json:",omitempty"`
	Url         string     `json:",omitempty"`

	Objects []MediaObject `json:",omitempty"`

	// per-backend status reported for this item, at most one entry is
	// accepted on a completion callback and it must name the reporting backend
	Status []BackendStatus `json:",omitempty"`
}

type MediaObject struct {
	ObjectId    *uuid.UUID `json:",omitempty"` // nil means new, non-nil means update
	BackendId   *uuid.UUID `json:",omitempty"`
	OwnerUserId *uuid.UUID `json:",omitempty"`

	Value       string
	Type        string   `json:",omitempty"`
	ServiceType string   `json:",omitempty"`
	Visibility  string   `json:",omitempty"`
	Rank        *int     `json:",omitempty"`
	Confidence  *float64 `json:",omitempty"`
}

type BackendStatus struct {
	BackendId   uuid.UUID
	Status      string
	LastUpdated time.Time `json:",omitempty"`
}

// Profile is the payload of the summarization task types.
type Profile struct {
	UserId       *uuid.UUID `json:",omitempty"`
	ScreenName   string     `json:",omitempty"`
	ContentTypes []string
}

// TaskDetails is the message posted to a backend's add-task endpoint. The
// backend reports completion by posting a TaskResponse to CallbackUri.
type TaskDetails struct {
	TaskId      uuid.UUID
	TaskType    string
	BackendId   uuid.UUID
	CallbackUri string
	OwnerUserId *uuid.UUID        `json:",omitempty"`
	DataGroups  string            `json:",omitempty"`
	Parameters  map[string]string `json:",omitempty"`

	Media      []Media  `json:",omitempty"`
	References []Media  `json:",omitempty"`
	Similar    []Media  `json:",omitempty"`
	Dissimilar []Media  `json:",omitempty"`
	Deleted    []Media  `json:",omitempty"`
	Profile    *Profile `json:",omitempty"`
}

// TaskResponse is the completion callback body. The identifying fields are
// pointers so missing values can be told apart from zero values.
type TaskResponse struct {
	TaskId    *uuid.UUID
	BackendId *uuid.UUID
	TaskType  string
	Status    string

	Media   []Media  `json:",omitempty"`
	Profile *Profile `json:",omitempty"`
	Message string   `json:",omitempty"`
}

type CreateTaskRequest struct {
	TaskType    string
	OwnerUserId *uuid.UUID `json:",omitempty"`

	// explicit dispatch targets, bypasses capability filtering when non-empty
	BackendIds []uuid.UUID `json:",omitempty"`

	Parameters map[string]string `json:",omitempty"`

	Media      []Media  `json:",omitempty"`
	References []Media  `json:",omitempty"`
	Similar    []Media  `json:",omitempty"`
	Dissimilar []Media  `json:",omitempty"`
	Deleted    []Media  `json:",omitempty"`
	Profile    *Profile `json:",omitempty"`
}

type CreateTaskResponse struct {
	Message      string
	TaskId       uuid.UUID
	BackendCount int
}

type Task struct {
	TaskId      uuid.UUID
	TaskType    string
	OwnerUserId *uuid.UUID `json:",omitempty"`
	Backends    []BackendStatus
}

type RescheduleRequest struct {
	BackendIds []uuid.UUID
}

type Backend struct {
	Id           uuid.UUID
	Name         string
	EndpointUri  string
	Enabled      bool
	Capabilities []string
	DataGroups   string `json:",omitempty"`
}

type CreateBackendRequest struct {
	Name         string
	EndpointUri  string
	Enabled      *bool `json:",omitempty"`
	Capabilities []string
	DataGroups   string `json:",omitempty"`
}
