package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskNotStarted string = "NOT_STARTED"
	TaskCompleted  string = "COMPLETED"
	TaskError      string = "ERROR"
	TaskUnknown    string = "UNKNOWN"
)

const (
	TaskTypeAnalysis              string = "ANALYSIS"
	TaskTypeFeedback              string = "FEEDBACK"
	TaskTypeBackendFeedback       string = "BACKEND_FEEDBACK"
	TaskTypeSummarization         string = "SUMMARIZATION"
	TaskTypeSummarizationFeedback string = "SUMMARIZATION_FEEDBACK"
	TaskTypeSearch                string = "SEARCH"
)

const (
	VisibilityPublic  string = "PUBLIC"
	VisibilityPrivate string = "PRIVATE"
	VisibilityGroup   string = "GROUP"
)

type Task struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Type        string        `gorm:"size:30;not null"`
	OwnerUserId uuid.NullUUID `gorm:"type:uuid"`
	CallbackUri string

	// type-specific payload and parameters, opaque to the store
	Payload    datatypes.JSON `gorm:"type:jsonb"`
	Parameters datatypes.JSON `gorm:"type:jsonb"`

	CreationTime time.Time

	Assignments []BackendAssignment `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
	Errors      []TaskErrorRecord   `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
}

type BackendAssignment struct {
	TaskId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	BackendId uuid.UUID `gorm:"type:uuid;primaryKey"`

	Status      string `gorm:"size:20;not null"`
	LastUpdated time.Time
}

type AnalysisBackend struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string
	EndpointUri string `gorm:"not null"`
	Enabled     bool

	// data groups included in task details sent to this backend by default
	DefaultTaskDataGroups string

	Capabilities []BackendCapability `gorm:"foreignKey:BackendId;constraint:OnDelete:CASCADE"`
}

type BackendCapability struct {
	BackendId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Capability string    `gorm:"primaryKey"`
}

type Media struct {
	GUID string `gorm:"primaryKey;size:255"`

	OwnerUserId uuid.UUID `gorm:"type:uuid"`
	ServiceType string    `gorm:"size:30"`
	MediaType   string    `gorm:"size:20"`
	Url         string

	CreationTime time.Time

	Objects []MediaObject `gorm:"foreignKey:GUID;references:GUID;constraint:OnDelete:CASCADE"`
}

type MediaObject struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	GUID string    `gorm:"size:255;index"`

	OwnerUserId uuid.UUID     `gorm:"type:uuid"`
	BackendId   uuid.NullUUID `gorm:"type:uuid"`

	Value       string
	Type        string `gorm:"size:30"`
	ServiceType string `gorm:"size:30"`
	Visibility  string `gorm:"size:20"`
	Rank        int    `gorm:"default:1"`
	Confidence  float64

	LastUpdated time.Time
}

type TaskErrorRecord struct {
	TaskId    uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID     `gorm:"type:uuid;primaryKey"`
	BackendId uuid.NullUUID `gorm:"type:uuid"`
	Error     string
	Timestamp time.Time
}
