package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/dispatch"
	"analysis-coordinator/internal/messaging"
	"analysis-coordinator/internal/registry"
	"analysis-coordinator/internal/tasks"
	"analysis-coordinator/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type backendIntake struct {
	server   *httptest.Server
	requests atomic.Int32
	status   int

	lastDetails api.TaskDetails
}

func newBackendIntake(t *testing.T) *backendIntake {
	intake := &backendIntake{status: http.StatusOK}
	intake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		intake.requests.Add(1)
		assert.Equal(t, "/addTask", r.URL.Path)
		assert.Equal(t, "application/json; charset=utf-8", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&intake.lastDetails))
		w.WriteHeader(intake.status)
	}))
	t.Cleanup(intake.server.Close)
	return intake
}

type fixture struct {
	db         *gorm.DB
	service    *tasks.Service
	dispatcher *dispatch.Dispatcher
	backend    *database.AnalysisBackend
	task       *database.Task
	intake     *backendIntake
}

func setup(t *testing.T) *fixture {
	intake := newBackendIntake(t)

	backendId := uuid.New()
	backend := &database.AnalysisBackend{
		Id:          backendId,
		Name:        "analyzer",
		EndpointUri: intake.server.URL,
		Enabled:     true,
		Capabilities: []database.BackendCapability{
			{BackendId: backendId, Capability: registry.CapabilityPhotoAnalysis},
		},
	}
	db := createDB(t, backend)

	reg := registry.NewRegistry(db)
	service := tasks.NewService(db, reg, messaging.NewInMemoryQueue(), "http://coordinator:8001")
	dispatcher := dispatch.NewDispatcher(db, service, reg)

	owner := uuid.New()
	task, err := service.CreateTask(context.Background(), &api.CreateTaskRequest{
		TaskType:    database.TaskTypeAnalysis,
		OwnerUserId: &owner,
		Media:       []api.Media{{GUID: "guid-1"}},
	})
	require.NoError(t, err)

	return &fixture{db: db, service: service, dispatcher: dispatcher, backend: backend, task: task, intake: intake}
}

func TestDispatchDeliversTaskDetails(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), f.task.Id, f.backend.Id))
	assert.EqualValues(t, 1, f.intake.requests.Load())

	assert.Equal(t, f.task.Id, f.intake.lastDetails.TaskId)
	assert.Equal(t, f.backend.Id, f.intake.lastDetails.BackendId)
	assert.Equal(t, database.TaskTypeAnalysis, f.intake.lastDetails.TaskType)
	assert.Equal(t, "http://coordinator:8001/tasks/finished", f.intake.lastDetails.CallbackUri)
	require.Len(t, f.intake.lastDetails.Media, 1)
	assert.Equal(t, "guid-1", f.intake.lastDetails.Media[0].GUID)

	// delivery does not advance the assignment, only the callback does
	assignment, err := database.GetBackendAssignment(context.Background(), f.db, f.backend.Id, f.task.Id)
	require.NoError(t, err)
	assert.Equal(t, database.TaskNotStarted, assignment.Status)
}

func TestDispatchSkipsProgressedAssignment(t *testing.T) {
	f := setup(t)

	require.NoError(t, database.UpdateAssignmentStatus(context.Background(), f.db, f.backend.Id, f.task.Id, database.TaskCompleted))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), f.task.Id, f.backend.Id))
	assert.EqualValues(t, 0, f.intake.requests.Load())
}

func TestDispatchSkipsUnknownAssignment(t *testing.T) {
	f := setup(t)

	// stale queue message for an assignment that no longer exists
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), uuid.New(), f.backend.Id))
	assert.EqualValues(t, 0, f.intake.requests.Load())
}

func TestDispatchSkipsDisabledBackend(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.db.Model(&database.AnalysisBackend{}).Where("id = ?", f.backend.Id).Update("enabled", false).Error)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), f.task.Id, f.backend.Id))
	assert.EqualValues(t, 0, f.intake.requests.Load())
}

func TestDispatchBackendRejection(t *testing.T) {
	f := setup(t)
	f.intake.status = http.StatusServiceUnavailable

	// a rejected delivery is not an error, the assignment stays recoverable
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), f.task.Id, f.backend.Id))
	assert.EqualValues(t, 1, f.intake.requests.Load())

	assignment, err := database.GetBackendAssignment(context.Background(), f.db, f.backend.Id, f.task.Id)
	require.NoError(t, err)
	assert.Equal(t, database.TaskNotStarted, assignment.Status)
}

func TestDispatchUnreachableBackend(t *testing.T) {
	f := setup(t)
	f.intake.server.Close()

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), f.task.Id, f.backend.Id))

	assignment, err := database.GetBackendAssignment(context.Background(), f.db, f.backend.Id, f.task.Id)
	require.NoError(t, err)
	assert.Equal(t, database.TaskNotStarted, assignment.Status)
}
