package extsync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/extsync"
	"analysis-coordinator/internal/messaging"
	"analysis-coordinator/internal/registry"
	"analysis-coordinator/internal/tasks"

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

type fakeSource struct {
	items   map[string]map[string]string // user id -> item id -> url
	details map[string]string            // item id -> url
}

func (f *fakeSource) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var userId string
		if n, _ := fmt.Sscanf(r.URL.Path, "/users/%36s/media", &userId); n == 1 {
			type item struct{ Id, MediaType string }
			var items []item
			for id := range f.items[userId] {
				items = append(items, item{Id: id, MediaType: "PHOTO"})
			}
			json.NewEncoder(w).Encode(map[string]any{"Items": items})
			return
		}

		var itemId string
		if n, _ := fmt.Sscanf(r.URL.Path, "/media/%s", &itemId); n == 1 {
			if url, ok := f.details[itemId]; ok {
				json.NewEncoder(w).Encode(map[string]string{"Id": itemId, "Url": url, "MediaType": "PHOTO"})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func newSynchronizer(t *testing.T, db *gorm.DB, source *fakeSource) (*extsync.Synchronizer, *messaging.InMemoryQueue) {
	server := httptest.NewServer(source.handler())
	t.Cleanup(server.Close)

	queue := messaging.NewInMemoryQueue()
	service := tasks.NewService(db, registry.NewRegistry(db), queue, "http://coordinator:8001")
	client := extsync.NewRateLimitClient(server.URL, false)

	return extsync.NewSynchronizer(db, service, client), queue
}

func analysisBackend() *database.AnalysisBackend {
	id := uuid.New()
	return &database.AnalysisBackend{
		Id:          id,
		Name:        "analyzer",
		EndpointUri: "http://analyzer:9090",
		Enabled:     true,
		Capabilities: []database.BackendCapability{
			{BackendId: id, Capability: registry.CapabilityPhotoAnalysis},
		},
	}
}

func TestSyncCreatesAnalysisTaskForNewContent(t *testing.T) {
	userId := uuid.New()
	db := createDB(t, analysisBackend())

	source := &fakeSource{
		items: map[string]map[string]string{
			userId.String(): {"item-1": "", "item-2": ""},
		},
		details: map[string]string{
			"item-1": "http://cdn/item-1.jpg",
			"item-2": "http://cdn/item-2.jpg",
		},
	}
	synchronizer, queue := newSynchronizer(t, db, source)

	require.NoError(t, synchronizer.Sync(context.Background(), userId, "content_storage"))

	var media []database.Media
	require.NoError(t, db.Find(&media).Error)
	require.Len(t, media, 2)
	for _, m := range media {
		assert.Equal(t, userId, m.OwnerUserId)
		assert.Equal(t, "content_storage", m.ServiceType)
		assert.Equal(t, "PHOTO", m.MediaType)
		assert.NotEmpty(t, m.Url)
	}

	var task database.Task
	require.NoError(t, db.Preload("Assignments").First(&task, "type = ?", database.TaskTypeAnalysis).Error)
	require.True(t, task.OwnerUserId.Valid)
	assert.Equal(t, userId, task.OwnerUserId.UUID)
	require.Len(t, task.Assignments, 1)
	assert.Equal(t, database.TaskNotStarted, task.Assignments[0].Status)

	select {
	case queued := <-queue.Tasks():
		assert.Equal(t, messaging.DispatchQueue, queued.Type())
	default:
		t.Fatal("expected a dispatch message for the new analysis task")
	}
}

func TestSyncSkipsKnownMedia(t *testing.T) {
	userId := uuid.New()
	db := createDB(t, analysisBackend(), &database.Media{
		GUID:        "content_storage-item-1",
		OwnerUserId: userId,
		ServiceType: "content_storage",
	})

	source := &fakeSource{
		items: map[string]map[string]string{
			userId.String(): {"item-1": "", "item-2": ""},
		},
		details: map[string]string{
			"item-2": "http://cdn/item-2.jpg",
		},
	}
	synchronizer, _ := newSynchronizer(t, db, source)

	require.NoError(t, synchronizer.Sync(context.Background(), userId, "content_storage"))

	var media []database.Media
	require.NoError(t, db.Find(&media).Error)
	assert.Len(t, media, 2)

	var count int64
	require.NoError(t, db.Model(&database.Media{}).Where("guid = ?", "content_storage-item-2").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSyncNothingNew(t *testing.T) {
	userId := uuid.New()
	db := createDB(t, analysisBackend(), &database.Media{
		GUID:        "content_storage-item-1",
		OwnerUserId: userId,
		ServiceType: "content_storage",
	})

	source := &fakeSource{
		items: map[string]map[string]string{
			userId.String(): {"item-1": ""},
		},
	}
	synchronizer, queue := newSynchronizer(t, db, source)

	require.NoError(t, synchronizer.Sync(context.Background(), userId, "content_storage"))

	var count int64
	require.NoError(t, db.Model(&database.Task{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	select {
	case <-queue.Tasks():
		t.Fatal("no dispatch expected when nothing is new")
	default:
	}
}

func TestSyncEmptyListing(t *testing.T) {
	userId := uuid.New()
	db := createDB(t, analysisBackend())

	source := &fakeSource{items: map[string]map[string]string{}}
	synchronizer, _ := newSynchronizer(t, db, source)

	require.NoError(t, synchronizer.Sync(context.Background(), userId, "content_storage"))

	var count int64
	require.NoError(t, db.Model(&database.Media{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}
