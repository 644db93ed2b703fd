package extsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/tasks"
	"analysis-coordinator/internal/utils"
	"analysis-coordinator/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const detailFetchWorkers = 4

// listing entry returned by the external source for one account
type sourceItem struct {
	Id        string
	MediaType string
}

type sourceListing struct {
	Items []sourceItem
}

// full record for a single item
type sourceDetails struct {
	Id        string
	Url       string
	MediaType string
}

// Synchronizer pulls an account's content listing from an external source,
// records media the coordinator has not seen before and submits an ANALYSIS
// task for the new content. It is one of the internal task submitters; the
// task path it feeds is exactly the one client requests use.
type Synchronizer struct {
	db      *gorm.DB
	service *tasks.Service
	client  *RateLimitClient
}

func NewSynchronizer(db *gorm.DB, service *tasks.Service, client *RateLimitClient) *Synchronizer {
	return &Synchronizer{db: db, service: service, client: client}
}

func (s *Synchronizer) Sync(ctx context.Context, userId uuid.UUID, serviceType string) error {
	var listing sourceListing
	path := fmt.Sprintf("/users/%s/media", userId)
	if err := s.client.Get(ctx, path, nil, &listing); err != nil {
		return fmt.Errorf("failed to list media for user %s: %w", userId, err)
	}

	if len(listing.Items) == 0 {
		slog.Info("no media found for user", "user_id", userId, "service_type", serviceType)
		return nil
	}

	unseen, err := s.filterUnseen(ctx, serviceType, listing.Items)
	if err != nil {
		return err
	}
	if len(unseen) == 0 {
		slog.Info("account already in sync", "user_id", userId, "service_type", serviceType)
		return nil
	}

	details, err := s.fetchDetails(unseen)
	if err != nil {
		return err
	}

	newMedia := make([]api.Media, 0, len(details))
	for _, d := range details {
		guid := mediaGUID(serviceType, d.Id)
		record := database.Media{
			GUID:         guid,
			OwnerUserId:  userId,
			ServiceType:  serviceType,
			MediaType:    d.MediaType,
			Url:          d.Url,
			CreationTime: time.Now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to store media %s: %w", guid, err)
		}
		newMedia = append(newMedia, api.Media{
			GUID:        guid,
			ServiceType: serviceType,
			MediaType:   d.MediaType,
			Url:         d.Url,
		})
	}

	req := &api.CreateTaskRequest{
		TaskType:    database.TaskTypeAnalysis,
		OwnerUserId: &userId,
		Media:       newMedia,
	}
	task, err := s.service.CreateTask(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create analysis task for synced content: %w", err)
	}

	slog.Info("account synchronized", "user_id", userId, "service_type", serviceType, "new_media", len(newMedia), "task_id", task.Id)
	return nil
}

func (s *Synchronizer) filterUnseen(ctx context.Context, serviceType string, items []sourceItem) ([]sourceItem, error) {
	guids := make([]string, len(items))
	for i, item := range items {
		guids[i] = mediaGUID(serviceType, item.Id)
	}

	known, err := database.SetMediaOwners(ctx, s.db, guids)
	if err != nil {
		return nil, fmt.Errorf("failed to check for known media: %w", err)
	}

	unseen := make([]sourceItem, 0, len(items))
	for _, item := range items {
		if _, seen := known[mediaGUID(serviceType, item.Id)]; !seen {
			unseen = append(unseen, item)
		}
	}
	return unseen, nil
}

// fetchDetails resolves the full record for each unseen item through a small
// worker pool; the retry client below it handles the source's rate limits.
func (s *Synchronizer) fetchDetails(items []sourceItem) ([]sourceDetails, error) {
	queue := make(chan sourceItem, len(items))
	for _, item := range items {
		queue <- item
	}
	close(queue)

	completed := make(chan utils.CompletedTask[sourceDetails], len(items))

	utils.RunInPool(func(item sourceItem) (sourceDetails, error) {
		var d sourceDetails
		if err := s.client.Get(context.Background(), "/media/"+item.Id, nil, &d); err != nil {
			return d, fmt.Errorf("failed to fetch media %s: %w", item.Id, err)
		}
		if d.MediaType == "" {
			d.MediaType = item.MediaType
		}
		return d, nil
	}, queue, completed, detailFetchWorkers)

	var details []sourceDetails
	for result := range completed {
		if result.Error != nil {
			return nil, result.Error
		}
		details = append(details, result.Result)
	}
	return details, nil
}

func mediaGUID(serviceType, sourceId string) string {
	return serviceType + "-" + sourceId
}
