package registry

import (
	"context"
	"errors"
	"fmt"

	"analysis-coordinator/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Capabilities a backend can declare. Dispatch target selection matches task
// requirements against these.
const (
	CapabilityPhotoAnalysis   = "PHOTO_ANALYSIS"
	CapabilityVideoAnalysis   = "VIDEO_ANALYSIS"
	CapabilityFaceDetection   = "FACE_DETECTION"
	CapabilityUserFeedback    = "USER_FEEDBACK"
	CapabilityBackendFeedback = "BACKEND_FEEDBACK"
	CapabilitySummarization   = "SUMMARIZATION"
	CapabilityAnonymousTask   = "ANONYMOUS_TASK"
)

var ErrBackendNotFound = errors.New("backend not found")

var validCapabilities = map[string]bool{
	CapabilityPhotoAnalysis:   true,
	CapabilityVideoAnalysis:   true,
	CapabilityFaceDetection:   true,
	CapabilityUserFeedback:    true,
	CapabilityBackendFeedback: true,
	CapabilitySummarization:   true,
	CapabilityAnonymousTask:   true,
}

func ValidateCapabilities(capabilities []string) error {
	for _, c := range capabilities {
		if !validCapabilities[c] {
			return fmt.Errorf("unknown capability: %s", c)
		}
	}
	return nil
}

// Registry holds the analysis backends known to the coordinator. It is
// read-mostly: the dispatcher consults it on every task creation, writes only
// happen through the admin endpoints.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Get(ctx context.Context, backendId uuid.UUID) (*database.AnalysisBackend, error) {
	var backend database.AnalysisBackend
	err := r.db.WithContext(ctx).Preload("Capabilities").First(&backend, "id = ?", backendId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBackendNotFound
		}
		return nil, fmt.Errorf("error retrieving backend %s: %w", backendId, err)
	}
	return &backend, nil
}

func (r *Registry) List(ctx context.Context) ([]database.AnalysisBackend, error) {
	var backends []database.AnalysisBackend
	if err := r.db.WithContext(ctx).Preload("Capabilities").Find(&backends).Error; err != nil {
		return nil, fmt.Errorf("error listing backends: %w", err)
	}
	return backends, nil
}

// ListEligible returns the enabled backends that declare every one of the
// required capabilities. An empty requirement set matches all enabled backends.
func (r *Registry) ListEligible(ctx context.Context, capabilities []string) ([]database.AnalysisBackend, error) {
	var backends []database.AnalysisBackend
	if err := r.db.WithContext(ctx).Preload("Capabilities").Where("enabled = ?", true).Find(&backends).Error; err != nil {
		return nil, fmt.Errorf("error listing eligible backends: %w", err)
	}

	if len(capabilities) == 0 {
		return backends, nil
	}

	eligible := make([]database.AnalysisBackend, 0, len(backends))
	for _, backend := range backends {
		if hasCapabilities(&backend, capabilities) {
			eligible = append(eligible, backend)
		}
	}
	return eligible, nil
}

func hasCapabilities(backend *database.AnalysisBackend, required []string) bool {
	declared := make(map[string]bool, len(backend.Capabilities))
	for _, c := range backend.Capabilities {
		declared[c.Capability] = true
	}
	for _, c := range required {
		if !declared[c] {
			return false
		}
	}
	return true
}

func HasCapability(backend *database.AnalysisBackend, capability string) bool {
	return hasCapabilities(backend, []string{capability})
}

func (r *Registry) Create(ctx context.Context, backend *database.AnalysisBackend) error {
	caps := make([]string, len(backend.Capabilities))
	for i, c := range backend.Capabilities {
		caps[i] = c.Capability
	}
	if err := ValidateCapabilities(caps); err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(backend).Error; err != nil {
		return fmt.Errorf("error creating backend: %w", err)
	}
	return nil
}

// Update replaces the backend's registration fields and capability set.
func (r *Registry) Update(ctx context.Context, backend *database.AnalysisBackend) error {
	caps := make([]string, len(backend.Capabilities))
	for i, c := range backend.Capabilities {
		caps[i] = c.Capability
	}
	if err := ValidateCapabilities(caps); err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		result := txn.Model(&database.AnalysisBackend{}).
			Where("id = ?", backend.Id).
			Updates(map[string]any{
				"name":                     backend.Name,
				"endpoint_uri":             backend.EndpointUri,
				"enabled":                  backend.Enabled,
				"default_task_data_groups": backend.DefaultTaskDataGroups,
			})
		if result.Error != nil {
			return fmt.Errorf("error updating backend %s: %w", backend.Id, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrBackendNotFound
		}

		if err := txn.Where("backend_id = ?", backend.Id).Delete(&database.BackendCapability{}).Error; err != nil {
			return fmt.Errorf("error clearing backend capabilities: %w", err)
		}
		if len(backend.Capabilities) > 0 {
			if err := txn.Create(&backend.Capabilities).Error; err != nil {
				return fmt.Errorf("error storing backend capabilities: %w", err)
			}
		}
		return nil
	})
}

func (r *Registry) SetEnabled(ctx context.Context, backendId uuid.UUID, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&database.AnalysisBackend{}).
		Where("id = ?", backendId).
		Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("error updating backend %s: %w", backendId, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBackendNotFound
	}
	return nil
}
