package metering

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgecloud/billing/internal/models"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const registryCacheSize = 256

// ModelRegistry resolves AI model token prices. Lookups are cached; admin
// price updates must go through UpsertModel so the cache entry is dropped.
// Injected rather than package-global so tests control cache state.
type ModelRegistry struct {
	db    *gorm.DB
	log   *zap.SugaredLogger
	cache *lru.Cache[string, *models.AIModel]
}

func NewModelRegistry(db *gorm.DB, log *zap.SugaredLogger) (*ModelRegistry, error) {
	cache, err := lru.New[string, *models.AIModel](registryCacheSize)
	if err != nil {
		return nil, err
	}
	return &ModelRegistry{db: db, log: log, cache: cache}, nil
}

// Get returns the registry entry for a model id, or nil when the model is
// unknown (callers fall back to the default token rates).
func (r *ModelRegistry) Get(ctx context.Context, modelID string) (*models.AIModel, error) {
	if m, ok := r.cache.Get(modelID); ok {
		return m, nil
	}

	var m models.AIModel
	err := r.db.WithContext(ctx).Where("id = ? AND active = ?", modelID, true).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ai model %s: %w", modelID, err)
	}

	r.cache.Add(modelID, &m)
	return &m, nil
}

func (r *ModelRegistry) Invalidate(modelID string) {
	r.cache.Remove(modelID)
}

// UpsertModel saves a registry entry and invalidates its cached price.
func (r *ModelRegistry) UpsertModel(ctx context.Context, m *models.AIModel) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("model id required")
	}
	if err := r.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("failed to save ai model: %w", err)
	}
	r.Invalidate(m.ID)
	r.log.Infow("ai_model_updated", "model_id", m.ID)
	return nil
}
