package services

import (
	"context"
	"strings"

	"chathub/models"
)

// CatalogService serves the model catalog. The catalog lives in SQL even
// when conversations are kept in DynamoDB.
type CatalogService struct {
	store ModelStore
	clock *Clock
}

func NewCatalogService(store ModelStore, clock *Clock) *CatalogService {
	if clock == nil {
		clock = NewClock("UTC")
	}
	return &CatalogService{store: store, clock: clock}
}

func (s *CatalogService) Models(ctx context.Context, filter ModelFilter) ([]models.ModelInfo, error) {
	list, err := s.store.ListModels(ctx, filter)
	if err != nil {
		return nil, &PersistenceError{Op: "list models", Cause: err}
	}
	for i := range list {
		list[i].CreatedAt = s.clock.Local(list[i].CreatedAt)
		list[i].UpdatedAt = s.clock.Local(list[i].UpdatedAt)
	}
	return list, nil
}

// Register adds or replaces a catalog entry by model name.
func (s *CatalogService) Register(ctx context.Context, m *models.ModelInfo) error {
	m.ModelName = strings.TrimSpace(m.ModelName)
	switch {
	case m.ModelName == "":
		return &ValidationError{Field: "model_name", Message: "is required"}
	case strings.TrimSpace(m.Provider) == "":
		return &ValidationError{Field: "model_provider", Message: "is required"}
	}
	if strings.TrimSpace(m.DisplayName) == "" {
		m.DisplayName = m.ModelName
	}
	if m.MaxTokens <= 0 {
		m.MaxTokens = 4096
	}
	if err := s.store.PutModel(ctx, m); err != nil {
		return &PersistenceError{Op: "put model", Cause: err}
	}
	return nil
}
