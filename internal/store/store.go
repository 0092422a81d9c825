package store

import (
	"context"
	"time"

	"github.com/watchvine/catalog-sync/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// StageCount is one row of the stage distribution summary.
type StageCount struct {
	Stage model.Stage `json:"stage"`
	Count int         `json:"count"`
}

// BrandCount is one row of the brand distribution summary.
type BrandCount struct {
	Brand string `json:"brand"`
	Count int    `json:"count"`
}

// Store defines the persistence interface for the catalog pipeline.
type Store interface {
	// Items
	UpsertItems(ctx context.Context, items []model.CatalogItem) error
	DeleteItems(ctx context.Context, keys []string) error
	GetItem(ctx context.Context, key string) (*model.CatalogItem, error)
	ListItems(ctx context.Context) ([]model.CatalogItem, error)
	ListItemStates(ctx context.Context) ([]model.ItemState, error)
	IncrementAbsentRuns(ctx context.Context, keys []string) error

	// Enrichment records
	GetRecord(ctx context.Context, key string) (*model.EnrichmentRecord, error)
	SaveRecord(ctx context.Context, rec *model.EnrichmentRecord) error
	ListRecordsBelow(ctx context.Context, stage model.Stage) ([]model.EnrichmentRecord, error)
	ListRecordsAtLeast(ctx context.Context, stage model.Stage) ([]model.EnrichmentRecord, error)
	MarkIndexed(ctx context.Context, keys []string, at time.Time) error
	ResetRecords(ctx context.Context, keys []string) error

	// Summaries
	CountItems(ctx context.Context) (int, error)
	StageCounts(ctx context.Context) ([]StageCount, error)
	BrandCounts(ctx context.Context, limit int) ([]BrandCount, error)

	// Runs
	CreateRun(ctx context.Context) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, report *model.RunReport) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Run stages
	CreateStage(ctx context.Context, runID string, name string) (string, error)
	CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
