package sqlite

import (
	"context"
	"database/sql"

	"github.com/aozorahub/imagecache/internal/catalog"
	"github.com/aozorahub/imagecache/internal/telemetry"
)

// InstrumentedItemRepository wraps ItemRepository with telemetry.
type InstrumentedItemRepository struct {
	repo      *ItemRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedItemRepository creates a new instrumented item repository.
func NewInstrumentedItemRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedItemRepository {
	return &InstrumentedItemRepository{
		repo:      NewItemRepository(dbConn),
		telemetry: tel,
	}
}

// ListImageRefs lists image references with telemetry.
func (r *InstrumentedItemRepository) ListImageRefs(ctx context.Context, year *int) ([]catalog.ImageRef, error) {
	var result []catalog.ImageRef

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_image_refs", func(ctx context.Context) error {
		result, err = r.repo.ListImageRefs(ctx, year)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
