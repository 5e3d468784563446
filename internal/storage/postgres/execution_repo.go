package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore with GORM. It is
// shared by the SQLite backend, which uses the same model.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append upserts a result by ID.
func (r *ExecutionRepository) Append(ctx context.Context, res *execution.Result) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("archiving execution: %w", execution.ErrInvalidRequest)
	}
	model, err := toExecutionModel(res)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("archiving execution %s: %w", res.ID, err)
	}
	return nil
}

// Get returns one archived result.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (*execution.Result, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("execution %s: %w", id, execution.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", id, err)
	}
	return toExecutionDomain(&model)
}

// Recent returns archived results, newest submission first.
func (r *ExecutionRepository) Recent(ctx context.Context, filter storage.Filter) ([]*execution.Result, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultRecentLimit
	}

	q := r.db.WithContext(ctx).
		Order("submitted_at DESC").
		Limit(limit)
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}

	out := make([]*execution.Result, 0, len(models))
	for i := range models {
		res, err := toExecutionDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Prune deletes results that finished before the cutoff.
func (r *ExecutionRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND finished_at < ?", before.UTC()).
		Delete(&ExecutionModel{})
	if tx.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

var _ storage.ExecutionStore = (*ExecutionRepository)(nil)
