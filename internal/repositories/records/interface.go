package records

import (
	"context"

	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
)

type Repository interface {
	Get(ctx context.Context, collection models.Collection, id string) (*models.Record, error)
	List(ctx context.Context, collection models.Collection, includeDeleted bool) ([]models.Record, error)
	Dirty(ctx context.Context, collection models.Collection) ([]models.Record, error)
	Upsert(ctx context.Context, r *models.Record) error
	MarkClean(ctx context.Context, collection models.Collection, ids []string) error
}
