package syncmeta

import (
	"context"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
)

type Repository interface {
	Get(ctx context.Context, collection models.Collection) (*models.SyncMetadata, error)
	SetLastSyncAt(ctx context.Context, collection models.Collection, at time.Time) error
	BumpSuccess(ctx context.Context, collection models.Collection) error
	BumpFailure(ctx context.Context, collection models.Collection) error
	List(ctx context.Context) ([]models.SyncMetadata, error)
}
