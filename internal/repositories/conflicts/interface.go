package conflicts

import (
	"context"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, c *models.ConflictRecord) error
	FindPendingByEntity(ctx context.Context, collection models.Collection, entityID string) (*models.ConflictRecord, error)
	RefreshPending(ctx context.Context, c *models.ConflictRecord) error
	Get(ctx context.Context, id string) (*models.ConflictRecord, error)
	ListPending(ctx context.Context) ([]models.ConflictRecord, error)
	ListResolved(ctx context.Context) ([]models.ConflictRecord, error)
	MarkResolved(ctx context.Context, id string, choice models.ResolutionChoice, at time.Time) error
	PendingCount(ctx context.Context) (int, error)
}
