package outbox

import (
	"context"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, e *models.OutboxEntry) error
	Get(ctx context.Context, entryID string) (*models.OutboxEntry, error)
	FindPendingByEntity(ctx context.Context, collection models.Collection, entityID string) (*models.OutboxEntry, error)
	ReplaceSnapshot(ctx context.Context, entryID string, op models.Operation, snapshot []byte, version int64, updatedAt time.Time) error
	ListByState(ctx context.Context, state models.OutboxState) ([]models.OutboxEntry, error)
	Delete(ctx context.Context, entryIDs []string) error
	DeleteMatching(ctx context.Context, entryID string, version int64) (bool, error)
	RecordAttempt(ctx context.Context, entryID string, retryCount int, lastError string, attemptAt time.Time, state models.OutboxState) error
	MoveFailedToPending(ctx context.Context) (int, error)
	CountByState(ctx context.Context, state models.OutboxState) (int, error)
}
