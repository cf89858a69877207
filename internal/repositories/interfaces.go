package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/prudhvinik1/optisync/internal/models"
)

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when optimistic locking fails
var ErrVersionConflict = errors.New("version conflict: entity was modified concurrently")

type EntityRepository interface {
	Get(ctx context.Context, key models.EntityKey) (*models.EntityRecord, error)
	ListByType(ctx context.Context, entityType string) ([]*models.EntityRecord, error)
	Upsert(ctx context.Context, record *models.EntityRecord) error
}

type ChangeLogRepository interface {
	Append(ctx context.Context, event *models.ChangeEvent) error
	GetSinceSequence(ctx context.Context, sequenceNumber int64, limit int) ([]*models.ChangeEvent, error)
}

type IdempotencyRepository interface {
	Get(ctx context.Context, mutationID string) (*models.MutationResponse, error)
	Save(ctx context.Context, resp *models.MutationResponse, ttl time.Duration) (bool, error)
}

type EventBus interface {
	Publish(ctx context.Context, event *models.ChangeEvent) error
	Subscribe(ctx context.Context) (*Subscription, error)
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	DeletePresence(ctx context.Context, clientID string) error
	ListPresence(ctx context.Context) ([]*models.Presence, error)
}
