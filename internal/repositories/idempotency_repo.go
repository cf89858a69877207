package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prudhvinik1/optisync/internal/models"
)

const mutationPrefix = "mutation:"

// RedisIdempotencyRepository remembers the answer given to each mutation id
// so a retried dispatch gets the same response instead of a second write.
type RedisIdempotencyRepository struct {
	client *redis.Client
}

func NewRedisIdempotencyRepository(client *redis.Client) *RedisIdempotencyRepository {
	return &RedisIdempotencyRepository{client: client}
}

func (r *RedisIdempotencyRepository) Get(ctx context.Context, mutationID string) (*models.MutationResponse, error) {
	data, err := r.client.Get(ctx, mutationPrefix+mutationID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation response: %w", err)
	}

	var resp models.MutationResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mutation response: %w", err)
	}
	return &resp, nil
}

// Save stores resp unless an answer for the same mutation id already exists.
// It reports whether resp was stored.
func (r *RedisIdempotencyRepository) Save(ctx context.Context, resp *models.MutationResponse, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("failed to marshal mutation response: %w", err)
	}

	stored, err := r.client.SetNX(ctx, mutationPrefix+resp.MutationID, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to save mutation response: %w", err)
	}
	return stored, nil
}
