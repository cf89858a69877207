package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prudhvinik1/optisync/internal/models"
)

type PostgresChangeLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresChangeLogRepository(pool *pgxpool.Pool) *PostgresChangeLogRepository {
	return &PostgresChangeLogRepository{pool: pool}
}

// Append stores the event and fills in its ID, sequence number and timestamp.
func (r *PostgresChangeLogRepository) Append(ctx context.Context, event *models.ChangeEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := `INSERT INTO change_events (id, entity_type, entity_id, version, data, mutation_id)
	          VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	          RETURNING sequence_number, created_at`

	err := r.pool.QueryRow(ctx, query,
		event.ID,
		event.Key.Type,
		event.Key.ID,
		event.Version,
		dataOrEmpty(event.Data),
		event.MutationID,
	).Scan(&event.SequenceNumber, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change event: %w", err)
	}
	return nil
}

func (r *PostgresChangeLogRepository) GetSinceSequence(ctx context.Context, sequenceNumber int64, limit int) ([]*models.ChangeEvent, error) {
	query := `SELECT id, entity_type, entity_id, version, data, COALESCE(mutation_id, ''), sequence_number, created_at
	          FROM change_events
	          WHERE sequence_number > $1
	          ORDER BY sequence_number ASC
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, sequenceNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change events: %w", err)
	}
	defer rows.Close()

	var events []*models.ChangeEvent
	for rows.Next() {
		var ev models.ChangeEvent
		err := rows.Scan(
			&ev.ID,
			&ev.Key.Type,
			&ev.Key.ID,
			&ev.Version,
			&ev.Data,
			&ev.MutationID,
			&ev.SequenceNumber,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change events: %w", err)
	}

	return events, nil
}
