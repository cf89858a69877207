package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prudhvinik1/optisync/internal/models"
)

type PostgresEntityRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresEntityRepository(pool *pgxpool.Pool) *PostgresEntityRepository {
	return &PostgresEntityRepository{pool: pool}
}

func (r *PostgresEntityRepository) Get(ctx context.Context, key models.EntityKey) (*models.EntityRecord, error) {
	query := `SELECT entity_type, entity_id, version, data, updated_at
	          FROM entities
	          WHERE entity_type = $1 AND entity_id = $2`

	var rec models.EntityRecord
	err := r.pool.QueryRow(ctx, query, key.Type, key.ID).Scan(
		&rec.Key.Type,
		&rec.Key.ID,
		&rec.Version,
		&rec.Data,
		&rec.LastConfirmedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &rec, nil
}

func (r *PostgresEntityRepository) ListByType(ctx context.Context, entityType string) ([]*models.EntityRecord, error) {
	query := `SELECT entity_type, entity_id, version, data, updated_at
	          FROM entities
	          WHERE entity_type = $1
	          ORDER BY entity_id ASC`

	rows, err := r.pool.Query(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		var rec models.EntityRecord
		if err := rows.Scan(&rec.Key.Type, &rec.Key.ID, &rec.Version, &rec.Data, &rec.LastConfirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return records, nil
}

// Upsert creates or updates an entity with optimistic locking.
// record.Version is the version the caller read: 0 means the entity must not
// exist yet. On success record.Version holds the new version.
func (r *PostgresEntityRepository) Upsert(ctx context.Context, record *models.EntityRecord) error {
	if record.Version == 0 {
		return r.create(ctx, record)
	}
	return r.update(ctx, record)
}

func (r *PostgresEntityRepository) create(ctx context.Context, record *models.EntityRecord) error {
	query := `INSERT INTO entities (entity_type, entity_id, version, data)
	          VALUES ($1, $2, 1, $3)
	          ON CONFLICT (entity_type, entity_id) DO NOTHING
	          RETURNING version, updated_at`

	err := r.pool.QueryRow(ctx, query, record.Key.Type, record.Key.ID, dataOrEmpty(record.Data)).
		Scan(&record.Version, &record.LastConfirmedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// Someone else created it first.
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

func (r *PostgresEntityRepository) update(ctx context.Context, record *models.EntityRecord) error {
	// The version check in the WHERE clause is the optimistic lock.
	query := `UPDATE entities
	          SET data = $1,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE entity_type = $2 AND entity_id = $3 AND version = $4
	          RETURNING version, updated_at`

	err := r.pool.QueryRow(ctx, query,
		dataOrEmpty(record.Data),
		record.Key.Type,
		record.Key.ID,
		record.Version,
	).Scan(&record.Version, &record.LastConfirmedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return nil
}

func dataOrEmpty(d models.Data) models.Data {
	if d == nil {
		return models.Data{}
	}
	return d
}
