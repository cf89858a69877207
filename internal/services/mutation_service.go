package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/optisync/internal/metrics"
	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/repositories"
)

// Rejection reasons the server answers with.
const (
	ReasonValidation       = "validation_failed"
	ReasonStaleBaseVersion = "stale_base_version"
)

// ErrContention means the entity kept changing underneath the mutation. It is
// a transient failure: nothing was written and the client may retry.
var ErrContention = errors.New("entity under contention")

const maxWriteAttempts = 5

type MutationServiceConfig struct {
	IdempotencyTTL time.Duration
	// StrictVersioning rejects mutations whose base version is not the
	// current version instead of applying the patch on top.
	StrictVersioning bool
	Log              *logrus.Entry
}

// MutationService is the authoritative side of the mutation protocol: it
// applies patches, assigns versions and broadcasts the resulting changes.
type MutationService struct {
	entities    repositories.EntityRepository
	changes     repositories.ChangeLogRepository
	idempotency repositories.IdempotencyRepository
	bus         repositories.EventBus
	cfg         MutationServiceConfig
	log         *logrus.Entry
}

func NewMutationService(
	entities repositories.EntityRepository,
	changes repositories.ChangeLogRepository,
	idempotency repositories.IdempotencyRepository,
	bus repositories.EventBus,
	cfg MutationServiceConfig,
) *MutationService {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MutationService{
		entities:    entities,
		changes:     changes,
		idempotency: idempotency,
		bus:         bus,
		cfg:         cfg,
		log:         cfg.Log.WithField("component", "mutation_service"),
	}
}

// Apply executes req once per mutation id. Semantic failures come back as a
// response carrying a Rejection; a returned error is transient.
func (s *MutationService) Apply(ctx context.Context, req models.MutationRequest) (*models.MutationResponse, error) {
	if reason := validate(req); reason != "" {
		metrics.ServerMutations.WithLabelValues("invalid").Inc()
		return &models.MutationResponse{
			MutationID: req.MutationID,
			Rejection:  &models.Rejection{Reason: reason},
		}, nil
	}

	cached, err := s.idempotency.Get(ctx, req.MutationID)
	if err == nil {
		metrics.ServerMutations.WithLabelValues("replayed").Inc()
		return cached, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}

	resp, rec, err := s.write(ctx, req)
	if err != nil {
		metrics.ServerMutations.WithLabelValues("error").Inc()
		return nil, err
	}

	// rec is set only when this call committed a new version. That version is
	// durable whatever happens below, so it is always broadcast.
	if rec != nil {
		metrics.ServerMutations.WithLabelValues("committed").Inc()
		s.broadcast(ctx, req.MutationID, rec)
	} else {
		metrics.ServerMutations.WithLabelValues("rejected").Inc()
	}

	stored, err := s.idempotency.Save(ctx, resp, s.cfg.IdempotencyTTL)
	if err != nil {
		s.log.WithError(err).WithField("mutation_id", req.MutationID).Warn("failed to record mutation response")
	} else if !stored {
		// A concurrent duplicate answered first; give the same answer.
		if prior, err := s.idempotency.Get(ctx, req.MutationID); err == nil {
			return prior, nil
		}
	}
	return resp, nil
}

// Snapshot returns the current record for key, or repositories.ErrNotFound.
func (s *MutationService) Snapshot(ctx context.Context, key models.EntityKey) (*models.EntityRecord, error) {
	return s.entities.Get(ctx, key)
}

func (s *MutationService) List(ctx context.Context, entityType string) ([]*models.EntityRecord, error) {
	return s.entities.ListByType(ctx, entityType)
}

// Changes returns committed change events after sequence number since.
func (s *MutationService) Changes(ctx context.Context, since int64, limit int) ([]*models.ChangeEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.changes.GetSinceSequence(ctx, since, limit)
}

func (s *MutationService) write(ctx context.Context, req models.MutationRequest) (*models.MutationResponse, *models.EntityRecord, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := s.entities.Get(ctx, req.Key)
		if errors.Is(err, repositories.ErrNotFound) {
			current = &models.EntityRecord{Key: req.Key}
		} else if err != nil {
			return nil, nil, fmt.Errorf("failed to load entity: %w", err)
		}

		if s.cfg.StrictVersioning && req.BaseVersion != current.Version {
			return rejected(req, ReasonStaleBaseVersion), nil, nil
		}

		next := &models.EntityRecord{
			Key:     req.Key,
			Version: current.Version,
			Data:    current.Data.Apply(req.Patch),
		}
		err = s.entities.Upsert(ctx, next)
		if errors.Is(err, repositories.ErrVersionConflict) {
			if s.cfg.StrictVersioning {
				return rejected(req, ReasonStaleBaseVersion), nil, nil
			}
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to write entity: %w", err)
		}

		return &models.MutationResponse{
			MutationID:   req.MutationID,
			FinalVersion: next.Version,
			FinalData:    next.Data,
		}, next, nil
	}
	return nil, nil, ErrContention
}

// broadcast records the change and fans it out. The write is already durable
// so failures here are logged, not returned.
func (s *MutationService) broadcast(ctx context.Context, mutationID string, rec *models.EntityRecord) {
	ev := &models.ChangeEvent{
		Key:        rec.Key,
		Version:    rec.Version,
		Data:       rec.Data,
		MutationID: mutationID,
		CreatedAt:  rec.LastConfirmedAt,
	}
	log := s.log.WithFields(logrus.Fields{"key": rec.Key.String(), "version": rec.Version})

	if err := s.changes.Append(ctx, ev); err != nil {
		log.WithError(err).Error("failed to append change event")
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.WithError(err).Error("failed to publish change event")
	}
}

func validate(req models.MutationRequest) string {
	if req.MutationID == "" || !req.Key.Valid() || len(req.Patch) == 0 || req.BaseVersion < 0 {
		return ReasonValidation
	}
	return ""
}

func rejected(req models.MutationRequest, reason string) *models.MutationResponse {
	return &models.MutationResponse{
		MutationID: req.MutationID,
		Rejection:  &models.Rejection{Reason: reason},
	}
}
