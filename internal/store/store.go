package store

import (
	"sort"
	"sync"
	"time"

	"github.com/prudhvinik1/optisync/internal/models"
)

// Store is the in-memory cache of server-confirmed entity states.
// Versions for a key never decrease.
type Store struct {
	mu      sync.RWMutex
	records map[models.EntityKey]*models.EntityRecord
	now     func() time.Time
}

func New() *Store {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Store {
	return &Store{
		records: make(map[models.EntityKey]*models.EntityRecord),
		now:     now,
	}
}

// Get returns a copy of the confirmed record for key.
func (s *Store) Get(key models.EntityKey) (models.EntityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return models.EntityRecord{}, false
	}
	return rec.Clone(), true
}

// Version returns the stored version, or 0 when the key was never observed.
func (s *Store) Version(key models.EntityKey) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[key]; ok {
		return rec.Version
	}
	return 0
}

// Merge applies a realtime change iff version is strictly newer than the
// stored one, or nothing is stored yet.
func (s *Store) Merge(key models.EntityKey, version int64, data models.Data) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[key]; ok && version <= cur.Version {
		return false
	}
	s.put(key, version, data)
	return true
}

// Commit writes the outcome of the coordinator's own mutation. Ties with the
// stored version go to the mutation response; lower versions are ignored.
func (s *Store) Commit(key models.EntityKey, version int64, data models.Data) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[key]; ok && version < cur.Version {
		return false
	}
	s.put(key, version, data)
	return true
}

func (s *Store) put(key models.EntityKey, version int64, data models.Data) {
	s.records[key] = &models.EntityRecord{
		Key:             key,
		Version:         version,
		Data:            data.Clone(),
		LastConfirmedAt: s.now(),
	}
}

// Keys lists stored keys, optionally restricted to one entity type, sorted by id.
func (s *Store) Keys(entityType string) []models.EntityKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]models.EntityKey, 0, len(s.records))
	for k := range s.records {
		if entityType != "" && k.Type != entityType {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
