package pending

import (
	"errors"
	"sort"
	"sync"

	"github.com/prudhvinik1/optisync/internal/models"
)

var (
	ErrNotFound          = errors.New("pending mutation not found")
	ErrDuplicateMutation = errors.New("mutation id already pending")
)

// Log holds in-flight local mutations. Entries for one key are always
// returned in createdAt order, whatever order unrelated keys resolve in.
type Log struct {
	mu    sync.RWMutex
	byID  map[string]*models.PendingMutation
	byKey map[models.EntityKey][]*models.PendingMutation
	seq   uint64
}

func NewLog() *Log {
	return &Log{
		byID:  make(map[string]*models.PendingMutation),
		byKey: make(map[models.EntityKey][]*models.PendingMutation),
	}
}

// Append records m. The stored entry gets an append sequence used to break
// createdAt ties.
func (l *Log) Append(m models.PendingMutation) (models.PendingMutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[m.ID]; exists {
		return models.PendingMutation{}, ErrDuplicateMutation
	}

	l.seq++
	entry := m.Clone()
	entry.Seq = l.seq

	list := append(l.byKey[m.Key], &entry)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Before(*list[j]) })
	l.byKey[m.Key] = list
	l.byID[m.ID] = &entry

	return entry.Clone(), nil
}

// Resolve removes the entry and returns it. The outcome is not interpreted
// here; the coordinator reacts to it.
func (l *Log) Resolve(id string, outcome models.Outcome) (models.PendingMutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return models.PendingMutation{}, ErrNotFound
	}
	delete(l.byID, id)

	list := l.byKey[entry.Key]
	for i, m := range list {
		if m.ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(l.byKey, entry.Key)
	} else {
		l.byKey[entry.Key] = list
	}

	switch outcome.Kind {
	case models.OutcomeCommitted:
		entry.State = models.StateCommitted
	case models.OutcomeRejected:
		entry.State = models.StateRejected
	case models.OutcomeSuperseded:
		entry.State = models.StateUnconfirmed
	case models.OutcomeCancelled:
		entry.State = models.StateCancelled
	}
	return entry.Clone(), nil
}

// ListFor returns copies of the pending mutations for key in createdAt order.
func (l *Log) ListFor(key models.EntityKey) []models.PendingMutation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.byKey[key]
	out := make([]models.PendingMutation, 0, len(list))
	for _, m := range list {
		out = append(out, m.Clone())
	}
	return out
}

// Patches returns copies of the patches for key, in fold order.
func (l *Log) Patches(key models.EntityKey) []models.Data {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.byKey[key]
	out := make([]models.Data, 0, len(list))
	for _, m := range list {
		out = append(out, m.Patch.Clone())
	}
	return out
}

func (l *Log) Get(id string) (models.PendingMutation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.byID[id]
	if !ok {
		return models.PendingMutation{}, false
	}
	return m.Clone(), true
}

// Update lets the coordinator change bookkeeping fields of an entry in place.
// The key, id, patch and ordering fields must not be changed by fn.
func (l *Log) Update(id string, fn func(m *models.PendingMutation)) (models.PendingMutation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byID[id]
	if !ok {
		return models.PendingMutation{}, ErrNotFound
	}
	fn(m)
	return m.Clone(), nil
}

// Keys returns every key with at least one pending mutation.
func (l *Log) Keys() []models.EntityKey {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]models.EntityKey, 0, len(l.byKey))
	for k := range l.byKey {
		keys = append(keys, k)
	}
	return keys
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
