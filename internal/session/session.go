package session

import (
	"sort"
	"sync/atomic"

	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/pending"
	"github.com/prudhvinik1/optisync/internal/store"
	"github.com/prudhvinik1/optisync/internal/subscription"
)

// Session owns the shared mutable state of one signed-in user: the entity
// store, the pending mutation log and the subscription hub. Every compound
// change to a key runs under that key's lock, and subscribers are notified
// after the lock is released.
type Session struct {
	store  *store.Store
	log    *pending.Log
	hub    *subscription.Hub
	locks  *keyLocks
	closed atomic.Bool
}

type Option func(*Session)

func WithStore(s *store.Store) Option {
	return func(sess *Session) { sess.store = s }
}

func WithLog(l *pending.Log) Option {
	return func(sess *Session) { sess.log = l }
}

func New(opts ...Option) *Session {
	s := &Session{locks: newKeyLocks()}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = store.New()
	}
	if s.log == nil {
		s.log = pending.NewLog()
	}
	s.hub = subscription.NewHub(s)
	return s
}

func (s *Session) Store() *store.Store { return s.store }

func (s *Session) Log() *pending.Log { return s.log }

func (s *Session) Hub() *subscription.Hub { return s.hub }

// Apply runs fn with exclusive access to key. When fn reports a change the
// subscribers of key are notified once fn's lock is released.
func (s *Session) Apply(key models.EntityKey, fn func(st *store.Store, log *pending.Log) bool) bool {
	unlock := s.locks.Lock(key)
	changed := fn(s.store, s.log)
	unlock()

	if changed && !s.closed.Load() {
		s.hub.Notify(key)
	}
	return changed
}

// View returns the tentative view of key.
func (s *Session) View(key models.EntityKey) subscription.View {
	unlock := s.locks.RLock(key)
	defer unlock()
	return s.view(key)
}

func (s *Session) view(key models.EntityKey) subscription.View {
	rec, exists := s.store.Get(key)
	patches := s.log.Patches(key)

	v := subscription.View{
		Key:     key,
		Version: rec.Version,
		Exists:  exists,
		Pending: len(patches),
	}
	if len(patches) == 0 {
		v.Data = rec.Data
		return v
	}
	v.Data = models.Fold(rec.Data, patches...)
	return v
}

// ViewsOf returns the tentative views of every known key of entityType,
// including keys that only exist as pending creations. Sorted by id.
func (s *Session) ViewsOf(entityType string) []subscription.View {
	seen := make(map[models.EntityKey]bool)
	keys := s.store.Keys(entityType)
	for _, k := range keys {
		seen[k] = true
	}
	for _, k := range s.log.Keys() {
		if k.Type == entityType && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	views := make([]subscription.View, 0, len(keys))
	for _, k := range keys {
		views = append(views, s.View(k))
	}
	return views
}

// Subscribe registers cb for the tentative view of key.
func (s *Session) Subscribe(key models.EntityKey, cb subscription.Callback) subscription.Unsubscribe {
	return s.hub.Subscribe(key, cb)
}

func (s *Session) SubscribeQuery(entityType string, match func(subscription.View) bool, cb subscription.QueryCallback) subscription.Unsubscribe {
	return s.hub.SubscribeQuery(entityType, match, cb)
}

// Keys lists every key the session knows about: confirmed records, keys with
// pending mutations and keys with subscribers. Used to scope a resync.
func (s *Session) Keys() []models.EntityKey {
	seen := make(map[models.EntityKey]bool)
	var keys []models.EntityKey
	add := func(list []models.EntityKey) {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	add(s.store.Keys(""))
	add(s.log.Keys())
	add(s.hub.Keys())

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// QueryTypes lists the entity types watched by query subscriptions. A resync
// refetches these types whole, since entities created while disconnected are
// not known by key.
func (s *Session) QueryTypes() []string {
	return s.hub.QueryTypes()
}

// Close ends the session and drops every subscription. The store and log are
// left intact for inspection.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.hub.Reset()
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}
