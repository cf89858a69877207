package subscription

import (
	"sort"
	"sync"

	"github.com/prudhvinik1/optisync/internal/models"
)

type Callback func(View)

type QueryCallback func([]View)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type query struct {
	id         uint64
	entityType string
	match      func(View) bool
	topic      *topic[[]View]
}

// Hub is the registry of key and query subscriptions. A change to a key is
// computed once and shared by all subscribers of that key.
type Hub struct {
	source Source

	mu      sync.Mutex
	nextID  uint64
	topics  map[models.EntityKey]*topic[View]
	queries map[uint64]*query
}

func NewHub(source Source) *Hub {
	return &Hub{
		source:  source,
		topics:  make(map[models.EntityKey]*topic[View]),
		queries: make(map[uint64]*query),
	}
}

// Subscribe registers cb for key. cb receives the current view, then again on
// every change. The first view is delivered before Subscribe returns unless
// the topic is already being drained, by another goroutine or by a callback
// further up the stack; then it is queued behind the deliveries already
// pending and arrives in order on the draining goroutine.
func (h *Hub) Subscribe(key models.EntityKey, cb Callback) Unsubscribe {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[key]
	if !ok {
		t = newTopic[View]()
		h.topics[key] = t
	}
	h.nextID++
	id := h.nextID
	t.subs[id] = cb

	t.offer(h.source.View(key), View.Equal, id)
	t.drain(&h.mu)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(t.subs, id)
			h.dropTopic(key, t)
		})
	}
}

// SubscribeQuery registers cb for every entity of entityType accepted by match
// (nil matches all). cb receives the matching views sorted by id.
func (h *Hub) SubscribeQuery(entityType string, match func(View) bool, cb QueryCallback) Unsubscribe {
	if match == nil {
		match = func(View) bool { return true }
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	q := &query{
		id:         h.nextID,
		entityType: entityType,
		match:      match,
		topic:      newTopic[[]View](),
	}
	q.topic.subs[q.id] = cb
	h.queries[q.id] = q

	q.topic.offer(h.queryViews(q), equalViews, q.id)
	q.topic.drain(&h.mu)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(q.topic.subs, q.id)
			delete(h.queries, q.id)
		})
	}
}

// Notify recomputes the view of key and delivers it if it changed.
func (h *Hub) Notify(key models.EntityKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[key]; ok {
		t.offer(h.source.View(key), View.Equal, 0)
		t.drain(&h.mu)
		h.dropTopic(key, t)
	}

	for _, q := range h.queriesFor(key.Type) {
		if _, live := h.queries[q.id]; !live {
			continue
		}
		q.topic.offer(h.queryViews(q), equalViews, 0)
		q.topic.drain(&h.mu)
	}
}

// QueryTypes returns the entity types with at least one query subscription,
// sorted.
func (h *Hub) QueryTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool)
	var types []string
	for _, q := range h.queries {
		if !seen[q.entityType] {
			seen[q.entityType] = true
			types = append(types, q.entityType)
		}
	}
	sort.Strings(types)
	return types
}

// Keys returns every key that currently has a subscriber.
func (h *Hub) Keys() []models.EntityKey {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]models.EntityKey, 0, len(h.topics))
	for k := range h.topics {
		keys = append(keys, k)
	}
	return keys
}

// SubscriberCount reports subscribers for key.
func (h *Hub) SubscriberCount(key models.EntityKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[key]; ok {
		return len(t.subs)
	}
	return 0
}

// Reset drops every subscription.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.topics {
		t.subs = make(map[uint64]func(View))
	}
	h.topics = make(map[models.EntityKey]*topic[View])
	h.queries = make(map[uint64]*query)
}

func (h *Hub) dropTopic(key models.EntityKey, t *topic[View]) {
	if t.idle() && h.topics[key] == t {
		delete(h.topics, key)
	}
}

func (h *Hub) queriesFor(entityType string) []*query {
	out := make([]*query, 0)
	for _, q := range h.queries {
		if q.entityType == entityType {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Hub) queryViews(q *query) []View {
	all := h.source.ViewsOf(q.entityType)
	out := make([]View, 0, len(all))
	for _, v := range all {
		if q.match(v) {
			out = append(out, v)
		}
	}
	return out
}
